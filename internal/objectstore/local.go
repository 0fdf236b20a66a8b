package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/strata-db/strata/pkg/errors"
)

// Local maps object keys to files under a root directory. Writes go
// through a temp file and rename so readers never observe partial
// objects.
type Local struct {
	root string

	// Serializes renames onto the same key; the filesystem handles the rest.
	mu sync.Mutex
}

// NewLocal creates a filesystem-backed store rooted at dir, creating the
// directory if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindPermanent, "create object store root", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// Put stores data under key using temp-file + rename for atomicity.
func (l *Local) Put(_ context.Context, key string, data []byte) error {
	target := l.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(errors.KindPermanent, "create object directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return errors.Wrap(errors.KindTransient, "create temp object", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(errors.KindTransient, "write temp object", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(errors.KindTransient, "sync temp object", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.KindTransient, "close temp object", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.KindTransient, "rename temp object", err)
	}
	return nil
}

// Get returns the object's contents.
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.KindNotFound, "object %s not found", key)
		}
		return nil, errors.Wrap(errors.KindTransient, "read object", err)
	}
	return data, nil
}

// Exists reports whether the object is present.
func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(errors.KindTransient, "stat object", err)
	}
	return true, nil
}

// Delete removes the object. Missing keys are ignored.
func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindTransient, "delete object", err)
	}
	return nil
}

// List returns metadata for all objects under prefix, sorted by key.
func (l *Local) List(_ context.Context, prefix string) ([]ObjectMetadata, error) {
	var out []ObjectMetadata
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectMetadata{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "list objects", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Head returns metadata for one object.
func (l *Local) Head(_ context.Context, key string) (ObjectMetadata, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectMetadata{}, errors.Newf(errors.KindNotFound, "object %s not found", key)
		}
		return ObjectMetadata{}, errors.Wrap(errors.KindTransient, "stat object", err)
	}
	return ObjectMetadata{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Copy duplicates an object by reading and rewriting it.
func (l *Local) Copy(ctx context.Context, fromKey, toKey string) error {
	data, err := l.Get(ctx, fromKey)
	if err != nil {
		return err
	}
	return l.Put(ctx, toKey, data)
}

// PutMultipart concatenates parts and stores them as one object.
func (l *Local) PutMultipart(ctx context.Context, key string, parts [][]byte) error {
	if len(parts) == 0 {
		return errors.New(errors.KindValidation, "multipart upload requires at least one part")
	}
	var total int
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return l.Put(ctx, key, buf)
}

// Root returns the root directory, used by tests and diagnostics.
func (l *Local) Root() string {
	return l.root
}

var _ Store = (*Local)(nil)
