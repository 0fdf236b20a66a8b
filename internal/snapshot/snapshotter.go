// Package snapshot serializes a collection's materialized vector state
// to an object store, in either JSON or columnar format, with a metadata
// sidecar per snapshot.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// Snapshotter writes and restores collection snapshots. The format and
// compression are recorded per snapshot in its metadata sidecar, so a
// store may hold a mix of JSON and columnar snapshots; restore selects
// by what the sidecar says, not by the snapshotter's configuration.
type Snapshotter struct {
	store       objectstore.Store
	compression CompressionCodec
	format      types.SnapshotFormat
	logger      *slog.Logger
}

// New creates a snapshotter writing the given format with the given
// compression codec.
func New(store objectstore.Store, compression CompressionCodec, format types.SnapshotFormat) (*Snapshotter, error) {
	if !compression.Valid() {
		return nil, errors.Newf(errors.KindValidation, "unknown compression codec %q", compression)
	}
	if format != types.SnapshotJSON && format != types.SnapshotColumnar {
		return nil, errors.Newf(errors.KindValidation, "unknown snapshot format %q", format)
	}
	return &Snapshotter{
		store:       store,
		compression: compression,
		format:      format,
		logger:      slog.Default().With("component", "snapshotter"),
	}, nil
}

func snapshotKey(id uuid.UUID, format types.SnapshotFormat, codec CompressionCodec) string {
	ext := "json"
	if format == types.SnapshotColumnar {
		ext = "col"
	}
	return fmt.Sprintf("snapshots/%s.%s%s", id, ext, codec.ext())
}

func metadataKey(id uuid.UUID) string {
	return fmt.Sprintf("snapshots/%s.meta.json", id)
}

// Create serializes the documents and uploads the snapshot plus its
// metadata sidecar. Empty input is a validation error.
func (s *Snapshotter) Create(ctx context.Context, collectionID types.CollectionID, docs []types.VectorDocument) (uuid.UUID, error) {
	if len(docs) == 0 {
		return uuid.Nil, errors.New(errors.KindValidation, "cannot snapshot empty collection")
	}

	snapshotID := types.NewID()
	dimension := len(docs[0].Vector)

	var encoded []byte
	var err error
	switch s.format {
	case types.SnapshotColumnar:
		encoded, err = encodeColumnar(docs, dimension)
	default:
		encoded, err = json.Marshal(docs)
		err = errors.Wrap(errors.KindSerialization, "encode snapshot", err)
	}
	if err != nil {
		return uuid.Nil, err
	}

	compressed, err := compress(encoded, s.compression)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.store.Put(ctx, snapshotKey(snapshotID, s.format, s.compression), compressed); err != nil {
		return uuid.Nil, err
	}

	meta := types.SnapshotMetadata{
		SnapshotID:   snapshotID,
		CollectionID: collectionID,
		VectorCount:  uint64(len(docs)),
		Dimension:    dimension,
		CreatedAt:    time.Now().UTC(),
		SizeBytes:    uint64(len(compressed)),
		Compression:  string(s.compression),
		Format:       s.format,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, errors.Wrap(errors.KindSerialization, "encode snapshot metadata", err)
	}
	if err := s.store.Put(ctx, metadataKey(snapshotID), metaData); err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("snapshot created",
		"snapshot_id", snapshotID.String(), "vectors", len(docs),
		"format", string(s.format), "bytes", len(compressed))
	return snapshotID, nil
}

// Restore reads a snapshot back, selecting format and compression from
// the metadata sidecar.
func (s *Snapshotter) Restore(ctx context.Context, snapshotID uuid.UUID) ([]types.VectorDocument, error) {
	meta, err := s.GetMetadata(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	compressed, err := s.store.Get(ctx, snapshotKey(snapshotID, meta.Format, CompressionCodec(meta.Compression)))
	if err != nil {
		return nil, err
	}
	encoded, err := decompress(compressed, CompressionCodec(meta.Compression))
	if err != nil {
		return nil, err
	}

	switch meta.Format {
	case types.SnapshotColumnar:
		return decodeColumnar(encoded)
	default:
		var docs []types.VectorDocument
		if err := json.Unmarshal(encoded, &docs); err != nil {
			return nil, errors.Wrap(errors.KindCorruption, "decode snapshot", err)
		}
		return docs, nil
	}
}

// List returns metadata for all snapshots of a collection, newest first.
func (s *Snapshotter) List(ctx context.Context, collectionID types.CollectionID) ([]types.SnapshotMetadata, error) {
	objects, err := s.store.List(ctx, "snapshots/")
	if err != nil {
		return nil, err
	}

	var out []types.SnapshotMetadata
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".meta.json") {
			continue
		}
		data, err := s.store.Get(ctx, obj.Key)
		if err != nil {
			continue
		}
		var meta types.SnapshotMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("skipping unreadable snapshot metadata", "key", obj.Key, "error", err)
			continue
		}
		if meta.CollectionID == collectionID {
			out = append(out, meta)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RestoreLatest restores the newest snapshot of a collection. The bool
// result is false when the collection has no snapshots.
func (s *Snapshotter) RestoreLatest(ctx context.Context, collectionID types.CollectionID) ([]types.VectorDocument, bool, error) {
	snapshots, err := s.List(ctx, collectionID)
	if err != nil {
		return nil, false, err
	}
	if len(snapshots) == 0 {
		return nil, false, nil
	}
	docs, err := s.Restore(ctx, snapshots[0].SnapshotID)
	if err != nil {
		return nil, false, err
	}
	return docs, true, nil
}

// GetMetadata returns the sidecar for one snapshot.
func (s *Snapshotter) GetMetadata(ctx context.Context, snapshotID uuid.UUID) (types.SnapshotMetadata, error) {
	data, err := s.store.Get(ctx, metadataKey(snapshotID))
	if err != nil {
		return types.SnapshotMetadata{}, err
	}
	var meta types.SnapshotMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return types.SnapshotMetadata{}, errors.Wrap(errors.KindCorruption, "decode snapshot metadata", err)
	}
	return meta, nil
}

// Delete removes a snapshot's data and metadata objects. Idempotent.
func (s *Snapshotter) Delete(ctx context.Context, snapshotID uuid.UUID) error {
	meta, err := s.GetMetadata(ctx, snapshotID)
	if err == nil {
		if err := s.store.Delete(ctx, snapshotKey(snapshotID, meta.Format, CompressionCodec(meta.Compression))); err != nil {
			return err
		}
	} else if !errors.IsNotFound(err) {
		return err
	}
	return s.store.Delete(ctx, metadataKey(snapshotID))
}

// Verify reports whether both the data and metadata objects exist.
func (s *Snapshotter) Verify(ctx context.Context, snapshotID uuid.UUID) (bool, error) {
	meta, err := s.GetMetadata(ctx, snapshotID)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return s.store.Exists(ctx, snapshotKey(snapshotID, meta.Format, CompressionCodec(meta.Compression)))
}
