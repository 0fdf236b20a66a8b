package wal

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/strata-db/strata/pkg/errors"
)

// FileWALConfig configures the file-segmented backend.
type FileWALConfig struct {
	// MaxFileSizeBytes is the rotation threshold for the active file.
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`

	// SyncOnWrite fsyncs every append. Disable for throughput at the cost
	// of durability on crash.
	SyncOnWrite bool `yaml:"sync_on_write"`

	// RetentionCount is how many pre-checkpoint files survive cleanup.
	RetentionCount int `yaml:"retention_count"`
}

// DefaultFileWALConfig returns the production defaults.
func DefaultFileWALConfig() FileWALConfig {
	return FileWALConfig{
		MaxFileSizeBytes: 100 * 1024 * 1024,
		SyncOnWrite:      true,
		RetentionCount:   10,
	}
}

// FileWAL is the file-segmented WAL backend. Files are named
// wal-{lsn:016x}.log where the hex value is the first LSN the file will
// contain, so replay can filter whole files by name. Each line is one
// JSON-encoded (LSN, entry) record.
type FileWAL struct {
	dir    string
	config FileWALConfig
	logger *slog.Logger

	mu            sync.Mutex
	file          *os.File
	writer        *bufio.Writer
	currentLSN    LSN
	checkpointLSN LSN
	currentPath   string
}

// NewFileWAL opens (or creates) a file WAL in dir, recovering the LSN
// counter and latest checkpoint from any existing log files.
func NewFileWAL(dir string, config FileWALConfig) (*FileWAL, error) {
	if config.MaxFileSizeBytes <= 0 {
		config.MaxFileSizeBytes = 100 * 1024 * 1024
	}
	if config.RetentionCount <= 0 {
		config.RetentionCount = 10
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindPermanent, "create wal directory", err)
	}

	w := &FileWAL{
		dir:    dir,
		config: config,
		logger: slog.Default().With("component", "file-wal", "dir", dir),
	}
	if err := w.recoverState(); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fileName(w.currentLSN.Next()))
	if err := w.openFile(path); err != nil {
		return nil, err
	}
	return w, nil
}

func fileName(startLSN LSN) string {
	return fmt.Sprintf("wal-%016x.log", uint64(startLSN))
}

// parseFileName extracts the starting LSN from a wal-{hex}.log name.
func parseFileName(name string) (LSN, bool) {
	if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	hex := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return LSN(v), true
}

// recoverState scans existing files for the highest LSN and latest
// checkpoint, tolerating corrupt trailing lines.
func (w *FileWAL) recoverState() error {
	files, err := w.walFiles(0)
	if err != nil {
		return err
	}
	for _, f := range files {
		err := w.scanFile(f.path, func(rec Record) {
			if rec.LSN > w.currentLSN {
				w.currentLSN = rec.LSN
			}
			if rec.Entry.Type == EntryCheckpoint && rec.Entry.CheckpointLSN > w.checkpointLSN {
				w.checkpointLSN = rec.Entry.CheckpointLSN
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWAL) scanFile(path string, fn func(Record)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "open wal file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			// Corrupt trailing lines are expected after a crash.
			w.logger.Warn("skipping corrupt wal entry", "file", filepath.Base(path), "error", err)
			continue
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(errors.KindCorruption, "scan wal file", err)
	}
	return nil
}

func (w *FileWAL) openFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(errors.KindPermanent, "open wal file", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.currentPath = path
	return nil
}

// Append assigns the next LSN, writes the record, fsyncs when configured,
// and rotates when the active file exceeds the size threshold.
func (w *FileWAL) Append(ctx context.Context, entry Entry) (LSN, error) {
	lsns, err := w.AppendBatch(ctx, []Entry{entry})
	if err != nil {
		return 0, err
	}
	return lsns[0], nil
}

// AppendBatch assigns consecutive LSNs and writes all entries.
func (w *FileWAL) AppendBatch(_ context.Context, entries []Entry) ([]LSN, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	lsns := make([]LSN, 0, len(entries))
	for _, entry := range entries {
		w.currentLSN = w.currentLSN.Next()
		lsn := w.currentLSN
		data, err := EncodeRecord(Record{LSN: lsn, Entry: entry})
		if err != nil {
			return nil, err
		}
		if _, err := w.writer.Write(append(data, '\n')); err != nil {
			return nil, errors.Wrap(errors.KindTransient, "write wal entry", err)
		}
		lsns = append(lsns, lsn)
	}

	if w.config.SyncOnWrite {
		if err := w.syncLocked(); err != nil {
			return nil, err
		}
	}

	if err := w.maybeRotateLocked(); err != nil {
		return nil, err
	}
	return lsns, nil
}

func (w *FileWAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(errors.KindTransient, "flush wal", err)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(errors.KindTransient, "fsync wal", err)
	}
	return nil
}

// maybeRotateLocked rotates when the active file passed the threshold.
// The new file is named by the NEXT LSN, the first record it will
// contain; naming it by the current LSN breaks replay filtering because
// replay(current+1) would skip the file.
func (w *FileWAL) maybeRotateLocked() error {
	info, err := os.Stat(w.currentPath)
	if err != nil {
		return nil
	}
	if info.Size() < w.config.MaxFileSizeBytes {
		return nil
	}

	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(errors.KindTransient, "close wal file", err)
	}

	next := w.currentLSN.Next()
	newPath := filepath.Join(w.dir, fileName(next))
	w.logger.Debug("rotating wal file", "next_start_lsn", uint64(next))
	return w.openFile(newPath)
}

// Sync flushes buffered records and fsyncs the active file.
func (w *FileWAL) Sync(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

type walFile struct {
	startLSN LSN
	path     string
}

func (w *FileWAL) walFiles(from LSN) ([]walFile, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "read wal directory", err)
	}
	var files []walFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lsn, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, walFile{startLSN: lsn, path: filepath.Join(w.dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].startLSN < files[j].startLSN })

	if from == 0 {
		return files, nil
	}

	// Keep every file starting at or after from, plus the one file that
	// starts before it: that file may still hold records >= from.
	cut := 0
	for i, f := range files {
		if f.startLSN >= from {
			break
		}
		cut = i
	}
	return files[cut:], nil
}

// Replay returns all records with LSN >= from in ascending order,
// skipping corrupt lines with a warning.
func (w *FileWAL) Replay(ctx context.Context, from LSN) ([]Record, error) {
	// Flush so the reader sees everything appended so far.
	if err := w.Sync(ctx); err != nil {
		return nil, err
	}

	files, err := w.walFiles(from)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, f := range files {
		err := w.scanFile(f.path, func(rec Record) {
			if rec.LSN >= from {
				records = append(records, rec)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LSN < records[j].LSN })
	return records, nil
}

// NextBatch returns encoded records after since, up to maxBytes. At
// least one record is returned when any remain.
func (w *FileWAL) NextBatch(ctx context.Context, maxBytes int, since LSN) ([][]byte, error) {
	records, err := w.Replay(ctx, since.Next())
	if err != nil {
		return nil, err
	}
	var out [][]byte
	total := 0
	for _, rec := range records {
		data, err := EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if total+len(data) > maxBytes && len(out) > 0 {
			break
		}
		total += len(data)
		out = append(out, data)
	}
	return out, nil
}

// Checkpoint writes a checkpoint marker at lsn, then removes old files
// whose starting LSN precedes the checkpoint, keeping RetentionCount.
func (w *FileWAL) Checkpoint(ctx context.Context, lsn LSN) error {
	w.mu.Lock()
	w.checkpointLSN = lsn
	w.mu.Unlock()

	if _, err := w.Append(ctx, Entry{Type: EntryCheckpoint, CheckpointLSN: lsn, Timestamp: nowUTC()}); err != nil {
		return err
	}
	return w.cleanupOldFiles(lsn)
}

func (w *FileWAL) cleanupOldFiles(checkpoint LSN) error {
	files, err := w.walFiles(0)
	if err != nil {
		return err
	}
	var old []walFile
	for _, f := range files {
		if f.startLSN < checkpoint && f.path != w.currentPathSnapshot() {
			old = append(old, f)
		}
	}
	if len(old) <= w.config.RetentionCount {
		return nil
	}
	for _, f := range old[:len(old)-w.config.RetentionCount] {
		if err := os.Remove(f.path); err != nil {
			w.logger.Warn("failed to remove old wal file", "file", f.path, "error", err)
		}
	}
	return nil
}

func (w *FileWAL) currentPathSnapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// CurrentLSN returns the highest assigned sequence number.
func (w *FileWAL) CurrentLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// CheckpointLSN returns the most recent checkpoint marker.
func (w *FileWAL) CheckpointLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointLSN
}

// Close flushes and closes the active file.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

var _ Log = (*FileWAL)(nil)
