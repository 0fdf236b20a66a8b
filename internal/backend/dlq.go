package backend

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// DLQEntry is one permanently failed upload awaiting manual
// intervention.
type DLQEntry struct {
	DocID        types.DocumentID   `json:"doc_id"`
	CollectionID types.CollectionID `json:"collection_id"`
	LastError    string             `json:"last_error"`
	Payload      []byte             `json:"payload"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	TTLSeconds   int64              `json:"ttl_seconds"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *DLQEntry) Expired(now time.Time) bool {
	return now.Sub(e.EnqueuedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// DeadLetterQueue is the bounded, disk-persisted queue of permanent S3
// failures. It survives process restarts through its JSON persistence
// file.
type DeadLetterQueue struct {
	config DLQConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries []DLQEntry
}

// NewDeadLetterQueue creates a DLQ, loading any persisted entries from
// the configured file.
func NewDeadLetterQueue(config DLQConfig) *DeadLetterQueue {
	q := &DeadLetterQueue{
		config: config,
		logger: slog.Default().With("component", "dlq"),
	}
	if config.PersistencePath != "" {
		if err := q.load(); err != nil {
			q.logger.Warn("failed to load dlq from disk", "path", config.PersistencePath, "error", err)
		}
	}
	return q
}

// Add appends an entry, evicting the oldest when the queue is full.
func (q *DeadLetterQueue) Add(entry DLQEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.config.MaxEntries > 0 && len(q.entries) >= q.config.MaxEntries {
		q.entries = q.entries[1:]
		q.logger.Warn("dlq full, evicting oldest entry")
	}
	q.entries = append(q.entries, entry)
}

// Size returns the number of queued entries.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of all queued entries for inspection.
func (q *DeadLetterQueue) Entries() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DLQEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear drops all entries after manual intervention.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// CleanupExpired removes entries whose TTL elapsed and returns how many
// were dropped.
func (q *DeadLetterQueue) CleanupExpired() int {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	keep := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.Expired(now) {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	q.entries = keep
	return removed
}

// Persist writes the queue to its persistence file via temp-file +
// rename. The entries are snapshot-cloned under the lock; file I/O runs
// without it.
func (q *DeadLetterQueue) Persist() error {
	if q.config.PersistencePath == "" {
		return nil
	}

	q.mu.Lock()
	snapshot := make([]DLQEntry, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindSerialization, "encode dlq", err)
	}

	dir := filepath.Dir(q.config.PersistencePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.KindPermanent, "create dlq directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".dlq-*")
	if err != nil {
		return errors.Wrap(errors.KindTransient, "create dlq temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(errors.KindTransient, "write dlq", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.KindTransient, "close dlq temp file", err)
	}
	if err := os.Rename(tmp.Name(), q.config.PersistencePath); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.KindTransient, "rename dlq file", err)
	}
	return nil
}

// load restores the queue from its persistence file.
func (q *DeadLetterQueue) load() error {
	data, err := os.ReadFile(q.config.PersistencePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.KindTransient, "read dlq file", err)
	}
	var entries []DLQEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(errors.KindCorruption, "decode dlq file", err)
	}
	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()
	return nil
}
