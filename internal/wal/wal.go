// Package wal implements the durable, ordered write-ahead log. Two
// interchangeable backends exist: a file-segmented log for local
// deployments and an object-store-segmented log for cloud deployments
// with O(1) appends over immutable sealed segments.
package wal

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// LSN is a log sequence number: a 64-bit monotonic counter per stream,
// assigned on every append and never reused after a crash.
type LSN uint64

// Next returns the following sequence number, saturating at the maximum.
func (l LSN) Next() LSN {
	if l == ^LSN(0) {
		return l
	}
	return l + 1
}

// EntryType tags a WAL entry variant.
type EntryType string

const (
	EntryCreateCollection EntryType = "create_collection"
	EntryDeleteCollection EntryType = "delete_collection"
	EntryUpsert           EntryType = "upsert"
	EntryDelete           EntryType = "delete"
	EntryUpsertPayload    EntryType = "upsert_payload"
	EntryCheckpoint       EntryType = "checkpoint"
)

// Entry is a logical WAL record capturing mutation intent. Fields are
// populated per variant; unused fields stay at their zero value.
type Entry struct {
	Type         EntryType          `json:"type"`
	CollectionID types.CollectionID `json:"collection_id"`
	Timestamp    time.Time          `json:"timestamp"`

	// CreateCollection
	Dimension int                  `json:"dimension,omitempty"`
	Metric    types.DistanceMetric `json:"metric,omitempty"`

	// Upsert / Delete / UpsertPayload
	DocID      types.DocumentID `json:"doc_id,omitempty"`
	PrimaryKey string           `json:"primary_key,omitempty"`
	Vector     []float32        `json:"vector,omitempty"`
	ExternalID string           `json:"external_id,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`

	// Checkpoint
	CheckpointLSN LSN `json:"checkpoint_lsn,omitempty"`
}

// Record pairs an entry with its assigned LSN, as persisted on the wire.
type Record struct {
	LSN   LSN   `json:"lsn"`
	Entry Entry `json:"entry"`
}

// EncodeRecord serializes a record as a single JSON line (no trailing
// newline).
func EncodeRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "encode wal record", err)
	}
	return data, nil
}

// DecodeRecord parses a JSON line back into a record.
func DecodeRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, errors.Wrap(errors.KindSerialization, "decode wal record", err)
	}
	return rec, nil
}

// ReplayStats aggregates the outcome of a replay pass.
type ReplayStats struct {
	Records uint64 `json:"records"`
	Bytes   uint64 `json:"bytes"`
}

// Appender appends WAL records in a durable, ordered manner. Sync is the
// durability barrier: after it returns, all appended entries are
// recoverable.
type Appender interface {
	Append(ctx context.Context, entry Entry) (LSN, error)
	AppendBatch(ctx context.Context, entries []Entry) ([]LSN, error)
	Sync(ctx context.Context) error
}

// Replayer reads persisted records back in ascending LSN order.
type Replayer interface {
	// Replay returns every record with LSN >= from, ascending.
	Replay(ctx context.Context, from LSN) ([]Record, error)

	// NextBatch returns encoded records after since, bounded by maxBytes.
	// At least one record is returned when any remain; an empty result
	// means the log is exhausted.
	NextBatch(ctx context.Context, maxBytes int, since LSN) ([][]byte, error)
}

// Log is the full WAL contract used by the storage backend.
type Log interface {
	Appender
	Replayer

	// Checkpoint records a checkpoint marker at lsn and releases storage
	// held by entries before it, subject to retention.
	Checkpoint(ctx context.Context, lsn LSN) error

	// CurrentLSN returns the highest assigned sequence number.
	CurrentLSN() LSN
}

// RecoveryStats summarizes crash recovery across streams.
type RecoveryStats struct {
	StreamsRecovered int                    `json:"streams_recovered"`
	TotalEntries     uint64                 `json:"total_entries"`
	LastLSNPerStream map[types.StreamID]LSN `json:"last_lsn_per_stream"`
}

// Recoverer rebuilds LSN counters from durable storage on process start.
type Recoverer interface {
	Recover(ctx context.Context) (RecoveryStats, error)
	RecoverStream(ctx context.Context, stream types.StreamID) (LSN, bool, error)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
