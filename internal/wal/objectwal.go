package wal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// DefaultSegmentSize is how many entries an active segment holds before
// it is sealed and rotated.
const DefaultSegmentSize = 10_000

// SegmentMetadata describes one WAL segment in a stream manifest.
type SegmentMetadata struct {
	ID         uint64    `json:"id"`
	Path       string    `json:"path"`
	StartLSN   LSN       `json:"start_lsn"`
	EndLSN     LSN       `json:"end_lsn"`
	EntryCount int       `json:"entry_count"`
	CreatedAt  time.Time `json:"created_at"`
	Sealed     bool      `json:"sealed"`
}

// StreamManifest tracks all segments of one WAL stream.
type StreamManifest struct {
	Version  uint32            `json:"version"`
	Segments []SegmentMetadata `json:"segments"`
	NextLSN  LSN               `json:"next_lsn"`
}

// activeSegment is the in-memory tail of a stream.
type activeSegment struct {
	id       uint64
	path     string
	startLSN LSN
	records  []Record
}

func (s *activeSegment) seal() SegmentMetadata {
	end := s.startLSN
	if len(s.records) > 0 {
		end = s.records[len(s.records)-1].LSN
	}
	return SegmentMetadata{
		ID:         s.id,
		Path:       s.path,
		StartLSN:   s.startLSN,
		EndLSN:     end,
		EntryCount: len(s.records),
		CreatedAt:  nowUTC(),
		Sealed:     true,
	}
}

func (s *activeSegment) clone() *activeSegment {
	cp := &activeSegment{id: s.id, path: s.path, startLSN: s.startLSN}
	cp.records = append(cp.records, s.records...)
	return cp
}

type streamState struct {
	manifest StreamManifest
	active   *activeSegment
}

// ObjectWAL is the object-store-segmented WAL backend. The log is split
// into fixed-size segments; sealed segments are immutable, only the
// active segment changes on append, and sync uploads just the active
// segment plus the manifest. The state lock is never held across
// object-store I/O.
type ObjectWAL struct {
	store       objectstore.Store
	segmentSize int
	logger      *slog.Logger

	mu      sync.RWMutex
	streams map[types.StreamID]*streamState
}

// NewObjectWAL creates an object-store WAL. segmentSize <= 0 selects the
// default of 10 000 entries per segment.
func NewObjectWAL(store objectstore.Store, segmentSize int) *ObjectWAL {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &ObjectWAL{
		store:       store,
		segmentSize: segmentSize,
		logger:      slog.Default().With("component", "object-wal"),
		streams:     make(map[types.StreamID]*streamState),
	}
}

func (w *ObjectWAL) manifestKey(stream types.StreamID) string {
	return fmt.Sprintf("wal/%s/manifest.json", stream)
}

func (w *ObjectWAL) segmentKey(stream types.StreamID, startLSN LSN) string {
	return fmt.Sprintf("wal/%s/segments/%010d.wal", stream, uint64(startLSN))
}

func (w *ObjectWAL) loadManifest(ctx context.Context, stream types.StreamID) (StreamManifest, error) {
	data, err := w.store.Get(ctx, w.manifestKey(stream))
	if err != nil {
		if errors.IsNotFound(err) {
			// LSN numbering is 1-based across WAL backends; NextLSN holds
			// the next unassigned sequence number.
			return StreamManifest{Version: 1, NextLSN: 1}, nil
		}
		return StreamManifest{}, err
	}
	var manifest StreamManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return StreamManifest{}, errors.Wrap(errors.KindSerialization, "decode wal manifest", err)
	}
	return manifest, nil
}

func (w *ObjectWAL) persistManifest(ctx context.Context, stream types.StreamID, manifest StreamManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindSerialization, "encode wal manifest", err)
	}
	return w.store.Put(ctx, w.manifestKey(stream), data)
}

func encodeSegment(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func decodeSegment(data []byte, logger *slog.Logger) []Record {
	var records []Record
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			logger.Warn("skipping corrupt wal segment line", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (w *ObjectWAL) persistSegment(ctx context.Context, seg *activeSegment) error {
	data, err := encodeSegment(seg.records)
	if err != nil {
		return err
	}
	return w.store.Put(ctx, seg.path, data)
}

// ensureStream loads or creates the stream state. The slow path performs
// object-store I/O before taking the write lock.
func (w *ObjectWAL) ensureStream(ctx context.Context, stream types.StreamID) error {
	w.mu.RLock()
	_, ok := w.streams[stream]
	w.mu.RUnlock()
	if ok {
		return nil
	}
	_, err := w.initStream(ctx, stream)
	return err
}

// initStream rebuilds a stream's in-memory state from its manifest. The
// active (unsealed) segment starts right after the last sealed segment;
// if a previous process synced it before crashing, its records are
// reloaded so they survive the restart.
func (w *ObjectWAL) initStream(ctx context.Context, stream types.StreamID) (*streamState, error) {
	manifest, err := w.loadManifest(ctx, stream)
	if err != nil {
		return nil, err
	}

	activeStart := LSN(1)
	if n := len(manifest.Segments); n > 0 {
		activeStart = manifest.Segments[n-1].EndLSN.Next()
	}

	active := &activeSegment{
		id:       uint64(len(manifest.Segments)),
		path:     w.segmentKey(stream, activeStart),
		startLSN: activeStart,
	}
	data, err := w.store.Get(ctx, active.path)
	if err == nil {
		active.records = decodeSegment(data, w.logger)
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	state := &streamState{manifest: manifest, active: active}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.streams[stream]; ok {
		return existing, nil
	}
	w.streams[stream] = state
	return state, nil
}

// Append assigns the next LSN and pushes the record into the in-memory
// active segment. Rotation happens when the segment reaches segmentSize;
// the sealed body and the new manifest are persisted after the lock is
// released.
func (w *ObjectWAL) Append(ctx context.Context, stream types.StreamID, entry Entry) (LSN, error) {
	if err := w.ensureStream(ctx, stream); err != nil {
		return 0, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = nowUTC()
	}

	var lsn LSN
	var needsRotation bool
	w.mu.Lock()
	state := w.streams[stream]
	lsn = state.manifest.NextLSN
	state.manifest.NextLSN = state.manifest.NextLSN.Next()
	state.active.records = append(state.active.records, Record{LSN: lsn, Entry: entry})
	needsRotation = len(state.active.records) >= w.segmentSize
	w.mu.Unlock()

	if needsRotation {
		if err := w.sealAndRotate(ctx, stream); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// sealAndRotate seals the active segment, starts a fresh one, and then
// persists the sealed body and manifest without holding the lock.
func (w *ObjectWAL) sealAndRotate(ctx context.Context, stream types.StreamID) error {
	var sealedCopy *activeSegment
	var manifestCopy StreamManifest

	w.mu.Lock()
	state, ok := w.streams[stream]
	if !ok {
		w.mu.Unlock()
		return errors.Newf(errors.KindNotFound, "wal stream %s not initialized", stream)
	}
	meta := state.active.seal()
	sealedCopy = state.active.clone()
	state.manifest.Segments = append(state.manifest.Segments, meta)
	state.active = &activeSegment{
		id:       state.active.id + 1,
		path:     w.segmentKey(stream, state.manifest.NextLSN),
		startLSN: state.manifest.NextLSN,
	}
	manifestCopy = state.manifest
	manifestCopy.Segments = append([]SegmentMetadata(nil), state.manifest.Segments...)
	w.mu.Unlock()

	if err := w.persistSegment(ctx, sealedCopy); err != nil {
		return err
	}
	if err := w.persistManifest(ctx, stream, manifestCopy); err != nil {
		return err
	}
	w.logger.Info("sealed wal segment", "stream", stream.String(), "segment", meta.ID, "entries", meta.EntryCount)
	return nil
}

// Sync uploads the active segment and manifest. Sealed segments are
// immutable and never rewritten, which keeps sync O(1) in log size.
func (w *ObjectWAL) Sync(ctx context.Context, stream types.StreamID) error {
	if err := w.ensureStream(ctx, stream); err != nil {
		return err
	}

	w.mu.RLock()
	state := w.streams[stream]
	activeCopy := state.active.clone()
	manifestCopy := state.manifest
	manifestCopy.Segments = append([]SegmentMetadata(nil), state.manifest.Segments...)
	w.mu.RUnlock()

	if len(activeCopy.records) == 0 {
		return nil
	}
	if err := w.persistSegment(ctx, activeCopy); err != nil {
		return err
	}
	return w.persistManifest(ctx, stream, manifestCopy)
}

// loadAllRecords reads every persisted and in-memory record of a stream
// in ascending LSN order.
func (w *ObjectWAL) loadAllRecords(ctx context.Context, stream types.StreamID) ([]Record, error) {
	if err := w.ensureStream(ctx, stream); err != nil {
		return nil, err
	}

	w.mu.RLock()
	state := w.streams[stream]
	segments := append([]SegmentMetadata(nil), state.manifest.Segments...)
	activeCopy := state.active.clone()
	w.mu.RUnlock()

	var records []Record
	for _, seg := range segments {
		data, err := w.store.Get(ctx, seg.Path)
		if err != nil {
			if errors.IsNotFound(err) {
				w.logger.Warn("wal segment missing", "stream", stream.String(), "path", seg.Path)
				continue
			}
			return nil, err
		}
		records = append(records, decodeSegment(data, w.logger)...)
	}
	records = append(records, activeCopy.records...)

	sort.Slice(records, func(i, j int) bool { return records[i].LSN < records[j].LSN })
	return records, nil
}

// Replay returns every record with LSN >= from in ascending order.
func (w *ObjectWAL) Replay(ctx context.Context, stream types.StreamID, from LSN) ([]Record, error) {
	all, err := w.loadAllRecords(ctx, stream)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, rec := range all {
		if rec.LSN >= from {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ReplayStats summarizes a replay without materializing the records for
// the caller.
func (w *ObjectWAL) ReplayStats(ctx context.Context, stream types.StreamID, from LSN) (ReplayStats, error) {
	records, err := w.Replay(ctx, stream, from)
	if err != nil {
		return ReplayStats{}, err
	}
	stats := ReplayStats{Records: uint64(len(records))}
	for _, rec := range records {
		if data, err := EncodeRecord(rec); err == nil {
			stats.Bytes += uint64(len(data))
		}
	}
	return stats, nil
}

// NextBatch returns encoded records after since, bounded by maxBytes.
// At least one record is returned when any remain.
func (w *ObjectWAL) NextBatch(ctx context.Context, stream types.StreamID, maxBytes int, since LSN) ([][]byte, error) {
	records, err := w.Replay(ctx, stream, since.Next())
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

// Recover scans wal/ for stream manifests and rebuilds LSN counters.
func (w *ObjectWAL) Recover(ctx context.Context) (RecoveryStats, error) {
	stats := RecoveryStats{LastLSNPerStream: make(map[types.StreamID]LSN)}

	metas, err := w.store.List(ctx, "wal/")
	if err != nil {
		return stats, err
	}
	for _, meta := range metas {
		if !strings.HasSuffix(meta.Key, "/manifest.json") {
			continue
		}
		parts := strings.Split(meta.Key, "/")
		if len(parts) != 3 {
			continue
		}
		stream, err := uuid.Parse(parts[1])
		if err != nil {
			continue
		}
		last, ok, err := w.RecoverStream(ctx, stream)
		if err != nil {
			return stats, err
		}
		if ok {
			stats.StreamsRecovered++
			stats.LastLSNPerStream[stream] = last
			stats.TotalEntries += uint64(last)
		}
	}

	w.logger.Info("wal recovery complete", "streams", stats.StreamsRecovered)
	return stats, nil
}

// RecoverStream restores one stream's state from its manifest and
// returns its last assigned LSN. The bool result is false for streams
// with no persisted entries.
func (w *ObjectWAL) RecoverStream(ctx context.Context, stream types.StreamID) (LSN, bool, error) {
	state, err := w.initStream(ctx, stream)
	if err != nil {
		return 0, false, err
	}
	if state.manifest.NextLSN <= 1 && len(state.manifest.Segments) == 0 && len(state.active.records) == 0 {
		return 0, false, nil
	}
	return state.manifest.NextLSN - 1, true, nil
}

// CurrentLSN returns the last assigned LSN for a stream, or zero when
// nothing has been appended.
func (w *ObjectWAL) CurrentLSN(stream types.StreamID) LSN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	state, ok := w.streams[stream]
	if !ok || state.manifest.NextLSN <= 1 {
		return 0
	}
	return state.manifest.NextLSN - 1
}
