package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/pkg/types"
)

func newTestFileWAL(t *testing.T, config FileWALConfig) (*FileWAL, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewFileWAL(dir, config)
	require.NoError(t, err)
	return w, dir
}

func upsertEntry(collection types.CollectionID, key string, vector []float32) Entry {
	return Entry{
		Type:         EntryUpsert,
		CollectionID: collection,
		DocID:        types.NewID(),
		PrimaryKey:   key,
		Vector:       vector,
		Timestamp:    nowUTC(),
	}
}

func TestFileWALAppendAssignsMonotonicLSNs(t *testing.T) {
	w, _ := newTestFileWAL(t, DefaultFileWALConfig())
	defer w.Close()
	ctx := context.Background()
	collection := types.NewID()

	var last LSN
	for i := 0; i < 5; i++ {
		lsn, err := w.Append(ctx, upsertEntry(collection, "k", []float32{float32(i)}))
		require.NoError(t, err)
		assert.Greater(t, lsn, last)
		last = lsn
	}
	assert.Equal(t, LSN(5), w.CurrentLSN())
}

func TestFileWALReplayReturnsAscendingOrder(t *testing.T) {
	w, _ := newTestFileWAL(t, DefaultFileWALConfig())
	defer w.Close()
	ctx := context.Background()
	collection := types.NewID()

	appended := make([]LSN, 0, 10)
	for i := 0; i < 10; i++ {
		lsn, err := w.Append(ctx, upsertEntry(collection, "k", []float32{float32(i)}))
		require.NoError(t, err)
		appended = append(appended, lsn)
	}

	records, err := w.Replay(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, appended[i], rec.LSN)
		assert.Equal(t, []float32{float32(i)}, rec.Entry.Vector)
	}
}

func TestFileWALAppendBatchConsecutiveLSNs(t *testing.T) {
	w, _ := newTestFileWAL(t, DefaultFileWALConfig())
	defer w.Close()
	ctx := context.Background()
	collection := types.NewID()

	entries := []Entry{
		{Type: EntryCreateCollection, CollectionID: collection, Dimension: 128, Timestamp: nowUTC()},
		upsertEntry(collection, "a", []float32{1}),
		upsertEntry(collection, "b", []float32{2}),
	}
	lsns, err := w.AppendBatch(ctx, entries)
	require.NoError(t, err)
	require.Len(t, lsns, 3)
	assert.Equal(t, []LSN{1, 2, 3}, lsns)
}

func TestFileWALCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	collection := types.NewID()

	w1, err := NewFileWAL(dir, DefaultFileWALConfig())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := w1.Append(ctx, upsertEntry(collection, "k", []float32{float32(i)}))
		require.NoError(t, err)
	}
	require.NoError(t, w1.Close())

	w2, err := NewFileWAL(dir, DefaultFileWALConfig())
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, LSN(10), w2.CurrentLSN())

	records, err := w2.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 10)

	// LSNs continue after the crash, never reused.
	lsn, err := w2.Append(ctx, upsertEntry(collection, "k", []float32{1}))
	require.NoError(t, err)
	assert.Equal(t, LSN(11), lsn)
}

func TestFileWALRotationNamesFileByNextLSN(t *testing.T) {
	config := DefaultFileWALConfig()
	config.MaxFileSizeBytes = 1 // rotate after every append
	w, dir := newTestFileWAL(t, config)
	defer w.Close()
	ctx := context.Background()
	collection := types.NewID()

	_, err := w.Append(ctx, upsertEntry(collection, "a", []float32{1}))
	require.NoError(t, err)
	rotationPoint := w.CurrentLSN()

	// The new active file must be named by the next LSN, so that replay
	// from rotationPoint+1 still finds everything written after rotation.
	expected := filepath.Join(dir, fileName(rotationPoint.Next()))
	_, statErr := os.Stat(expected)
	assert.NoError(t, statErr)

	_, err = w.Append(ctx, upsertEntry(collection, "b", []float32{2}))
	require.NoError(t, err)
	_, err = w.Append(ctx, upsertEntry(collection, "c", []float32{3}))
	require.NoError(t, err)

	records, err := w.Replay(ctx, rotationPoint.Next())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].Entry.PrimaryKey)
	assert.Equal(t, "c", records[1].Entry.PrimaryKey)
}

func TestFileWALCheckpointCleansOldFiles(t *testing.T) {
	config := DefaultFileWALConfig()
	config.MaxFileSizeBytes = 1
	config.RetentionCount = 2
	w, dir := newTestFileWAL(t, config)
	defer w.Close()
	ctx := context.Background()
	collection := types.NewID()

	for i := 0; i < 20; i++ {
		_, err := w.Append(ctx, upsertEntry(collection, "k", []float32{float32(i)}))
		require.NoError(t, err)
	}

	require.NoError(t, w.Checkpoint(ctx, w.CurrentLSN()))
	assert.Equal(t, w.CurrentLSN(), w.CheckpointLSN())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// Retention keeps only the most recent pre-checkpoint files plus the
	// post-checkpoint and active ones.
	assert.LessOrEqual(t, len(entries), 6)
	assert.Greater(t, 20, len(entries))
}

func TestFileWALToleratesCorruptTrailingLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	collection := types.NewID()

	w1, err := NewFileWAL(dir, DefaultFileWALConfig())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w1.Append(ctx, upsertEntry(collection, "k", []float32{float32(i)}))
		require.NoError(t, err)
	}
	require.NoError(t, w1.Close())

	// Simulate a torn write at the tail of the active file.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	path := filepath.Join(dir, files[0].Name())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"lsn":4,"entry":{"type":"upsert","trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := NewFileWAL(dir, DefaultFileWALConfig())
	require.NoError(t, err)
	defer w2.Close()

	records, err := w2.Replay(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, LSN(3), w2.CurrentLSN())
}

func TestFileWALNextBatchBounded(t *testing.T) {
	w, _ := newTestFileWAL(t, DefaultFileWALConfig())
	defer w.Close()
	ctx := context.Background()
	collection := types.NewID()

	for i := 0; i < 10; i++ {
		vec := make([]float32, 100)
		_, err := w.Append(ctx, upsertEntry(collection, "k", vec))
		require.NoError(t, err)
	}

	batch, err := w.NextBatch(ctx, 1024, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, batch)
	assert.Less(t, len(batch), 10)

	// Draining via successive batches reaches the end.
	var since LSN
	seen := 0
	for {
		batch, err := w.NextBatch(ctx, 1024, since)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			rec, err := DecodeRecord(raw)
			require.NoError(t, err)
			assert.Greater(t, rec.LSN, since)
			since = rec.LSN
			seen++
		}
	}
	assert.Equal(t, 10, seen)
}
