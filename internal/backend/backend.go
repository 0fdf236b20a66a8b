package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/internal/snapshot"
	"github.com/strata-db/strata/internal/wal"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// notifier is the single-producer/multi-consumer wake-up primitive used
// between the write path and the background workers. Notifications
// coalesce: a worker that is already signalled is not signalled twice.
type notifier chan struct{}

func newNotifier() notifier { return make(notifier, 1) }

func (n notifier) notify() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// uploadTask is one pending asynchronous S3 upload.
type uploadTask struct {
	collectionID types.CollectionID
	doc          types.VectorDocument
}

// retryTask is a failed upload awaiting its next attempt.
type retryTask struct {
	task        uploadTask
	attempt     uint32
	nextRetryAt time.Time
	lastError   string
}

// Backend is the per-collection storage backend. Every mutation writes
// exactly one WAL record carrying the backend's own collection id before
// touching the map, cache, or S3.
type Backend struct {
	collectionID types.CollectionID
	config       Config
	logger       *slog.Logger

	wal         *wal.FileWAL
	snapshotter *snapshot.Snapshotter
	store       objectstore.Store // nil for the Memory policy

	// In-memory vector map (Memory, MemoryS3).
	docsMu sync.RWMutex
	docs   map[types.DocumentID]types.VectorDocument

	// LRU of recently accessed documents (S3Only).
	cache *docCache

	metrics metricsState

	queueMu     sync.Mutex
	uploadQueue []uploadTask
	retryQueue  []retryTask

	uploadNotify  notifier
	retryNotify   notifier
	compactNotify notifier

	dlq     *DeadLetterQueue
	breaker *CircuitBreaker

	compactMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once
}

// New creates a backend, recovering state from the WAL, and starts the
// background workers for the configured policy.
func New(ctx context.Context, config Config) (*Backend, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var store objectstore.Store
	if config.TieringPolicy.RequiresS3() {
		s3cfg := objectstore.NewDefaultS3Config()
		s3cfg.Endpoint = config.S3Endpoint
		s3cfg.Region = config.S3Region
		s3cfg.Bucket = config.S3Bucket
		s3cfg.AccessKeyID = config.S3AccessKey
		s3cfg.SecretAccessKey = config.S3SecretKey
		s3, err := objectstore.NewS3(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		store = s3
	}
	return NewWithStore(ctx, config, store)
}

// NewWithStore creates a backend over an explicit object store. Tests
// inject the mock store here to script S3 failure sequences.
func NewWithStore(ctx context.Context, config Config, store objectstore.Store) (*Backend, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.TieringPolicy.RequiresS3() && store == nil {
		return nil, errors.Newf(errors.KindValidation,
			"object store is required for the %s policy", config.TieringPolicy)
	}

	if err := os.MkdirAll(config.WALPath, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindPermanent, "create wal directory", err)
	}

	w, err := wal.NewFileWAL(config.WALPath, wal.DefaultFileWALConfig())
	if err != nil {
		return nil, err
	}

	// Snapshots follow the object store when the policy has one, and a
	// local store rooted at snapshot_dir otherwise.
	snapStore := store
	if snapStore == nil {
		local, err := objectstore.NewLocal(config.SnapshotDir)
		if err != nil {
			return nil, err
		}
		snapStore = local
	}
	snapshotter, err := snapshot.New(snapStore, config.Compression, config.SnapshotFormat)
	if err != nil {
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		collectionID:  config.CollectionID,
		config:        config,
		logger:        slog.Default().With("component", "storage-backend", "collection_id", config.CollectionID.String()),
		wal:           w,
		snapshotter:   snapshotter,
		store:         store,
		docs:          make(map[types.DocumentID]types.VectorDocument),
		uploadNotify:  newNotifier(),
		retryNotify:   newNotifier(),
		compactNotify: newNotifier(),
		dlq:           NewDeadLetterQueue(config.DLQ),
		ctx:           workerCtx,
		cancel:        cancel,
	}

	if config.TieringPolicy == TieringS3Only {
		cache, err := newDocCache(config.CacheSize)
		if err != nil {
			cancel()
			return nil, err
		}
		b.cache = cache
	}
	if config.CircuitBreaker.Enabled {
		b.breaker = NewCircuitBreaker(config.CircuitBreaker)
	}

	if err := b.recover(ctx); err != nil {
		cancel()
		return nil, err
	}

	if config.TieringPolicy == TieringMemoryS3 {
		b.wg.Add(2)
		go b.uploaderWorker()
		go b.retryWorker()
	}
	if config.EnableBackgroundCompaction {
		b.wg.Add(1)
		go b.compactionWorker()
	}
	b.wg.Add(1)
	go b.dlqCleanupWorker()

	return b, nil
}

// CollectionID returns the collection this backend serves.
func (b *Backend) CollectionID() types.CollectionID {
	return b.collectionID
}

// Config returns the backend configuration.
func (b *Backend) Config() Config {
	return b.config
}

func (b *Backend) vectorKey(docID types.DocumentID) string {
	return fmt.Sprintf("vectors/%s/%s.json", b.collectionID, docID)
}

// estimateEntrySize approximates the WAL footprint of a document: id,
// vector bytes, payload estimate, and per-entry overhead.
func estimateEntrySize(doc *types.VectorDocument) uint64 {
	size := 16 + len(doc.Vector)*4 + 100 + len(doc.ExternalID)
	if doc.Payload != nil {
		size += 200
	}
	return uint64(size)
}

// Insert writes the document: WAL append + fsync first, then the
// policy-specific placement.
func (b *Backend) Insert(ctx context.Context, doc types.VectorDocument) error {
	entry := wal.Entry{
		Type:         wal.EntryUpsert,
		CollectionID: b.collectionID,
		DocID:        doc.DocID,
		PrimaryKey:   doc.ExternalID,
		Vector:       doc.Vector,
		ExternalID:   doc.ExternalID,
		Payload:      doc.Payload,
		Timestamp:    doc.InsertedAt,
	}
	if _, err := b.wal.Append(ctx, entry); err != nil {
		return err
	}
	if err := b.wal.Sync(ctx); err != nil {
		return err
	}

	entrySize := estimateEntrySize(&doc)

	switch b.config.TieringPolicy {
	case TieringMemory:
		b.docsMu.Lock()
		b.docs[doc.DocID] = doc
		b.docsMu.Unlock()

	case TieringMemoryS3:
		b.docsMu.Lock()
		b.docs[doc.DocID] = doc
		b.docsMu.Unlock()

		b.queueMu.Lock()
		b.uploadQueue = append(b.uploadQueue, uploadTask{collectionID: b.collectionID, doc: doc})
		b.queueMu.Unlock()
		b.uploadNotify.notify()

	case TieringS3Only:
		// S3 is the source of truth: upload synchronously, then cache.
		if b.breaker != nil && !b.breaker.ShouldAllowRequest() {
			return errors.New(errors.KindTransient, "circuit open")
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(errors.KindSerialization, "encode document", err)
		}
		err = b.store.Put(ctx, b.vectorKey(doc.DocID), data)
		if b.breaker != nil {
			b.breaker.RecordResult(err == nil)
		}
		if err != nil {
			return err
		}
		b.cache.put(doc)
		b.metrics.update(func(m *Metrics) { m.S3Uploads++ })
	}

	b.metrics.update(func(m *Metrics) {
		m.Inserts++
		m.WALSizeBytes += entrySize
	})
	return nil
}

// InsertWithAutoCompact inserts and pokes the compaction worker when a
// threshold tripped. The notify returns immediately; compaction runs in
// the background.
func (b *Backend) InsertWithAutoCompact(ctx context.Context, doc types.VectorDocument) error {
	if err := b.Insert(ctx, doc); err != nil {
		return err
	}
	if b.ShouldCompact() {
		b.compactNotify.notify()
	}
	return nil
}

// Get returns a document, or ok=false when it does not exist.
func (b *Backend) Get(ctx context.Context, docID types.DocumentID) (types.VectorDocument, bool, error) {
	b.metrics.update(func(m *Metrics) { m.Queries++ })

	switch b.config.TieringPolicy {
	case TieringMemory, TieringMemoryS3:
		b.docsMu.RLock()
		doc, ok := b.docs[docID]
		b.docsMu.RUnlock()
		return doc, ok, nil

	default: // S3Only
		if doc, ok := b.cache.get(docID); ok {
			b.metrics.update(func(m *Metrics) { m.CacheHits++ })
			return doc, true, nil
		}

		data, err := b.store.Get(ctx, b.vectorKey(docID))
		if err != nil {
			if errors.IsNotFound(err) {
				b.metrics.update(func(m *Metrics) { m.CacheMisses++ })
				return types.VectorDocument{}, false, nil
			}
			return types.VectorDocument{}, false, err
		}
		var doc types.VectorDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return types.VectorDocument{}, false, errors.Wrap(errors.KindCorruption, "decode document", err)
		}
		b.cache.put(doc)
		b.metrics.update(func(m *Metrics) {
			m.CacheMisses++
			m.S3Downloads++
		})
		return doc, true, nil
	}
}

// Delete removes a document: WAL record first. The memory policies then
// drop it from the map, and MemoryS3 follows with a best-effort S3
// delete; S3Only issues the best-effort S3 delete first and then evicts
// the cache entry.
func (b *Backend) Delete(ctx context.Context, docID types.DocumentID) error {
	entry := wal.Entry{
		Type:         wal.EntryDelete,
		CollectionID: b.collectionID,
		DocID:        docID,
		Timestamp:    time.Now().UTC(),
	}
	if _, err := b.wal.Append(ctx, entry); err != nil {
		return err
	}
	if err := b.wal.Sync(ctx); err != nil {
		return err
	}

	switch b.config.TieringPolicy {
	case TieringMemory, TieringMemoryS3:
		b.docsMu.Lock()
		delete(b.docs, docID)
		b.docsMu.Unlock()
	default:
		if err := b.store.Delete(ctx, b.vectorKey(docID)); err != nil {
			b.logger.Warn("s3 delete failed", "doc_id", docID.String(), "error", err)
		}
		b.cache.remove(docID)
	}

	if b.config.TieringPolicy == TieringMemoryS3 {
		if err := b.store.Delete(ctx, b.vectorKey(docID)); err != nil {
			b.logger.Warn("s3 delete failed", "doc_id", docID.String(), "error", err)
		}
	}

	b.metrics.update(func(m *Metrics) { m.Deletes++ })
	return nil
}

// Count returns the number of stored documents. For S3Only this is the
// cache size, since counting S3 objects would require a full listing.
func (b *Backend) Count() int {
	switch b.config.TieringPolicy {
	case TieringMemory, TieringMemoryS3:
		b.docsMu.RLock()
		defer b.docsMu.RUnlock()
		return len(b.docs)
	default:
		return b.cache.len()
	}
}

// AllVectors returns every stored document; used for recovery and index
// rebuilds. For S3Only only cached documents are returned.
func (b *Backend) AllVectors() []types.VectorDocument {
	switch b.config.TieringPolicy {
	case TieringMemory, TieringMemoryS3:
		b.docsMu.RLock()
		defer b.docsMu.RUnlock()
		out := make([]types.VectorDocument, 0, len(b.docs))
		for _, doc := range b.docs {
			out = append(out, doc)
		}
		return out
	default:
		return b.cache.values()
	}
}

// Metrics returns a snapshot with live queue and breaker gauges filled
// in.
func (b *Backend) Metrics() Metrics {
	m := b.metrics.snapshot()
	m.DLQSize = b.dlq.Size()
	b.queueMu.Lock()
	m.UploadQueueLength = len(b.uploadQueue)
	m.RetryQueueLength = len(b.retryQueue)
	b.queueMu.Unlock()
	if b.breaker != nil {
		m.CircuitBreakerState = b.breaker.State().Metric()
		m.CircuitBreakerErrorRate = b.breaker.ErrorRate()
	}
	return m
}

// CurrentLSN returns the WAL's highest assigned sequence number.
func (b *Backend) CurrentLSN() wal.LSN {
	return b.wal.CurrentLSN()
}

// ShouldCompact reports whether either compaction threshold is crossed.
func (b *Backend) ShouldCompact() bool {
	m := b.metrics.snapshot()
	return m.WALSizeBytes >= b.config.Compaction.ThresholdBytes ||
		m.Inserts >= b.config.Compaction.ThresholdOps
}

// recover replays the WAL from LSN zero, rebuilding the map or cache.
// Collection-level records and checkpoints belong to the bootstrap
// layer and are skipped here.
func (b *Backend) recover(ctx context.Context) error {
	records, err := b.wal.Replay(ctx, 0)
	if err != nil {
		return err
	}

	for _, rec := range records {
		switch rec.Entry.Type {
		case wal.EntryUpsert:
			doc := types.VectorDocument{
				DocID:      rec.Entry.DocID,
				ExternalID: rec.Entry.ExternalID,
				Vector:     rec.Entry.Vector,
				Payload:    rec.Entry.Payload,
				InsertedAt: rec.Entry.Timestamp,
			}
			if b.config.TieringPolicy == TieringS3Only {
				b.cache.put(doc)
			} else {
				b.docs[doc.DocID] = doc
			}

		case wal.EntryDelete:
			if b.config.TieringPolicy == TieringS3Only {
				b.cache.remove(rec.Entry.DocID)
			} else {
				delete(b.docs, rec.Entry.DocID)
			}
		}
	}

	b.logger.Info("wal recovery complete", "records", len(records), "documents", b.Count())
	return nil
}

// Compact snapshots the current state, checkpoints the WAL, and resets
// the compaction trigger counters. Without the reset, ShouldCompact
// would stay true forever and the worker would loop continuously.
func (b *Backend) Compact(ctx context.Context) error {
	b.compactMu.Lock()
	defer b.compactMu.Unlock()

	start := time.Now()
	docs := b.AllVectors()

	if len(docs) > 0 {
		if _, err := b.snapshotter.Create(ctx, b.collectionID, docs); err != nil {
			return err
		}
	} else {
		b.logger.Debug("skipping snapshot of empty collection")
	}

	currentLSN := b.wal.CurrentLSN()
	if _, err := b.wal.Append(ctx, wal.Entry{
		Type:          wal.EntryCheckpoint,
		CollectionID:  b.collectionID,
		CheckpointLSN: currentLSN,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := b.wal.Sync(ctx); err != nil {
		return err
	}
	if err := b.wal.Checkpoint(ctx, currentLSN); err != nil {
		return err
	}

	now := time.Now().UTC()
	b.metrics.update(func(m *Metrics) {
		m.Compactions++
		m.LastSnapshot = &now
		m.WALSizeBytes = 0
		m.Inserts = 0
	})

	b.logger.Info("compaction complete", "documents", len(docs), "elapsed", time.Since(start))
	return nil
}

// AutoCompact compacts when a threshold is crossed. Synchronous variant
// of the background trigger.
func (b *Backend) AutoCompact(ctx context.Context) error {
	if b.ShouldCompact() {
		return b.Compact(ctx)
	}
	return nil
}

// CacheStats returns S3Only cache statistics, or ok=false for other
// policies.
func (b *Backend) CacheStats() (CacheStats, bool) {
	if b.cache == nil {
		return CacheStats{}, false
	}
	m := b.metrics.snapshot()
	return CacheStats{
		Size:     b.cache.len(),
		Capacity: b.cache.capacity,
		HitRate:  m.CacheHitRate(),
		Hits:     m.CacheHits,
		Misses:   m.CacheMisses,
	}, true
}

// ClearCache empties the S3Only cache. Test hook.
func (b *Backend) ClearCache() {
	if b.cache != nil {
		b.cache.clear()
	}
}

// DeadLetterEntries returns the DLQ contents for manual inspection.
func (b *Backend) DeadLetterEntries() []DLQEntry {
	return b.dlq.Entries()
}

// ClearDeadLetterQueue drops all DLQ entries after manual intervention.
func (b *Backend) ClearDeadLetterQueue() {
	b.dlq.Clear()
}

// BreakerState returns the circuit breaker state, or ok=false when the
// breaker is disabled.
func (b *Backend) BreakerState() (BreakerState, bool) {
	if b.breaker == nil {
		return BreakerClosed, false
	}
	return b.breaker.State(), true
}

// ResetBreaker forces the circuit breaker closed. Admin operation.
func (b *Backend) ResetBreaker() {
	if b.breaker != nil {
		b.breaker.Reset()
	}
}

// Shutdown stops the workers, waits up to 30 seconds for an in-flight
// compaction, persists the DLQ, and flushes the WAL.
func (b *Backend) Shutdown(ctx context.Context) error {
	var err error
	b.shutOnce.Do(func() {
		b.logger.Info("storage backend shutting down")
		b.cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			b.logger.Warn("worker shutdown timeout")
		}

		if perr := b.dlq.Persist(); perr != nil {
			b.logger.Error("failed to persist dlq on shutdown", "error", perr)
		}
		if ferr := b.wal.Sync(ctx); ferr != nil {
			err = ferr
		}

		b.queueMu.Lock()
		pendingUploads := len(b.uploadQueue)
		pendingRetries := len(b.retryQueue)
		b.queueMu.Unlock()
		if pendingUploads > 0 {
			b.logger.Warn("shutting down with pending uploads", "count", pendingUploads)
		}
		if pendingRetries > 0 {
			b.logger.Warn("shutting down with pending retries", "count", pendingRetries)
		}
		if n := b.dlq.Size(); n > 0 {
			b.logger.Warn("shutting down with dlq entries", "count", n)
		}

		if cerr := b.wal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// dlqPath returns the resolved persistence path; used by tests.
func (b *Backend) dlqPath() string {
	return filepath.Clean(b.config.DLQ.PersistencePath)
}
