// Package engine exposes the single-node vector store contract consumed
// by the surrounding service layer: collection lifecycle, insert, get,
// delete, filtered queries, compaction, metrics, and shutdown. It wires
// the tiering backend, the index providers, the metadata store, and the
// segment persistence path together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/internal/backend"
	"github.com/strata-db/strata/internal/index"
	"github.com/strata-db/strata/internal/metadata"
	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/internal/segment"
	"github.com/strata-db/strata/internal/wal"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// Options configure a new engine.
type Options struct {
	// Store holds manifests, descriptors, segments, and snapshots.
	Store objectstore.Store

	// Provider builds collection indexes. Defaults to the native
	// provider, whose upsert semantics keep WAL replay idempotent.
	Provider index.Provider

	// DataDir is the root for per-collection WAL directories and local
	// snapshot space.
	DataDir string

	// Backend is the template configuration applied to each collection
	// backend; per-collection fields (collection id, wal path) are
	// filled in by the engine.
	Backend backend.Config
}

// collectionState is one live collection.
type collectionState struct {
	descriptor types.CollectionDescriptor
	index      index.Index
	backend    *backend.Backend

	// manifestMu serializes manifest read-modify-write cycles; the
	// object store has no compare-and-swap, so the engine is the single
	// writer per collection.
	manifestMu   sync.Mutex
	lastFlushLSN wal.LSN

	// keyToDoc maps primary keys onto backend document ids.
	keyMu    sync.RWMutex
	keyToDoc map[string]types.DocumentID
}

// Engine is the single-node vector store core.
type Engine struct {
	opts   Options
	store  objectstore.Store
	meta   *metadata.Store
	logger *slog.Logger

	mu          sync.RWMutex
	collections map[string]*collectionState
}

// New creates an engine over the given object store.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.KindValidation, "object store is required")
	}
	if opts.Provider == nil {
		opts.Provider = index.NewNativeProvider()
	}
	if opts.DataDir == "" {
		return nil, errors.New(errors.KindValidation, "data directory is required")
	}
	return &Engine{
		opts:        opts,
		store:       opts.Store,
		meta:        metadata.NewStore(),
		logger:      slog.Default().With("component", "engine"),
		collections: make(map[string]*collectionState),
	}, nil
}

// MetadataStore exposes the posting store, mainly for bootstrap wiring.
func (e *Engine) MetadataStore() *metadata.Store {
	return e.meta
}

func manifestKey(name string) string {
	return fmt.Sprintf("collections/%s/manifest.json", name)
}

func descriptorKey(name string) string {
	return fmt.Sprintf("collections/%s/descriptor.json", name)
}

func segmentKey(name string, id types.SegmentID) string {
	return fmt.Sprintf("collections/%s/segments/%s.seg", name, id)
}

// CreateCollection validates the descriptor, persists it with an empty
// manifest, and starts the collection's backend and index.
func (e *Engine) CreateCollection(ctx context.Context, descriptor types.CollectionDescriptor) error {
	if err := descriptor.Validate(); err != nil {
		return err
	}
	if descriptor.CollectionID == (types.CollectionID{}) {
		descriptor.CollectionID = types.NewID()
	}
	if descriptor.WalStreamID == (types.StreamID{}) {
		descriptor.WalStreamID = types.NewID()
	}
	if descriptor.CreatedAt.IsZero() {
		descriptor.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[descriptor.Name]; ok {
		return errors.Newf(errors.KindAlreadyExists, "collection %q already exists", descriptor.Name)
	}

	exists, err := e.store.Exists(ctx, descriptorKey(descriptor.Name))
	if err != nil {
		return err
	}
	if exists {
		return errors.Newf(errors.KindAlreadyExists, "collection %q already exists in storage", descriptor.Name)
	}

	state, err := e.openCollection(ctx, descriptor, nil)
	if err != nil {
		return err
	}

	descData, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		state.backend.Shutdown(ctx)
		return errors.Wrap(errors.KindSerialization, "encode descriptor", err)
	}
	if err := e.store.Put(ctx, descriptorKey(descriptor.Name), descData); err != nil {
		state.backend.Shutdown(ctx)
		return err
	}
	manifest := types.NewCollectionManifest(descriptor.Name, descriptor.VectorDim, descriptor.Metric)
	if err := e.writeManifest(ctx, descriptor.Name, manifest); err != nil {
		state.backend.Shutdown(ctx)
		return err
	}

	e.collections[descriptor.Name] = state
	e.logger.Info("collection created", "collection", descriptor.Name, "dimension", descriptor.VectorDim)
	return nil
}

// openCollection builds the index and backend for a descriptor. When
// loaded is non-nil the index is adopted from bootstrap instead of
// built empty.
func (e *Engine) openCollection(ctx context.Context, descriptor types.CollectionDescriptor, loaded index.Index) (*collectionState, error) {
	idx := loaded
	if idx == nil {
		var err error
		idx, err = e.opts.Provider.Build(index.BuildRequest{
			Collection: descriptor.Name,
			Kind:       e.opts.Provider.Kind(),
			Distance:   descriptor.Metric,
			Dimension:  descriptor.VectorDim,
		})
		if err != nil {
			return nil, err
		}
	}

	cfg := e.opts.Backend
	cfg.CollectionID = descriptor.CollectionID
	if cfg.CollectionID == (types.CollectionID{}) {
		cfg.CollectionID = types.NewID()
	}
	cfg.WALPath = filepath.Join(e.opts.DataDir, "wal", descriptor.Name)
	if cfg.TieringPolicy == "" {
		cfg.TieringPolicy = backend.TieringMemory
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = filepath.Join(e.opts.DataDir, "snapshots", descriptor.Name)
	}
	if cfg.DLQ.PersistencePath == "" {
		cfg.DLQ.PersistencePath = filepath.Join(e.opts.DataDir, "dlq", descriptor.Name+".json")
	}

	var store objectstore.Store
	if cfg.TieringPolicy.RequiresS3() {
		store = e.store
	}
	be, err := backend.NewWithStore(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	state := &collectionState{
		descriptor: descriptor,
		index:      idx,
		backend:    be,
		keyToDoc:   make(map[string]types.DocumentID),
	}

	// Rebuild the primary-key map from recovered backend state.
	for _, doc := range be.AllVectors() {
		state.keyToDoc[primaryKey(&doc)] = doc.DocID
		if loaded == nil {
			batch := index.Batch{
				PrimaryKeys: []string{primaryKey(&doc)},
				Vectors:     [][]float32{doc.Vector},
				Payloads:    []map[string]any{doc.Payload},
			}
			if err := idx.AddBatch(ctx, batch); err != nil {
				return nil, err
			}
			if doc.Payload != nil {
				e.meta.IndexMetadata(descriptor.Name, primaryKey(&doc), doc.Payload)
			}
		}
	}
	return state, nil
}

// AdoptCollection registers a bootstrap-loaded collection with the
// engine.
func (e *Engine) AdoptCollection(ctx context.Context, descriptor types.CollectionDescriptor, idx index.Index) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[descriptor.Name]; ok {
		return errors.Newf(errors.KindAlreadyExists, "collection %q already registered", descriptor.Name)
	}
	state, err := e.openCollection(ctx, descriptor, idx)
	if err != nil {
		return err
	}
	e.collections[descriptor.Name] = state
	return nil
}

// DropCollection removes a collection from the engine and deletes its
// durable artifacts.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	e.mu.Lock()
	state, ok := e.collections[name]
	delete(e.collections, name)
	e.mu.Unlock()
	if !ok {
		return errors.Newf(errors.KindNotFound, "collection %q not found", name)
	}

	if err := state.backend.Shutdown(ctx); err != nil {
		e.logger.Warn("backend shutdown during drop failed", "collection", name, "error", err)
	}
	e.meta.DropCollection(name)

	objects, err := e.store.List(ctx, fmt.Sprintf("collections/%s/", name))
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := e.store.Delete(ctx, obj.Key); err != nil {
			e.logger.Warn("failed to delete collection object", "key", obj.Key, "error", err)
		}
	}
	return nil
}

func (e *Engine) collection(name string) (*collectionState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.collections[name]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "collection %q not found", name)
	}
	return state, nil
}

// primaryKey is the document's index key: the external id when present,
// the document id otherwise.
func primaryKey(doc *types.VectorDocument) string {
	if doc.ExternalID != "" {
		return doc.ExternalID
	}
	return doc.DocID.String()
}

// Insert validates and stores a document, updating the WAL-backed
// tiering backend, the ANN index, and the metadata postings.
func (e *Engine) Insert(ctx context.Context, collection string, doc types.VectorDocument) error {
	state, err := e.collection(collection)
	if err != nil {
		return err
	}
	if err := doc.Validate(state.descriptor.VectorDim, state.descriptor.Metric); err != nil {
		return err
	}
	if doc.DocID == (types.DocumentID{}) {
		doc.DocID = types.NewID()
	}
	if doc.InsertedAt.IsZero() {
		doc.InsertedAt = time.Now().UTC()
	}

	if err := state.backend.InsertWithAutoCompact(ctx, doc); err != nil {
		return err
	}

	key := primaryKey(&doc)
	batch := index.Batch{
		PrimaryKeys: []string{key},
		Vectors:     [][]float32{doc.Vector},
		Payloads:    []map[string]any{doc.Payload},
	}
	if err := state.index.AddBatch(ctx, batch); err != nil {
		return err
	}
	if doc.Payload != nil {
		e.meta.IndexMetadata(collection, key, doc.Payload)
	}

	state.keyMu.Lock()
	state.keyToDoc[key] = doc.DocID
	state.keyMu.Unlock()
	return nil
}

// Get returns a document by id.
func (e *Engine) Get(ctx context.Context, collection string, docID types.DocumentID) (types.VectorDocument, bool, error) {
	state, err := e.collection(collection)
	if err != nil {
		return types.VectorDocument{}, false, err
	}
	return state.backend.Get(ctx, docID)
}

// Delete removes a document by id from the backend, the index, and the
// metadata postings.
func (e *Engine) Delete(ctx context.Context, collection string, docID types.DocumentID) error {
	state, err := e.collection(collection)
	if err != nil {
		return err
	}

	doc, ok, err := state.backend.Get(ctx, docID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.KindNotFound, "document %s not found", docID)
	}

	if err := state.backend.Delete(ctx, docID); err != nil {
		return err
	}

	key := primaryKey(&doc)
	if err := state.index.Remove(ctx, []string{key}); err != nil {
		e.logger.Warn("index removal failed", "collection", collection, "key", key, "error", err)
	}
	e.meta.RemoveMetadata(collection, key)

	state.keyMu.Lock()
	delete(state.keyToDoc, key)
	state.keyMu.Unlock()
	return nil
}

// QueryResult is one scored match with its document id resolved.
type QueryResult struct {
	PrimaryKey string           `json:"primary_key"`
	DocID      types.DocumentID `json:"doc_id"`
	Score      float32          `json:"score"`
	Payload    map[string]any   `json:"payload,omitempty"`
}

// Query runs an ANN search with optional metadata filtering. An empty
// filter resolution short-circuits: no results, and the index is never
// invoked.
func (e *Engine) Query(ctx context.Context, collection string, vector []float32, topK int, filter *metadata.Filter) ([]QueryResult, error) {
	state, err := e.collection(collection)
	if err != nil {
		return nil, err
	}

	opts := index.SearchOptions{TopK: topK}
	if filter != nil {
		allow, err := e.meta.ResolveFilter(collection, filter)
		if err != nil {
			return nil, err
		}
		if len(allow) == 0 {
			return nil, nil
		}
		opts.Filter = allow
	}

	points, err := state.index.Search(ctx, vector, opts)
	if err != nil {
		return nil, err
	}

	state.keyMu.RLock()
	defer state.keyMu.RUnlock()
	out := make([]QueryResult, 0, len(points))
	for _, p := range points {
		out = append(out, QueryResult{
			PrimaryKey: p.PrimaryKey,
			DocID:      state.keyToDoc[p.PrimaryKey],
			Score:      p.Score,
			Payload:    p.Payload,
		})
	}
	return out, nil
}

// Count returns the number of documents in a collection.
func (e *Engine) Count(collection string) (int, error) {
	state, err := e.collection(collection)
	if err != nil {
		return 0, err
	}
	return state.backend.Count(), nil
}

// Compact runs a synchronous compaction of the collection's backend.
func (e *Engine) Compact(ctx context.Context, collection string) error {
	state, err := e.collection(collection)
	if err != nil {
		return err
	}
	return state.backend.Compact(ctx)
}

// Metrics returns the backend metrics snapshot for a collection.
func (e *Engine) Metrics(collection string) (backend.Metrics, error) {
	state, err := e.collection(collection)
	if err != nil {
		return backend.Metrics{}, err
	}
	return state.backend.Metrics(), nil
}

// FlushSegment persists the collection's current index contents as a
// SEGv1 segment and records it in the manifest.
func (e *Engine) FlushSegment(ctx context.Context, collection string) (types.SegmentID, error) {
	state, err := e.collection(collection)
	if err != nil {
		return types.SegmentID{}, err
	}

	vectors, payloads, err := state.index.ExtractForPersistence()
	if err != nil {
		return types.SegmentID{}, err
	}
	if len(vectors) == 0 {
		return types.SegmentID{}, errors.New(errors.KindValidation, "cannot flush empty collection")
	}

	data, err := segment.NewData(state.descriptor.VectorDim, vectors)
	if err != nil {
		return types.SegmentID{}, err
	}
	data.Payloads = payloads
	encoded, err := segment.NewWriter(segment.CompressionZstd, segment.ChecksumXXH3).Write(data)
	if err != nil {
		return types.SegmentID{}, err
	}

	segID := types.NewID()
	if err := e.store.Put(ctx, segmentKey(collection, segID), encoded); err != nil {
		return types.SegmentID{}, err
	}

	// The segment covers every WAL record since the previous flush;
	// consecutive flushes therefore never overlap.
	state.manifestMu.Lock()
	start := uint64(state.lastFlushLSN) + 1
	end := uint64(state.backend.CurrentLSN())
	if end < start {
		end = start
	}
	state.lastFlushLSN = wal.LSN(end)
	state.manifestMu.Unlock()

	desc := types.SegmentDescriptor{
		SegmentID:        segID,
		Collection:       collection,
		VectorDim:        state.descriptor.VectorDim,
		RecordCount:      uint64(len(vectors)),
		State:            types.SegmentSealed,
		LSNRange:         types.LSNRange{Start: start, End: end},
		CompressionLevel: 3,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.updateManifest(ctx, collection, state, func(m *types.CollectionManifest) error {
		return m.AddSegment(desc)
	}); err != nil {
		return types.SegmentID{}, err
	}
	return segID, nil
}

// updateManifest performs the read-modify-write cycle under the
// per-collection manifest lock: load, mutate, bump, write. The single
// writer per collection stands in for object-store CAS; plain
// last-writer-wins without it loses segments.
func (e *Engine) updateManifest(ctx context.Context, collection string, state *collectionState, mutate func(*types.CollectionManifest) error) error {
	state.manifestMu.Lock()
	defer state.manifestMu.Unlock()

	manifest, err := e.loadManifest(ctx, collection)
	if err != nil {
		return err
	}
	if err := mutate(manifest); err != nil {
		return err
	}
	return e.writeManifest(ctx, collection, manifest)
}

func (e *Engine) loadManifest(ctx context.Context, collection string) (*types.CollectionManifest, error) {
	data, err := e.store.Get(ctx, manifestKey(collection))
	if err != nil {
		return nil, err
	}
	var manifest types.CollectionManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "decode manifest", err)
	}
	return &manifest, nil
}

func (e *Engine) writeManifest(ctx context.Context, collection string, manifest *types.CollectionManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindSerialization, "encode manifest", err)
	}
	return e.store.Put(ctx, manifestKey(collection), data)
}

// Collections returns the names of all registered collections.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

// Descriptor returns a collection's descriptor.
func (e *Engine) Descriptor(name string) (types.CollectionDescriptor, error) {
	state, err := e.collection(name)
	if err != nil {
		return types.CollectionDescriptor{}, err
	}
	return state.descriptor, nil
}

// Shutdown stops every collection backend.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for name, state := range e.collections {
		if err := state.backend.Shutdown(ctx); err != nil {
			e.logger.Error("backend shutdown failed", "collection", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
