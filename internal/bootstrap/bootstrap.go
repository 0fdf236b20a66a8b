// Package bootstrap reconstructs collections from durable storage on
// server start: it discovers manifests, restores indexes from persisted
// segments, rehydrates metadata postings, and replays uncommitted WAL
// entries in LSN order.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/internal/index"
	"github.com/strata-db/strata/internal/metadata"
	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/internal/segment"
	"github.com/strata-db/strata/internal/snapshot"
	"github.com/strata-db/strata/internal/wal"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// replayBatchBytes bounds each WAL batch pulled during replay.
const replayBatchBytes = 10 * 1024 * 1024

// Collection is a fully loaded collection ready for registration.
type Collection struct {
	Descriptor types.CollectionDescriptor
	Manifest   *types.CollectionManifest
	Index      index.Index
	NextDocID  uint32
	WALStream  types.StreamID
}

// Result summarizes a bootstrap pass. Server startup succeeds as long
// as bootstrap completes, even when individual collections failed.
type Result struct {
	Collections map[string]*Collection
	Failed      int
}

// Deps are the collaborators bootstrap drives. Snapshotter is optional:
// when set, collections whose segments are missing or corrupt fall back
// to their most recent snapshot.
type Deps struct {
	Store         objectstore.Store
	Provider      index.Provider
	MetadataStore *metadata.Store
	WAL           *wal.ObjectWAL
	Snapshotter   *snapshot.Snapshotter
}

// DiscoverCollections lists collections/*/manifest.json and returns the
// collection names, sorted and deduplicated.
func DiscoverCollections(ctx context.Context, store objectstore.Store) ([]string, error) {
	objects, err := store.List(ctx, "collections/")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, obj := range objects {
		parts := strings.Split(obj.Key, "/")
		if len(parts) == 3 && parts[2] == "manifest.json" {
			seen[parts[1]] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// extractPrimaryKey takes payload.id when present (strings, numbers and
// booleans coerce to string) and otherwise falls back to the running
// global index, which keeps fallback keys unique across segments.
func extractPrimaryKey(payload map[string]any, globalIndex int) string {
	if payload != nil {
		switch id := payload["id"].(type) {
		case string:
			return id
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		case int:
			return strconv.Itoa(id)
		case int64:
			return strconv.FormatInt(id, 10)
		case bool:
			return strconv.FormatBool(id)
		}
	}
	return fmt.Sprintf("vector_%d", globalIndex)
}

// Bootstrap discovers and loads every collection. Failures in one
// collection are logged and counted but never stop the others.
func Bootstrap(ctx context.Context, deps Deps) (*Result, error) {
	logger := slog.Default().With("component", "bootstrap")

	names, err := DiscoverCollections(ctx, deps.Store)
	if err != nil {
		return nil, err
	}
	logger.Info("discovered collections", "count", len(names))

	result := &Result{Collections: make(map[string]*Collection)}
	for _, name := range names {
		coll, err := LoadCollection(ctx, name, deps)
		if err != nil {
			logger.Error("failed to load collection", "collection", name, "error", err)
			result.Failed++
			continue
		}
		result.Collections[name] = coll
	}

	logger.Info("bootstrap complete", "loaded", len(result.Collections), "failed", result.Failed)
	return result, nil
}

// LoadCollection restores one collection: manifest, descriptor, segment
// data, metadata postings, and the uncommitted WAL tail.
func LoadCollection(ctx context.Context, name string, deps Deps) (*Collection, error) {
	logger := slog.Default().With("component", "bootstrap", "collection", name)

	manifest, err := loadManifest(ctx, deps.Store, name)
	if err != nil {
		return nil, err
	}
	descriptor, err := loadDescriptor(ctx, deps.Store, name)
	if err != nil {
		return nil, err
	}

	idx, err := deps.Provider.Build(index.BuildRequest{
		Collection: name,
		Kind:       deps.Provider.Kind(),
		Distance:   descriptor.Metric,
		Dimension:  descriptor.VectorDim,
		Segments:   manifest.Segments,
	})
	if err != nil {
		return nil, err
	}

	globalIndex, failedSegments, err := loadSegments(ctx, name, manifest, idx, deps, logger)
	if err != nil {
		return nil, err
	}

	// Segments are the primary source; when any are lost, the most
	// recent snapshot fills the gap.
	if failedSegments > 0 || (globalIndex == 0 && manifest.TotalVectors > 0) {
		restored, err := restoreFromSnapshot(ctx, name, descriptor, idx, deps, globalIndex, logger)
		if err != nil {
			return nil, err
		}
		globalIndex += restored
	}

	replayed, err := replayWAL(ctx, name, descriptor, idx, deps, logger)
	if err != nil {
		return nil, err
	}
	globalIndex += replayed

	// next_doc_id covers both segment-resident and WAL-replayed
	// documents; a collection past u32 capacity fails loudly.
	docCount := globalIndex
	if manifest.TotalVectors > uint64(docCount) {
		if manifest.TotalVectors > math.MaxInt {
			return nil, errors.Newf(errors.KindValidation,
				"collection %q exceeds supported document capacity", name)
		}
		docCount = int(manifest.TotalVectors)
	}
	if docCount > math.MaxUint32 {
		return nil, errors.Newf(errors.KindValidation,
			"collection %q exceeds supported document capacity", name)
	}

	return &Collection{
		Descriptor: descriptor,
		Manifest:   manifest,
		Index:      idx,
		NextDocID:  uint32(docCount),
		WALStream:  descriptor.WalStreamID,
	}, nil
}

func loadManifest(ctx context.Context, store objectstore.Store, name string) (*types.CollectionManifest, error) {
	data, err := store.Get(ctx, fmt.Sprintf("collections/%s/manifest.json", name))
	if err != nil {
		return nil, err
	}
	var manifest types.CollectionManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "decode collection manifest", err)
	}
	return &manifest, nil
}

func loadDescriptor(ctx context.Context, store objectstore.Store, name string) (types.CollectionDescriptor, error) {
	data, err := store.Get(ctx, fmt.Sprintf("collections/%s/descriptor.json", name))
	if err != nil {
		return types.CollectionDescriptor{}, err
	}
	var descriptor types.CollectionDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return types.CollectionDescriptor{}, errors.Wrap(errors.KindSerialization, "decode collection descriptor", err)
	}
	return descriptor, nil
}

// loadSegments reads every SEGv1 segment in manifest order into the
// index and rehydrates metadata postings from segment payloads. Without
// the rehydration, filters would be blind to persisted data after a
// restart.
func loadSegments(ctx context.Context, name string, manifest *types.CollectionManifest,
	idx index.Index, deps Deps, logger *slog.Logger) (int, int, error) {

	globalIndex := 0
	failed := 0
	for _, desc := range manifest.Segments {
		key := fmt.Sprintf("collections/%s/segments/%s.seg", name, desc.SegmentID)
		data, err := deps.Store.Get(ctx, key)
		if err != nil {
			logger.Warn("failed to load segment, continuing", "segment", desc.SegmentID.String(), "error", err)
			failed++
			continue
		}
		seg, err := segment.Read(data)
		if err != nil {
			logger.Warn("corrupt segment, continuing", "segment", desc.SegmentID.String(), "error", err)
			failed++
			continue
		}

		payloads := seg.Payloads
		if payloads == nil {
			payloads = make([]map[string]any, len(seg.Vectors))
		}

		batch := index.Batch{Payloads: payloads, Vectors: seg.Vectors}
		for i := range seg.Vectors {
			batch.PrimaryKeys = append(batch.PrimaryKeys, extractPrimaryKey(payloads[i], globalIndex+i))
		}
		if err := idx.AddBatch(ctx, batch); err != nil {
			return 0, failed, err
		}

		for i, key := range batch.PrimaryKeys {
			if payloads[i] != nil {
				deps.MetadataStore.IndexMetadata(name, key, payloads[i])
			}
		}

		globalIndex += len(seg.Vectors)
		logger.Debug("loaded segment", "segment", desc.SegmentID.String(), "vectors", len(seg.Vectors))
	}
	return globalIndex, failed, nil
}

// restoreFromSnapshot recovers vectors the segment pass could not load
// from the collection's most recent snapshot. The native index's upsert
// semantics make overlap with segment-loaded points harmless.
func restoreFromSnapshot(ctx context.Context, name string, descriptor types.CollectionDescriptor,
	idx index.Index, deps Deps, globalIndex int, logger *slog.Logger) (int, error) {

	if deps.Snapshotter == nil {
		logger.Warn("segments lost and no snapshotter configured, skipping snapshot restore")
		return 0, nil
	}

	docs, ok, err := deps.Snapshotter.RestoreLatest(ctx, descriptor.CollectionID)
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Warn("segments lost and no snapshot available", "collection", name)
		return 0, nil
	}

	batch := index.Batch{}
	for i := range docs {
		doc := &docs[i]
		if err := types.ValidateVector(doc.Vector, descriptor.VectorDim, descriptor.Metric); err != nil {
			logger.Warn("skipping invalid snapshot document", "error", err)
			continue
		}
		key := doc.ExternalID
		if key == "" {
			key = extractPrimaryKey(doc.Payload, globalIndex+len(batch.PrimaryKeys))
		}
		batch.PrimaryKeys = append(batch.PrimaryKeys, key)
		batch.Vectors = append(batch.Vectors, doc.Vector)
		batch.Payloads = append(batch.Payloads, doc.Payload)
	}
	if len(batch.PrimaryKeys) == 0 {
		return 0, nil
	}
	if err := idx.AddBatch(ctx, batch); err != nil {
		return 0, err
	}
	for i, key := range batch.PrimaryKeys {
		if batch.Payloads[i] != nil {
			deps.MetadataStore.IndexMetadata(name, key, batch.Payloads[i])
		}
	}

	logger.Info("restored vectors from snapshot", "collection", name, "count", len(batch.PrimaryKeys))
	return len(batch.PrimaryKeys), nil
}

// replayWAL applies the uncommitted WAL tail in LSN order, batching up
// to 10 MiB at a time. Deletes and payload upserts flush any pending
// insert batch first so sequences like [Insert(A), Delete(A), Insert(A)]
// replay correctly. Dimension mismatches and corrupt entries are skipped
// with a warning.
func replayWAL(ctx context.Context, name string, descriptor types.CollectionDescriptor,
	idx index.Index, deps Deps, logger *slog.Logger) (int, error) {

	stream := descriptor.WalStreamID
	var since wal.LSN
	totalReplayed := 0

	var pending index.Batch
	flush := func() error {
		if len(pending.PrimaryKeys) == 0 {
			return nil
		}
		if err := idx.AddBatch(ctx, pending); err != nil {
			return err
		}
		for i, key := range pending.PrimaryKeys {
			if pending.Payloads[i] != nil {
				deps.MetadataStore.IndexMetadata(name, key, pending.Payloads[i])
			}
		}
		totalReplayed += len(pending.PrimaryKeys)
		pending = index.Batch{}
		return nil
	}

	for {
		batch, err := deps.WAL.NextBatch(ctx, stream, replayBatchBytes, since)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			break
		}

		for _, raw := range batch {
			rec, err := wal.DecodeRecord(raw)
			if err != nil {
				logger.Warn("skipping corrupt wal entry during replay", "error", err)
				continue
			}
			since = rec.LSN

			switch rec.Entry.Type {
			case wal.EntryUpsert:
				if len(rec.Entry.Vector) != descriptor.VectorDim {
					logger.Warn("skipping wal entry with dimension mismatch",
						"expected", descriptor.VectorDim, "got", len(rec.Entry.Vector),
						"key", rec.Entry.PrimaryKey)
					continue
				}
				pending.PrimaryKeys = append(pending.PrimaryKeys, rec.Entry.PrimaryKey)
				pending.Vectors = append(pending.Vectors, rec.Entry.Vector)
				pending.Payloads = append(pending.Payloads, rec.Entry.Payload)

			case wal.EntryDelete:
				if err := flush(); err != nil {
					return 0, err
				}
				if err := idx.Remove(ctx, []string{rec.Entry.PrimaryKey}); err != nil {
					logger.Warn("replay delete failed", "key", rec.Entry.PrimaryKey, "error", err)
				}
				deps.MetadataStore.RemoveMetadata(name, rec.Entry.PrimaryKey)

			case wal.EntryUpsertPayload:
				if err := flush(); err != nil {
					return 0, err
				}
				deps.MetadataStore.IndexMetadata(name, rec.Entry.PrimaryKey, rec.Entry.Payload)

			default:
				// Collection lifecycle and checkpoint records are handled
				// elsewhere.
			}
		}

		if err := flush(); err != nil {
			return 0, err
		}
	}

	if totalReplayed > 0 {
		logger.Info("replayed uncommitted wal records", "count", totalReplayed)
	}
	return totalReplayed, nil
}
