package index

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// NativeProvider builds the segment-catalog index: points live in a
// catalog of append-ordered segments, search fans out over all segments
// exactly and merges by metric direction. Duplicate primary keys
// overwrite in place, which keeps WAL replay idempotent.
type NativeProvider struct{}

// NewNativeProvider creates the native provider.
func NewNativeProvider() *NativeProvider {
	return &NativeProvider{}
}

// Kind returns KindNative.
func (p *NativeProvider) Kind() Kind { return KindNative }

// Build creates an empty native index.
func (p *NativeProvider) Build(req BuildRequest) (Index, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &nativeIndex{
		collection: req.Collection,
		dimension:  req.Dimension,
		metric:     req.Distance,
		byKey:      make(map[string]nativePos),
	}, nil
}

// nativeSegment is one append-ordered slice of the catalog.
type nativeSegment struct {
	SegmentID types.SegmentID  `json:"segment_id"`
	Keys      []string         `json:"keys"`
	Vectors   [][]float32      `json:"vectors"`
	Payloads  []map[string]any `json:"payloads"`
	CreatedAt time.Time        `json:"created_at"`
}

type nativePos struct {
	segment int
	offset  int
}

type nativeState struct {
	Collection string               `json:"collection"`
	Dimension  int                  `json:"dimension"`
	Metric     types.DistanceMetric `json:"metric"`
	Segments   []*nativeSegment     `json:"segments"`
}

// Deserialize materializes a native index from Serialize output. The
// returned handle refers to freshly materialized in-memory state.
func (p *NativeProvider) Deserialize(data []byte) (Index, error) {
	var state nativeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "decode native index", err)
	}
	idx := &nativeIndex{
		collection: state.Collection,
		dimension:  state.Dimension,
		metric:     state.Metric,
		segments:   state.Segments,
		byKey:      make(map[string]nativePos),
	}
	for si, seg := range state.Segments {
		for oi, key := range seg.Keys {
			idx.byKey[key] = nativePos{segment: si, offset: oi}
		}
	}
	return idx, nil
}

type nativeIndex struct {
	collection string
	dimension  int
	metric     types.DistanceMetric

	mu       sync.RWMutex
	segments []*nativeSegment
	byKey    map[string]nativePos
	tombs    int
}

func (idx *nativeIndex) Kind() Kind { return KindNative }

// AddBatch upserts the batch. Keys already present are overwritten in
// their segment; new keys land in a fresh segment appended to the
// catalog.
func (idx *nativeIndex) AddBatch(_ context.Context, batch Batch) error {
	if err := batch.validate(idx.dimension, idx.metric); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var fresh *nativeSegment
	for i, key := range batch.PrimaryKeys {
		if pos, ok := idx.byKey[key]; ok {
			seg := idx.segments[pos.segment]
			seg.Vectors[pos.offset] = batch.Vectors[i]
			seg.Payloads[pos.offset] = batch.payloadAt(i)
			continue
		}
		if fresh == nil {
			fresh = &nativeSegment{SegmentID: types.NewID(), CreatedAt: time.Now().UTC()}
			idx.segments = append(idx.segments, fresh)
		}
		idx.byKey[key] = nativePos{segment: len(idx.segments) - 1, offset: len(fresh.Keys)}
		fresh.Keys = append(fresh.Keys, key)
		fresh.Vectors = append(fresh.Vectors, batch.Vectors[i])
		fresh.Payloads = append(fresh.Payloads, batch.payloadAt(i))
	}
	return nil
}

// Remove tombstones keys; segments stay append-ordered and are skipped
// at search time. Unknown keys are ignored.
func (idx *nativeIndex) Remove(_ context.Context, primaryKeys []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, key := range primaryKeys {
		pos, ok := idx.byKey[key]
		if !ok {
			continue
		}
		seg := idx.segments[pos.segment]
		seg.Keys[pos.offset] = ""
		seg.Vectors[pos.offset] = nil
		seg.Payloads[pos.offset] = nil
		delete(idx.byKey, key)
		idx.tombs++
	}
	return nil
}

// Search scans every segment exactly and merges results by metric
// direction: ascending for L2 distance, descending for Cosine
// similarity and Dot product.
func (idx *nativeIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredPoint, error) {
	if err := types.ValidateVector(query, idx.dimension, idx.metric); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		return nil, errors.New(errors.KindValidation, "top_k must be positive")
	}

	ctx, cancel := searchContext(ctx, opts)
	defer cancel()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var points []ScoredPoint
	n := 0
	for _, seg := range idx.segments {
		for i, key := range seg.Keys {
			if n%4096 == 0 && ctx.Err() != nil {
				return nil, errors.Wrap(errors.KindTimeout, "search timed out", ctx.Err())
			}
			n++
			if key == "" {
				continue
			}
			if opts.Filter != nil && !opts.Filter.Contains(key) {
				continue
			}
			points = append(points, ScoredPoint{
				PrimaryKey: key,
				Score:      score(idx.metric, query, seg.Vectors[i]),
				Payload:    seg.Payloads[i],
			})
		}
	}

	sortPoints(idx.metric, points)
	if len(points) > opts.TopK {
		points = points[:opts.TopK]
	}
	return points, nil
}

// Serialize writes the segment catalog as JSON, dropping tombstones.
func (idx *nativeIndex) Serialize() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	state := nativeState{
		Collection: idx.collection,
		Dimension:  idx.dimension,
		Metric:     idx.metric,
	}
	for _, seg := range idx.segments {
		compacted := &nativeSegment{SegmentID: seg.SegmentID, CreatedAt: seg.CreatedAt}
		for i, key := range seg.Keys {
			if key == "" {
				continue
			}
			compacted.Keys = append(compacted.Keys, key)
			compacted.Vectors = append(compacted.Vectors, seg.Vectors[i])
			compacted.Payloads = append(compacted.Payloads, seg.Payloads[i])
		}
		if len(compacted.Keys) > 0 {
			state.Segments = append(state.Segments, compacted)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "encode native index", err)
	}
	return data, nil
}

// ExtractForPersistence returns live vectors and payloads in catalog
// order.
func (idx *nativeIndex) ExtractForPersistence() ([][]float32, []map[string]any, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var vectors [][]float32
	var payloads []map[string]any
	for _, seg := range idx.segments {
		for i, key := range seg.Keys {
			if key == "" {
				continue
			}
			vectors = append(vectors, seg.Vectors[i])
			payloads = append(payloads, seg.Payloads[i])
		}
	}
	return vectors, payloads, nil
}

// Count returns the number of live points.
func (idx *nativeIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byKey)
}

var (
	_ Provider = (*NativeProvider)(nil)
	_ Index    = (*nativeIndex)(nil)
)
