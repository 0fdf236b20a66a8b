package index

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// BruteForceProvider builds exact indexes that compute the metric
// against every stored vector. Always correct; linear in collection
// size.
type BruteForceProvider struct{}

// NewBruteForceProvider creates the exact provider.
func NewBruteForceProvider() *BruteForceProvider {
	return &BruteForceProvider{}
}

// Kind returns KindBruteForce.
func (p *BruteForceProvider) Kind() Kind { return KindBruteForce }

// Build creates an empty exact index.
func (p *BruteForceProvider) Build(req BuildRequest) (Index, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &bruteForceIndex{
		collection: req.Collection,
		dimension:  req.Dimension,
		metric:     req.Distance,
		byKey:      make(map[string]int),
	}, nil
}

// bruteForceState is the serialized form of a brute-force index.
type bruteForceState struct {
	Collection string               `json:"collection"`
	Dimension  int                  `json:"dimension"`
	Metric     types.DistanceMetric `json:"metric"`
	Keys       []string             `json:"keys"`
	Vectors    [][]float32          `json:"vectors"`
	Payloads   []map[string]any     `json:"payloads"`
}

// Deserialize materializes an index from Serialize output.
func (p *BruteForceProvider) Deserialize(data []byte) (Index, error) {
	var state bruteForceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "decode brute-force index", err)
	}
	idx := &bruteForceIndex{
		collection: state.Collection,
		dimension:  state.Dimension,
		metric:     state.Metric,
		keys:       state.Keys,
		vectors:    state.Vectors,
		payloads:   state.Payloads,
		byKey:      make(map[string]int, len(state.Keys)),
	}
	for i, key := range state.Keys {
		idx.byKey[key] = i
	}
	return idx, nil
}

// bruteForceIndex stores vectors contiguously and scans them per query.
// Deletion compacts the arrays in place.
type bruteForceIndex struct {
	collection string
	dimension  int
	metric     types.DistanceMetric

	mu       sync.RWMutex
	keys     []string
	vectors  [][]float32
	payloads []map[string]any
	byKey    map[string]int
}

func (idx *bruteForceIndex) Kind() Kind { return KindBruteForce }

// AddBatch upserts the batch: existing primary keys are overwritten.
func (idx *bruteForceIndex) AddBatch(_ context.Context, batch Batch) error {
	if err := batch.validate(idx.dimension, idx.metric); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, key := range batch.PrimaryKeys {
		if pos, ok := idx.byKey[key]; ok {
			idx.vectors[pos] = batch.Vectors[i]
			idx.payloads[pos] = batch.payloadAt(i)
			continue
		}
		idx.byKey[key] = len(idx.keys)
		idx.keys = append(idx.keys, key)
		idx.vectors = append(idx.vectors, batch.Vectors[i])
		idx.payloads = append(idx.payloads, batch.payloadAt(i))
	}
	return nil
}

// Remove deletes the given keys by index compaction. Unknown keys are
// ignored.
func (idx *bruteForceIndex) Remove(_ context.Context, primaryKeys []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, key := range primaryKeys {
		pos, ok := idx.byKey[key]
		if !ok {
			continue
		}
		last := len(idx.keys) - 1
		if pos != last {
			idx.keys[pos] = idx.keys[last]
			idx.vectors[pos] = idx.vectors[last]
			idx.payloads[pos] = idx.payloads[last]
			idx.byKey[idx.keys[pos]] = pos
		}
		idx.keys = idx.keys[:last]
		idx.vectors = idx.vectors[:last]
		idx.payloads = idx.payloads[:last]
		delete(idx.byKey, key)
	}
	return nil
}

// Search computes the metric against every stored vector, honoring the
// optional allow-list, and returns the top-k best-first. Deterministic.
func (idx *bruteForceIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredPoint, error) {
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

	points := make([]ScoredPoint, 0, len(idx.keys))
	for i, key := range idx.keys {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindTimeout, "search timed out", ctx.Err())
		}
		if opts.Filter != nil && !opts.Filter.Contains(key) {
			continue
		}
		points = append(points, ScoredPoint{
			PrimaryKey: key,
			Score:      score(idx.metric, query, idx.vectors[i]),
			Payload:    idx.payloads[i],
		})
	}

	sortPoints(idx.metric, points)
	if len(points) > opts.TopK {
		points = points[:opts.TopK]
	}
	return points, nil
}

// Serialize writes the full index state as JSON.
func (idx *bruteForceIndex) Serialize() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	state := bruteForceState{
		Collection: idx.collection,
		Dimension:  idx.dimension,
		Metric:     idx.metric,
		Keys:       idx.keys,
		Vectors:    idx.vectors,
		Payloads:   idx.payloads,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "encode brute-force index", err)
	}
	return data, nil
}

// ExtractForPersistence returns copies of the stored vectors and
// payloads in storage order: insertion order, except that Remove moves
// the last entry into each removed slot.
func (idx *bruteForceIndex) ExtractForPersistence() ([][]float32, []map[string]any, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	vectors := make([][]float32, len(idx.vectors))
	copy(vectors, idx.vectors)
	payloads := make([]map[string]any, len(idx.payloads))
	copy(payloads, idx.payloads)
	return vectors, payloads, nil
}

// Count returns the number of stored points.
func (idx *bruteForceIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}

var (
	_ Provider = (*BruteForceProvider)(nil)
	_ Index    = (*bruteForceIndex)(nil)
)
