package index

import (
	"context"
	"sync"

	"github.com/coder/hnsw"
	json "github.com/goccy/go-json"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// HNSWConfig configures the library-backed HNSW provider. M is fixed by
// the library; ef values tune construction and search breadth.
type HNSWConfig struct {
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// DefaultHNSWConfig returns the balanced preset.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{EfConstruction: 200, EfSearch: 50}
}

// HighRecallHNSWConfig trades build and query time for recall.
func HighRecallHNSWConfig() HNSWConfig {
	return HNSWConfig{EfConstruction: 400, EfSearch: 100}
}

// FastHNSWConfig trades recall for speed.
func FastHNSWConfig() HNSWConfig {
	return HNSWConfig{EfConstruction: 100, EfSearch: 24}
}

// HNSWProvider builds approximate indexes over the coder/hnsw graph.
type HNSWProvider struct {
	config HNSWConfig
}

// NewHNSWProvider creates an HNSW provider with the given tuning.
func NewHNSWProvider(config HNSWConfig) *HNSWProvider {
	if config.EfConstruction <= 0 {
		config.EfConstruction = 200
	}
	if config.EfSearch <= 0 {
		config.EfSearch = 50
	}
	return &HNSWProvider{config: config}
}

// Kind returns KindHNSW.
func (p *HNSWProvider) Kind() Kind { return KindHNSW }

// Build creates an empty HNSW index. Dot is rejected at construction:
// use Cosine with pre-normalization, or brute-force.
func (p *HNSWProvider) Build(req BuildRequest) (Index, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Distance == types.MetricDot {
		return nil, errors.New(errors.KindValidation,
			"hnsw does not support the dot metric: use cosine with normalized vectors or brute-force")
	}
	return &hnswIndex{
		collection: req.Collection,
		dimension:  req.Dimension,
		metric:     req.Distance,
		config:     p.config,
		docs:       make(map[string]hnswPoint),
	}, nil
}

// hnswState is the serialized form of an HNSW index. The graph itself is
// rebuilt from the points on first search after deserialization.
type hnswState struct {
	Collection string               `json:"collection"`
	Dimension  int                  `json:"dimension"`
	Metric     types.DistanceMetric `json:"metric"`
	Config     HNSWConfig           `json:"config"`
	Keys       []string             `json:"keys"`
	Vectors    [][]float32          `json:"vectors"`
	Payloads   []map[string]any     `json:"payloads"`
}

// Deserialize materializes an index from Serialize output. The returned
// handle is dirty and rebuilds its graph lazily.
func (p *HNSWProvider) Deserialize(data []byte) (Index, error) {
	var state hnswState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "decode hnsw index", err)
	}
	idx := &hnswIndex{
		collection: state.Collection,
		dimension:  state.Dimension,
		metric:     state.Metric,
		config:     state.Config,
		docs:       make(map[string]hnswPoint, len(state.Keys)),
		dirty:      len(state.Keys) > 0,
	}
	for i, key := range state.Keys {
		var payload map[string]any
		if i < len(state.Payloads) {
			payload = state.Payloads[i]
		}
		idx.docs[key] = hnswPoint{vector: state.Vectors[i], payload: payload}
	}
	return idx, nil
}

type hnswPoint struct {
	vector  []float32
	payload map[string]any
}

// hnswIndex wraps a coder/hnsw graph. A single mutex protects the graph,
// the document map, and the dirty flag together: the dirty flag and the
// graph must always be observed as one state, so mutations set dirty and
// update the map in the same critical section, and the rebuild swaps the
// graph and clears dirty in one critical section. The lock is never held
// across I/O.
type hnswIndex struct {
	collection string
	dimension  int
	metric     types.DistanceMetric
	config     HNSWConfig

	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	docs  map[string]hnswPoint
	dirty bool
}

func (idx *hnswIndex) Kind() Kind { return KindHNSW }

// AddBatch inserts points and marks the index dirty. Duplicate primary
// keys are rejected; delete first to replace a point.
func (idx *hnswIndex) AddBatch(_ context.Context, batch Batch) error {
	if err := batch.validate(idx.dimension, idx.metric); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, key := range batch.PrimaryKeys {
		if _, ok := idx.docs[key]; ok {
			return errors.Newf(errors.KindConflict, "duplicate primary key %q", key)
		}
	}
	for i, key := range batch.PrimaryKeys {
		idx.docs[key] = hnswPoint{vector: batch.Vectors[i], payload: batch.payloadAt(i)}
	}
	idx.dirty = true
	return nil
}

// Remove deletes points and marks the index dirty. Unknown keys are
// ignored.
func (idx *hnswIndex) Remove(_ context.Context, primaryKeys []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, key := range primaryKeys {
		delete(idx.docs, key)
	}
	idx.dirty = true
	return nil
}

// ForceRebuild rebuilds the graph from the document map. Concurrent
// rebuilders converge: whoever acquires the write lock second observes
// dirty=false and returns immediately.
func (idx *hnswIndex) ForceRebuild() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.dirty {
		return nil
	}

	graph := hnsw.NewGraph[string]()
	graph.Distance = hnsw.EuclideanDistance
	graph.EfSearch = idx.config.EfConstruction

	nodes := make([]hnsw.Node[string], 0, len(idx.docs))
	for key, point := range idx.docs {
		vec := point.vector
		if idx.metric == types.MetricCosine {
			vec = normalize(vec)
		}
		nodes = append(nodes, hnsw.MakeNode(key, vec))
	}
	graph.Add(nodes...)
	graph.EfSearch = idx.config.EfSearch

	idx.graph = graph
	idx.dirty = false
	return nil
}

// Search runs a graph query, rebuilding first when the index is dirty.
// With an allow-list the search is exact over the allowed keys, since
// the graph cannot skip filtered nodes without losing recall.
func (idx *hnswIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredPoint, error) {
	if err := types.ValidateVector(query, idx.dimension, idx.metric); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		return nil, errors.New(errors.KindValidation, "top_k must be positive")
	}

	ctx, cancel := searchContext(ctx, opts)
	defer cancel()

	idx.mu.RLock()
	if idx.dirty {
		// Drop the read guard, rebuild, then re-acquire for the search.
		idx.mu.RUnlock()
		if err := idx.ForceRebuild(); err != nil {
			return nil, err
		}
		idx.mu.RLock()
	}
	defer idx.mu.RUnlock()

	if len(idx.docs) == 0 || idx.graph == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(errors.KindTimeout, "search timed out", ctx.Err())
	}

	if opts.Filter != nil {
		return idx.searchFilteredLocked(ctx, query, opts)
	}

	searchVec := query
	if idx.metric == types.MetricCosine {
		searchVec = normalize(query)
	}
	nodes := idx.graph.Search(searchVec, opts.TopK)

	points := make([]ScoredPoint, 0, len(nodes))
	for _, node := range nodes {
		point, ok := idx.docs[node.Key]
		if !ok {
			continue
		}
		points = append(points, ScoredPoint{
			PrimaryKey: node.Key,
			Score:      score(idx.metric, query, point.vector),
			Payload:    point.payload,
		})
	}
	sortPoints(idx.metric, points)
	if len(points) > opts.TopK {
		points = points[:opts.TopK]
	}
	return points, nil
}

// searchFilteredLocked scans the allowed keys exactly. Caller holds the
// read lock.
func (idx *hnswIndex) searchFilteredLocked(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredPoint, error) {
	points := make([]ScoredPoint, 0, len(opts.Filter))
	n := 0
	for key := range opts.Filter {
		if n%4096 == 0 && ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindTimeout, "search timed out", ctx.Err())
		}
		n++
		point, ok := idx.docs[key]
		if !ok {
			continue
		}
		points = append(points, ScoredPoint{
			PrimaryKey: key,
			Score:      score(idx.metric, query, point.vector),
			Payload:    point.payload,
		})
	}
	sortPoints(idx.metric, points)
	if len(points) > opts.TopK {
		points = points[:opts.TopK]
	}
	return points, nil
}

// Serialize writes the point set as JSON. The graph is not persisted;
// deserialization rebuilds it lazily.
func (idx *hnswIndex) Serialize() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	state := hnswState{
		Collection: idx.collection,
		Dimension:  idx.dimension,
		Metric:     idx.metric,
		Config:     idx.config,
	}
	for key, point := range idx.docs {
		state.Keys = append(state.Keys, key)
		state.Vectors = append(state.Vectors, point.vector)
		state.Payloads = append(state.Payloads, point.payload)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "encode hnsw index", err)
	}
	return data, nil
}

// ExtractForPersistence returns the stored vectors and payloads.
func (idx *hnswIndex) ExtractForPersistence() ([][]float32, []map[string]any, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	vectors := make([][]float32, 0, len(idx.docs))
	payloads := make([]map[string]any, 0, len(idx.docs))
	for _, point := range idx.docs {
		vectors = append(vectors, point.vector)
		payloads = append(payloads, point.payload)
	}
	return vectors, payloads, nil
}

// Count returns the number of stored points.
func (idx *hnswIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Dirty reports whether the graph lags the document map. Test hook.
func (idx *hnswIndex) Dirty() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dirty
}

var (
	_ Provider = (*HNSWProvider)(nil)
	_ Index    = (*hnswIndex)(nil)
)
