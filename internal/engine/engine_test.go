package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/internal/backend"
	"github.com/strata-db/strata/internal/bootstrap"
	"github.com/strata-db/strata/internal/index"
	"github.com/strata-db/strata/internal/metadata"
	"github.com/strata-db/strata/internal/objectstore"
	"github.com/strata-db/strata/internal/segment"
	"github.com/strata-db/strata/internal/wal"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *objectstore.Mock) {
	t.Helper()
	store := objectstore.NewMock()
	eng, err := New(Options{
		Store:   store,
		DataDir: t.TempDir(),
		Backend: backend.Config{
			TieringPolicy:              backend.TieringMemory,
			EnableBackgroundCompaction: false,
		},
	})
	require.NoError(t, err)
	return eng, store
}

func testDescriptor(name string, dim int, metric types.DistanceMetric) types.CollectionDescriptor {
	return types.CollectionDescriptor{Name: name, VectorDim: dim, Metric: metric}
}

func docWith(key string, vec []float32, payload map[string]any) types.VectorDocument {
	doc := types.NewVectorDocument(vec)
	doc.ExternalID = key
	doc.Payload = payload
	return doc
}

func TestEngineCreateCollection(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 4, types.MetricL2)))
	assert.True(t, store.ContainsKey("collections/docs/manifest.json"))
	assert.True(t, store.ContainsKey("collections/docs/descriptor.json"))

	err := eng.CreateCollection(ctx, testDescriptor("docs", 4, types.MetricL2))
	assert.Equal(t, errors.KindAlreadyExists, errors.KindOf(err))

	err = eng.CreateCollection(ctx, testDescriptor("bad", 1, types.MetricL2))
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestEngineInsertQueryDelete(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 3, types.MetricL2)))

	a := docWith("a", []float32{1, 0, 0}, map[string]any{"category": "A"})
	b := docWith("b", []float32{0, 1, 0}, map[string]any{"category": "B"})
	require.NoError(t, eng.Insert(ctx, "docs", a))
	require.NoError(t, eng.Insert(ctx, "docs", b))

	count, err := eng.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := eng.Query(ctx, "docs", []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].PrimaryKey)
	assert.Equal(t, a.DocID, results[0].DocID)

	require.NoError(t, eng.Delete(ctx, "docs", a.DocID))
	count, err = eng.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = eng.Delete(ctx, "docs", a.DocID)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestEngineQueryWithFilter(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 2, types.MetricL2)))
	require.NoError(t, eng.Insert(ctx, "docs", docWith("a", []float32{1, 0}, map[string]any{"category": "A"})))
	require.NoError(t, eng.Insert(ctx, "docs", docWith("b", []float32{0, 1}, map[string]any{"category": "B"})))
	require.NoError(t, eng.Insert(ctx, "docs", docWith("c", []float32{1, 1}, map[string]any{"category": "C"})))

	results, err := eng.Query(ctx, "docs", []float32{1, 0}, 10, metadata.MatchField("category", "B"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].PrimaryKey)
}

// panicProvider builds indexes whose Search panics; the filter
// short-circuit test uses it to prove the ANN engine is never invoked
// for an empty posting set.
type panicIndex struct {
	index.Index
}

func (p *panicIndex) Search(context.Context, []float32, index.SearchOptions) ([]index.ScoredPoint, error) {
	panic("search must not be invoked on an empty filter resolution")
}

type panicProvider struct {
	inner index.Provider
}

func (p *panicProvider) Kind() index.Kind { return p.inner.Kind() }

func (p *panicProvider) Build(req index.BuildRequest) (index.Index, error) {
	idx, err := p.inner.Build(req)
	if err != nil {
		return nil, err
	}
	return &panicIndex{Index: idx}, nil
}

func (p *panicProvider) Deserialize(data []byte) (index.Index, error) {
	return p.inner.Deserialize(data)
}

func TestEngineFilterShortCircuit(t *testing.T) {
	// E8: an empty posting set returns no results without invoking the
	// index provider's search at all.
	ctx := context.Background()
	store := objectstore.NewMock()
	eng, err := New(Options{
		Store:    store,
		DataDir:  t.TempDir(),
		Provider: &panicProvider{inner: index.NewNativeProvider()},
		Backend: backend.Config{
			TieringPolicy:              backend.TieringMemory,
			EnableBackgroundCompaction: false,
		},
	})
	require.NoError(t, err)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 2, types.MetricCosine)))
	for i, cat := range []string{"A", "B", "C"} {
		doc := docWith(cat, []float32{float32(i + 1), 1}, map[string]any{"category": cat})
		require.NoError(t, eng.Insert(ctx, "docs", doc))
	}

	results, err := eng.Query(ctx, "docs", []float32{1, 1}, 10, metadata.MatchField("category", "Z"))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngineFlushSegmentAndManifest(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 2, types.MetricL2)))
	for i := 0; i < 4; i++ {
		require.NoError(t, eng.Insert(ctx, "docs",
			docWith("", []float32{float32(i), 1}, map[string]any{"n": float64(i)})))
	}

	segID, err := eng.FlushSegment(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, store.ContainsKey("collections/docs/segments/"+segID.String()+".seg"))

	manifest, err := eng.loadManifest(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, manifest.Segments, 1)
	assert.Equal(t, uint64(4), manifest.TotalVectors)
	assert.Equal(t, uint64(1), manifest.LatestVersion)

	// A second flush strictly increases the version and never loses the
	// first segment.
	require.NoError(t, eng.Insert(ctx, "docs", docWith("x", []float32{9, 9}, nil)))
	_, err = eng.FlushSegment(ctx, "docs")
	require.NoError(t, err)

	manifest2, err := eng.loadManifest(ctx, "docs")
	require.NoError(t, err)
	assert.Len(t, manifest2.Segments, 2)
	assert.Greater(t, manifest2.LatestVersion, manifest.LatestVersion)
	assert.Greater(t, manifest2.Epoch, manifest.Epoch)
}

func TestEngineBootstrapRoundTrip(t *testing.T) {
	// Write through the engine, flush a segment, then reload the
	// collection via bootstrap against the same store.
	ctx := context.Background()
	eng, store := newTestEngine(t)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 3, types.MetricL2)))
	require.NoError(t, eng.Insert(ctx, "docs",
		docWith("a", []float32{1, 0, 0}, map[string]any{"id": "a", "category": "news"})))
	require.NoError(t, eng.Insert(ctx, "docs",
		docWith("b", []float32{0, 1, 0}, map[string]any{"id": "b", "category": "sports"})))
	_, err := eng.FlushSegment(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, eng.Shutdown(ctx))

	deps := bootstrap.Deps{
		Store:         store,
		Provider:      index.NewNativeProvider(),
		MetadataStore: metadata.NewStore(),
		WAL:           wal.NewObjectWAL(store, 0),
	}
	result, err := bootstrap.Bootstrap(ctx, deps)
	require.NoError(t, err)
	require.Contains(t, result.Collections, "docs")

	coll := result.Collections["docs"]
	assert.Equal(t, 2, coll.Index.Count())

	allow, err := deps.MetadataStore.ResolveFilter("docs", metadata.MatchField("category", "news"))
	require.NoError(t, err)
	assert.True(t, allow.Contains("a"))

	results, err := coll.Index.Search(ctx, []float32{1, 0, 0}, index.SearchOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].PrimaryKey)
}

func TestEngineDropCollection(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 2, types.MetricL2)))
	require.NoError(t, eng.Insert(ctx, "docs", docWith("a", []float32{1, 2}, nil)))
	require.NoError(t, eng.DropCollection(ctx, "docs"))

	_, err := eng.Count("docs")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.False(t, store.ContainsKey("collections/docs/manifest.json"))

	err = eng.DropCollection(ctx, "docs")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestEngineRejectsInvalidVectors(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 4, types.MetricCosine)))

	err := eng.Insert(ctx, "docs", docWith("short", []float32{1, 2}, nil))
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	err = eng.Insert(ctx, "docs", docWith("zero", []float32{0, 0, 0, 0}, nil))
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

// Segment round-trip through the engine's flush path stays readable by
// the segment package directly.
func TestEngineFlushedSegmentIsValidSEGv1(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	defer eng.Shutdown(ctx)

	require.NoError(t, eng.CreateCollection(ctx, testDescriptor("docs", 2, types.MetricL2)))
	require.NoError(t, eng.Insert(ctx, "docs", docWith("a", []float32{1, 2}, map[string]any{"id": "a"})))

	segID, err := eng.FlushSegment(ctx, "docs")
	require.NoError(t, err)

	raw, err := store.Get(ctx, "collections/docs/segments/"+segID.String()+".seg")
	require.NoError(t, err)
	data, err := segment.Read(raw)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}}, data.Vectors)
	assert.Equal(t, "a", data.Payloads[0]["id"])
}
