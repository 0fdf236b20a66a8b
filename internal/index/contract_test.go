package index

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// providers returns every provider exercised by the shared contract
// suite.
func providers() map[Kind]Provider {
	return map[Kind]Provider{
		KindBruteForce: NewBruteForceProvider(),
		KindHNSW:       NewHNSWProvider(DefaultHNSWConfig()),
		KindNative:     NewNativeProvider(),
	}
}

func buildRequest(dim int, metric types.DistanceMetric) BuildRequest {
	return BuildRequest{Collection: "contract", Distance: metric, Dimension: dim}
}

func gridBatch(count, dim int) Batch {
	batch := Batch{}
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(i + 1)
		}
		batch.PrimaryKeys = append(batch.PrimaryKeys, fmt.Sprintf("key%d", i))
		batch.Vectors = append(batch.Vectors, vec)
		batch.Payloads = append(batch.Payloads, map[string]any{"n": float64(i)})
	}
	return batch
}

func TestContractRejectZeroDimension(t *testing.T) {
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			_, err := provider.Build(buildRequest(0, types.MetricL2))
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}
}

func TestContractEmptyIndexSearch(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(4, types.MetricL2))
			require.NoError(t, err)

			results, err := idx.Search(ctx, []float32{1, 2, 3, 4}, SearchOptions{TopK: 5})
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestContractDimensionValidation(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(3, types.MetricL2))
			require.NoError(t, err)

			err = idx.AddBatch(ctx, Batch{
				PrimaryKeys: []string{"bad"},
				Vectors:     [][]float32{{1, 2}},
			})
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))

			require.NoError(t, idx.AddBatch(ctx, Batch{
				PrimaryKeys: []string{"ok"},
				Vectors:     [][]float32{{1, 2, 3}},
			}))

			_, err = idx.Search(ctx, []float32{1, 2}, SearchOptions{TopK: 1})
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}
}

func TestContractRejectNonFiniteVectors(t *testing.T) {
	ctx := context.Background()
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(2, types.MetricL2))
			require.NoError(t, err)

			for _, vec := range [][]float32{{nan, 1}, {inf, 1}} {
				err := idx.AddBatch(ctx, Batch{PrimaryKeys: []string{"x"}, Vectors: [][]float32{vec}})
				require.Error(t, err)
				assert.Equal(t, errors.KindValidation, errors.KindOf(err))
			}

			require.NoError(t, idx.AddBatch(ctx, Batch{
				PrimaryKeys: []string{"ok"}, Vectors: [][]float32{{1, 1}},
			}))
			_, err = idx.Search(ctx, []float32{nan, 0}, SearchOptions{TopK: 1})
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}
}

func TestContractBatchLengthConsistency(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(2, types.MetricCosine))
			require.NoError(t, err)

			err = idx.AddBatch(ctx, Batch{
				PrimaryKeys: []string{"key1", "key2"},
				Vectors:     [][]float32{{1, 0}},
				Payloads:    []map[string]any{{"id": 1}},
			})
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.KindOf(err))
		})
	}
}

func TestContractHNSWRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	idx, err := NewHNSWProvider(DefaultHNSWConfig()).Build(buildRequest(2, types.MetricL2))
	require.NoError(t, err)

	require.NoError(t, idx.AddBatch(ctx, Batch{
		PrimaryKeys: []string{"key1"}, Vectors: [][]float32{{1, 0}},
	}))
	err = idx.AddBatch(ctx, Batch{
		PrimaryKeys: []string{"key1"}, Vectors: [][]float32{{0, 1}},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestContractNativeUpserts(t *testing.T) {
	// Upsert keeps WAL replay and client retries idempotent.
	ctx := context.Background()
	idx, err := NewNativeProvider().Build(buildRequest(2, types.MetricL2))
	require.NoError(t, err)

	require.NoError(t, idx.AddBatch(ctx, Batch{
		PrimaryKeys: []string{"key1"},
		Vectors:     [][]float32{{1, 0}},
		Payloads:    []map[string]any{{"id": float64(1)}},
	}))
	require.NoError(t, idx.AddBatch(ctx, Batch{
		PrimaryKeys: []string{"key1"},
		Vectors:     [][]float32{{0, 1}},
		Payloads:    []map[string]any{{"id": float64(2)}},
	}))

	vectors, payloads, err := idx.ExtractForPersistence()
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0, 1}, vectors[0])
	assert.Equal(t, float64(2), payloads[0]["id"])
}

func TestContractRoundTripSerialization(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(4, types.MetricL2))
			require.NoError(t, err)
			require.NoError(t, idx.AddBatch(ctx, gridBatch(10, 4)))

			data, err := idx.Serialize()
			require.NoError(t, err)

			restored, err := provider.Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, 10, restored.Count())

			results, err := restored.Search(ctx, []float32{1, 1, 1, 1}, SearchOptions{TopK: 3})
			require.NoError(t, err)
			require.Len(t, results, 3)
			assert.Equal(t, "key0", results[0].PrimaryKey)
		})
	}
}

func TestContractExtractForPersistence(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(4, types.MetricL2))
			require.NoError(t, err)
			require.NoError(t, idx.AddBatch(ctx, gridBatch(7, 4)))

			vectors, payloads, err := idx.ExtractForPersistence()
			require.NoError(t, err)
			assert.Len(t, vectors, 7)
			assert.Len(t, payloads, 7)
		})
	}
}

func TestContractSearchResultOrdering(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(3, types.MetricL2))
			require.NoError(t, err)

			batch := Batch{
				PrimaryKeys: []string{"near", "mid", "far"},
				Vectors: [][]float32{
					{1, 0, 0},
					{5, 0, 0},
					{50, 0, 0},
				},
			}
			require.NoError(t, idx.AddBatch(ctx, batch))

			results, err := idx.Search(ctx, []float32{0, 0, 0}, SearchOptions{TopK: 3})
			require.NoError(t, err)
			require.Len(t, results, 3)
			assert.Equal(t, "near", results[0].PrimaryKey)
			assert.Equal(t, "mid", results[1].PrimaryKey)
			assert.Equal(t, "far", results[2].PrimaryKey)
			assert.LessOrEqual(t, results[0].Score, results[1].Score)
		})
	}
}

func TestContractAllowListFilter(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(4, types.MetricL2))
			require.NoError(t, err)
			require.NoError(t, idx.AddBatch(ctx, gridBatch(20, 4)))

			allow := AllowList{"key3": {}, "key7": {}, "missing": {}}
			results, err := idx.Search(ctx, []float32{0, 0, 0, 0}, SearchOptions{TopK: 10, Filter: allow})
			require.NoError(t, err)
			require.Len(t, results, 2)
			for _, r := range results {
				assert.True(t, allow.Contains(r.PrimaryKey))
			}

			// An empty allow-list matches nothing.
			results, err = idx.Search(ctx, []float32{0, 0, 0, 0}, SearchOptions{TopK: 10, Filter: AllowList{}})
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestContractDotMetricSupport(t *testing.T) {
	ctx := context.Background()

	// HNSW rejects Dot at construction.
	_, err := NewHNSWProvider(DefaultHNSWConfig()).Build(buildRequest(2, types.MetricDot))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	// Brute-force and native sort Dot descending.
	for _, provider := range []Provider{NewBruteForceProvider(), NewNativeProvider()} {
		idx, err := provider.Build(buildRequest(2, types.MetricDot))
		require.NoError(t, err)
		require.NoError(t, idx.AddBatch(ctx, Batch{
			PrimaryKeys: []string{"low", "high"},
			Vectors:     [][]float32{{1, 0}, {10, 0}},
		}))
		results, err := idx.Search(ctx, []float32{1, 0}, SearchOptions{TopK: 2})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "high", results[0].PrimaryKey)
		assert.Greater(t, results[0].Score, results[1].Score)
	}
}

func TestContractRemove(t *testing.T) {
	ctx := context.Background()
	for kind, provider := range providers() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := provider.Build(buildRequest(4, types.MetricL2))
			require.NoError(t, err)
			require.NoError(t, idx.AddBatch(ctx, gridBatch(5, 4)))

			require.NoError(t, idx.Remove(ctx, []string{"key1", "key3", "unknown"}))
			assert.Equal(t, 3, idx.Count())

			results, err := idx.Search(ctx, []float32{0, 0, 0, 0}, SearchOptions{TopK: 10})
			require.NoError(t, err)
			require.Len(t, results, 3)
			for _, r := range results {
				assert.NotEqual(t, "key1", r.PrimaryKey)
				assert.NotEqual(t, "key3", r.PrimaryKey)
			}
		})
	}
}
