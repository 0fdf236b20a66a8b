package index

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/strata-db/strata/pkg/types"
)

func contextWithTimeoutMs(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// l2Distance is the Euclidean distance between two vectors.
func l2Distance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// cosineSimilarity is the cosine of the angle between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// dotProduct is the inner product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// score computes the result score for a metric. L2 scores are distances,
// Cosine scores are similarities, Dot scores are dot products.
func score(metric types.DistanceMetric, query, vector []float32) float32 {
	switch metric {
	case types.MetricCosine:
		return cosineSimilarity(query, vector)
	case types.MetricDot:
		return dotProduct(query, vector)
	default:
		return l2Distance(query, vector)
	}
}

// sortPoints orders results best-first for the metric: ascending for L2
// distance, descending for Cosine similarity and Dot product.
func sortPoints(metric types.DistanceMetric, points []ScoredPoint) {
	if metric == types.MetricL2 {
		sort.SliceStable(points, func(i, j int) bool { return points[i].Score < points[j].Score })
		return
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Score > points[j].Score })
}

// normalize returns a unit-length copy of the vector. Zero vectors are
// returned unchanged; callers reject them beforehand for Cosine.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	inv := 1.0 / math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}
