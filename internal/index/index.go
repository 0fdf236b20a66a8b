// Package index provides the pluggable ANN engines: an exact brute-force
// provider, a library-backed HNSW provider with a lazy rebuild
// discipline, and a native segment-catalog provider. All providers share
// one capability set and are exercised by a common contract test suite.
package index

import (
	"context"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// Kind identifies an index provider implementation.
type Kind string

const (
	KindBruteForce Kind = "brute_force"
	KindHNSW       Kind = "hnsw"
	KindNative     Kind = "native"
)

// BuildRequest describes the index to build.
type BuildRequest struct {
	Collection string
	Kind       Kind
	Distance   types.DistanceMetric
	Dimension  int
	Segments   []types.SegmentDescriptor
}

func (r *BuildRequest) validate() error {
	if r.Dimension == 0 {
		return errors.New(errors.KindValidation, "index dimension cannot be zero")
	}
	if r.Dimension < 0 {
		return errors.Newf(errors.KindValidation, "index dimension %d is negative", r.Dimension)
	}
	if !r.Distance.Valid() {
		return errors.Newf(errors.KindValidation, "unknown distance metric %q", r.Distance)
	}
	return nil
}

// Batch is a set of points added to an index in one call. The three
// slices must have equal length; payload entries may be nil.
type Batch struct {
	PrimaryKeys []string
	Vectors     [][]float32
	Payloads    []map[string]any
}

func (b *Batch) validate(dimension int, metric types.DistanceMetric) error {
	if len(b.PrimaryKeys) != len(b.Vectors) {
		return errors.Newf(errors.KindValidation,
			"batch has %d primary keys but %d vectors", len(b.PrimaryKeys), len(b.Vectors))
	}
	if len(b.Payloads) != 0 && len(b.Payloads) != len(b.PrimaryKeys) {
		return errors.Newf(errors.KindValidation,
			"batch has %d primary keys but %d payloads", len(b.PrimaryKeys), len(b.Payloads))
	}
	for i, vec := range b.Vectors {
		if err := types.ValidateVector(vec, dimension, metric); err != nil {
			return errors.Wrap(errors.KindValidation, "vector for key "+b.PrimaryKeys[i], err)
		}
	}
	return nil
}

// payloadAt returns the i-th payload or nil when payloads are absent.
func (b *Batch) payloadAt(i int) map[string]any {
	if len(b.Payloads) == 0 {
		return nil
	}
	return b.Payloads[i]
}

// AllowList restricts a search to a set of primary keys. A nil AllowList
// means no restriction; an empty one matches nothing.
type AllowList map[string]struct{}

// Contains reports membership.
func (a AllowList) Contains(key string) bool {
	_, ok := a[key]
	return ok
}

// SearchOptions tune a single search call.
type SearchOptions struct {
	TopK int

	// Filter, when non-nil, is the doc allow-list from filter pushdown.
	Filter AllowList

	// TimeoutMs bounds the search; zero means no explicit bound beyond
	// the caller's context.
	TimeoutMs int
}

// ScoredPoint is one search result. Score semantics follow the metric:
// L2 reports distance (ascending), Cosine reports similarity
// (descending), Dot reports the dot product (descending).
type ScoredPoint struct {
	PrimaryKey string         `json:"primary_key"`
	Score      float32        `json:"score"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Index is a built index instance. Implementations own their internal
// graph or arrays; callers interact only through this capability set.
type Index interface {
	Kind() Kind
	AddBatch(ctx context.Context, batch Batch) error
	Remove(ctx context.Context, primaryKeys []string) error
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredPoint, error)
	Serialize() ([]byte, error)
	ExtractForPersistence() ([][]float32, []map[string]any, error)
	Count() int
}

// Provider builds and deserializes indexes of one kind.
type Provider interface {
	Kind() Kind
	Build(req BuildRequest) (Index, error)
	Deserialize(data []byte) (Index, error)
}

// NewProvider returns the provider for a kind.
func NewProvider(kind Kind) (Provider, error) {
	switch kind {
	case KindBruteForce:
		return NewBruteForceProvider(), nil
	case KindHNSW:
		return NewHNSWProvider(DefaultHNSWConfig()), nil
	case KindNative:
		return NewNativeProvider(), nil
	default:
		return nil, errors.Newf(errors.KindValidation, "unknown index kind %q", kind)
	}
}

// searchContext applies the per-search timeout on top of the caller's
// context.
func searchContext(ctx context.Context, opts SearchOptions) (context.Context, context.CancelFunc) {
	if opts.TimeoutMs <= 0 {
		return ctx, func() {}
	}
	return contextWithTimeoutMs(ctx, opts.TimeoutMs)
}
