package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/pkg/errors"
)

func f64(v float64) *float64 { return &v }

func seedStore() *Store {
	s := NewStore()
	s.IndexMetadata("docs", "a", map[string]any{"category": "news", "rank": float64(1), "tags": []any{"go", "db"}})
	s.IndexMetadata("docs", "b", map[string]any{"category": "news", "rank": float64(5)})
	s.IndexMetadata("docs", "c", map[string]any{"category": "sports", "rank": float64(9), "tags": []any{"go"}})
	s.IndexMetadata("docs", "d", map[string]any{"category": "sports", "published": true})
	return s
}

func keys(t *testing.T, s *Store, filter *Filter) []string {
	t.Helper()
	allow, err := s.ResolveFilter("docs", filter)
	require.NoError(t, err)
	out := make([]string, 0, len(allow))
	for k := range allow {
		out = append(out, k)
	}
	return out
}

func TestResolveMatchLeaf(t *testing.T) {
	s := seedStore()
	assert.ElementsMatch(t, []string{"a", "b"}, keys(t, s, MatchField("category", "news")))
	assert.ElementsMatch(t, []string{"d"}, keys(t, s, MatchField("published", true)))
	assert.Empty(t, keys(t, s, MatchField("category", "missing")))
}

func TestResolveArrayElementPostings(t *testing.T) {
	s := seedStore()
	assert.ElementsMatch(t, []string{"a", "c"}, keys(t, s, MatchField("tags", "go")))
	assert.ElementsMatch(t, []string{"a"}, keys(t, s, MatchField("tags", "db")))
}

func TestResolveRangeLeaf(t *testing.T) {
	s := seedStore()
	assert.ElementsMatch(t, []string{"a", "b"}, keys(t, s, RangeField("rank", RangeSpec{LTE: f64(5)})))
	assert.ElementsMatch(t, []string{"b", "c"}, keys(t, s, RangeField("rank", RangeSpec{GT: f64(1)})))
	assert.ElementsMatch(t, []string{"b"}, keys(t, s, RangeField("rank", RangeSpec{GT: f64(1), LT: f64(9)})))
}

func TestResolveBooleanNodes(t *testing.T) {
	s := seedStore()

	// must = intersection
	assert.ElementsMatch(t, []string{"c"},
		keys(t, s, Must(MatchField("category", "sports"), MatchField("tags", "go"))))

	// should = union
	assert.ElementsMatch(t, []string{"a", "b", "d"},
		keys(t, s, Should(MatchField("category", "news"), MatchField("published", true))))

	// must_not = difference against the universe
	assert.ElementsMatch(t, []string{"c", "d"},
		keys(t, s, MustNot(MatchField("category", "news"))))

	// combined: sports AND NOT rank>=9
	combined := &Filter{
		Must:    []*Filter{MatchField("category", "sports")},
		MustNot: []*Filter{RangeField("rank", RangeSpec{GTE: f64(9)})},
	}
	assert.ElementsMatch(t, []string{"d"}, keys(t, s, combined))
}

func TestResolveEmptyResultShortCircuit(t *testing.T) {
	s := seedStore()
	allow, err := s.ResolveFilter("docs", MatchField("category", "Z"))
	require.NoError(t, err)
	require.NotNil(t, allow)
	assert.Empty(t, allow)
}

func TestResolveUnknownCollection(t *testing.T) {
	s := NewStore()
	allow, err := s.ResolveFilter("nope", MatchField("x", "y"))
	require.NoError(t, err)
	assert.Empty(t, allow)
}

func TestRemoveMetadata(t *testing.T) {
	s := seedStore()
	s.RemoveMetadata("docs", "a")

	assert.ElementsMatch(t, []string{"b"}, keys(t, s, MatchField("category", "news")))
	assert.ElementsMatch(t, []string{"c"}, keys(t, s, MatchField("tags", "go")))
	assert.Equal(t, uint64(3), s.CollectionSize("docs"))
}

func TestIndexMetadataUpsertReplacesPostings(t *testing.T) {
	s := seedStore()
	s.IndexMetadata("docs", "a", map[string]any{"category": "sports"})

	assert.ElementsMatch(t, []string{"b"}, keys(t, s, MatchField("category", "news")))
	assert.ElementsMatch(t, []string{"a", "c", "d"}, keys(t, s, MatchField("category", "sports")))
	// Old tag postings are gone.
	assert.ElementsMatch(t, []string{"c"}, keys(t, s, MatchField("tags", "go")))
}

func TestFilterValidation(t *testing.T) {
	s := seedStore()

	// Clause limit.
	big := &Filter{}
	for i := 0; i < MaxFilterClauses+1; i++ {
		big.Should = append(big.Should, MatchField("category", "news"))
	}
	_, err := s.ResolveFilter("docs", big)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	// Depth limit.
	deep := MatchField("category", "news")
	for i := 0; i < MaxFilterDepth+1; i++ {
		deep = Must(deep)
	}
	_, err = s.ResolveFilter("docs", deep)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	// Malformed leaves.
	_, err = s.ResolveFilter("docs", &Filter{Field: "x"})
	require.Error(t, err)
	_, err = s.ResolveFilter("docs", &Filter{})
	require.Error(t, err)
}

func TestDropCollection(t *testing.T) {
	s := seedStore()
	s.DropCollection("docs")
	assert.Equal(t, uint64(0), s.CollectionSize("docs"))
}
