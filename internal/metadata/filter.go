package metadata

import (
	"github.com/strata-db/strata/pkg/errors"
)

// Filter validation limits.
const (
	MaxFilterClauses = 128
	MaxFilterDepth   = 32
)

// RangeSpec is a numeric range condition. Nil bounds are open.
type RangeSpec struct {
	LT  *float64 `json:"lt,omitempty"`
	LTE *float64 `json:"lte,omitempty"`
	GT  *float64 `json:"gt,omitempty"`
	GTE *float64 `json:"gte,omitempty"`
}

// matches reports whether v satisfies every set bound.
func (r *RangeSpec) matches(v float64) bool {
	if r.LT != nil && !(v < *r.LT) {
		return false
	}
	if r.LTE != nil && !(v <= *r.LTE) {
		return false
	}
	if r.GT != nil && !(v > *r.GT) {
		return false
	}
	if r.GTE != nil && !(v >= *r.GTE) {
		return false
	}
	return true
}

// Filter is a boolean condition tree. Leaves carry a field with either a
// literal match or a range; inner nodes combine children with must
// (intersection), should (union), and must-not (difference).
type Filter struct {
	Must    []*Filter `json:"must,omitempty"`
	Should  []*Filter `json:"should,omitempty"`
	MustNot []*Filter `json:"must_not,omitempty"`

	Field string     `json:"field,omitempty"`
	Match any        `json:"match,omitempty"`
	Range *RangeSpec `json:"range,omitempty"`
}

// MatchField builds an equality leaf.
func MatchField(field string, value any) *Filter {
	return &Filter{Field: field, Match: value}
}

// RangeField builds a range leaf.
func RangeField(field string, spec RangeSpec) *Filter {
	return &Filter{Field: field, Range: &spec}
}

// Must combines filters with intersection semantics.
func Must(filters ...*Filter) *Filter {
	return &Filter{Must: filters}
}

// Should combines filters with union semantics.
func Should(filters ...*Filter) *Filter {
	return &Filter{Should: filters}
}

// MustNot negates filters against the collection universe.
func MustNot(filters ...*Filter) *Filter {
	return &Filter{MustNot: filters}
}

// isLeaf reports whether the node carries a field condition.
func (f *Filter) isLeaf() bool {
	return f.Field != ""
}

// Validate enforces the clause-count and depth limits.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	clauses, err := f.countClauses(1)
	if err != nil {
		return err
	}
	if clauses > MaxFilterClauses {
		return errors.Newf(errors.KindValidation,
			"filter has %d clauses, limit is %d", clauses, MaxFilterClauses)
	}
	return nil
}

func (f *Filter) countClauses(depth int) (int, error) {
	if depth > MaxFilterDepth {
		return 0, errors.Newf(errors.KindValidation, "filter depth exceeds limit %d", MaxFilterDepth)
	}
	if f.isLeaf() {
		if f.Match == nil && f.Range == nil {
			return 0, errors.Newf(errors.KindValidation, "filter leaf on %q has neither match nor range", f.Field)
		}
		if f.Match != nil && f.Range != nil {
			return 0, errors.Newf(errors.KindValidation, "filter leaf on %q has both match and range", f.Field)
		}
		return 1, nil
	}
	if len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0 {
		return 0, errors.New(errors.KindValidation, "empty filter node")
	}
	total := 1
	for _, group := range [][]*Filter{f.Must, f.Should, f.MustNot} {
		for _, child := range group {
			n, err := child.countClauses(depth + 1)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}
