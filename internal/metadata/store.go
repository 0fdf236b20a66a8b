// Package metadata keeps the inverted posting structure used for filter
// pushdown: per collection, a mapping from (field, value) to the set of
// documents carrying that value, stored as roaring bitmaps over
// per-collection document ordinals. The store is an in-memory cache;
// ground truth is the WAL plus segment payloads, and bootstrap
// rehydrates it by re-indexing persisted payloads.
package metadata

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/strata-db/strata/internal/index"
	"github.com/strata-db/strata/pkg/errors"
)

// collectionPostings holds the inverted structure for one collection.
type collectionPostings struct {
	// field -> canonical value -> posting set of ordinals
	fields map[string]map[string]*roaring.Bitmap

	// live document universe
	universe *roaring.Bitmap

	keyToOrd map[string]uint32
	ordToKey []string
}

func newCollectionPostings() *collectionPostings {
	return &collectionPostings{
		fields:   make(map[string]map[string]*roaring.Bitmap),
		universe: roaring.New(),
		keyToOrd: make(map[string]uint32),
	}
}

func (c *collectionPostings) ordinal(key string) uint32 {
	if ord, ok := c.keyToOrd[key]; ok {
		return ord
	}
	ord := uint32(len(c.ordToKey))
	c.keyToOrd[key] = ord
	c.ordToKey = append(c.ordToKey, key)
	return ord
}

// Store is the metadata posting store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collectionPostings
}

// NewStore creates an empty metadata store.
func NewStore() *Store {
	return &Store{collections: make(map[string]*collectionPostings)}
}

// canonical renders a payload scalar into its posting bucket key.
func canonical(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return "", false
	}
}

// IndexMetadata flattens a one-level payload and adds the document to
// each field=value bucket. Nested objects are skipped; array elements
// index individually. Re-indexing an existing document first clears its
// old postings.
func (s *Store) IndexMetadata(collection, docKey string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		c = newCollectionPostings()
		s.collections[collection] = c
	}

	ord := c.ordinal(docKey)
	if c.universe.Contains(ord) {
		// Upsert: drop stale postings before re-indexing.
		s.removeLocked(c, ord)
	}
	c.universe.Add(ord)

	for field, value := range payload {
		values := []any{value}
		if arr, ok := value.([]any); ok {
			values = arr
		}
		for _, v := range values {
			key, ok := canonical(v)
			if !ok {
				continue
			}
			buckets, ok := c.fields[field]
			if !ok {
				buckets = make(map[string]*roaring.Bitmap)
				c.fields[field] = buckets
			}
			bm, ok := buckets[key]
			if !ok {
				bm = roaring.New()
				buckets[key] = bm
			}
			bm.Add(ord)
		}
	}
}

// RemoveMetadata drops the document from every posting set and from the
// universe.
func (s *Store) RemoveMetadata(collection, docKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return
	}
	ord, ok := c.keyToOrd[docKey]
	if !ok {
		return
	}
	s.removeLocked(c, ord)
	c.universe.Remove(ord)
}

func (s *Store) removeLocked(c *collectionPostings, ord uint32) {
	for _, buckets := range c.fields {
		for key, bm := range buckets {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(buckets, key)
			}
		}
	}
}

// DropCollection discards all postings of a collection.
func (s *Store) DropCollection(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
}

// ResolveFilter plans a filter tree into an allow-list of primary keys.
// The result is never nil: an empty allow-list means no document
// matches, and callers short-circuit the ANN search on it.
func (s *Store) ResolveFilter(collection string, filter *Filter) (index.AllowList, error) {
	if filter == nil {
		return nil, errors.New(errors.KindValidation, "filter cannot be nil")
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return index.AllowList{}, nil
	}

	bm := s.resolveLocked(c, filter)
	allow := make(index.AllowList, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ord := it.Next()
		if int(ord) < len(c.ordToKey) {
			allow[c.ordToKey[ord]] = struct{}{}
		}
	}
	return allow, nil
}

// resolveLocked evaluates the tree into a posting bitmap. Caller holds
// the read lock.
func (s *Store) resolveLocked(c *collectionPostings, f *Filter) *roaring.Bitmap {
	if f.isLeaf() {
		return s.resolveLeafLocked(c, f)
	}

	var result *roaring.Bitmap
	if len(f.Must) > 0 {
		for _, child := range f.Must {
			bm := s.resolveLocked(c, child)
			if result == nil {
				result = bm
			} else {
				result.And(bm)
			}
		}
	}

	if len(f.Should) > 0 {
		union := roaring.New()
		for _, child := range f.Should {
			union.Or(s.resolveLocked(c, child))
		}
		if result == nil {
			result = union
		} else {
			result.And(union)
		}
	}

	if result == nil {
		// A bare must_not node subtracts from the whole collection.
		result = c.universe.Clone()
	}
	for _, child := range f.MustNot {
		result.AndNot(s.resolveLocked(c, child))
	}
	return result
}

func (s *Store) resolveLeafLocked(c *collectionPostings, f *Filter) *roaring.Bitmap {
	buckets, ok := c.fields[f.Field]
	if !ok {
		return roaring.New()
	}

	if f.Match != nil {
		key, ok := canonical(f.Match)
		if !ok {
			return roaring.New()
		}
		if bm, ok := buckets[key]; ok {
			return bm.Clone()
		}
		return roaring.New()
	}

	// Range leaf: union every bucket whose value parses as a number
	// inside the range.
	result := roaring.New()
	for value, bm := range buckets {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		if f.Range.matches(v) {
			result.Or(bm)
		}
	}
	return result
}

// CollectionSize returns the number of live documents with indexed
// metadata. Test and diagnostics hook.
func (s *Store) CollectionSize(collection string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return 0
	}
	return c.universe.GetCardinality()
}
