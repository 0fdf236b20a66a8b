package backend

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// CacheStats describes the S3Only read cache.
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	HitRate  float64 `json:"hit_rate"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
}

// docCache is the bounded LRU of recently accessed documents used by the
// S3Only policy. Hit/miss accounting lives in the backend metrics; this
// wrapper only owns eviction.
type docCache struct {
	lru      *lru.Cache[types.DocumentID, types.VectorDocument]
	capacity int
}

func newDocCache(capacity int) (*docCache, error) {
	if capacity <= 0 {
		capacity = 10_000
	}
	inner, err := lru.New[types.DocumentID, types.VectorDocument](capacity)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create lru cache", err)
	}
	return &docCache{lru: inner, capacity: capacity}, nil
}

func (c *docCache) get(id types.DocumentID) (types.VectorDocument, bool) {
	return c.lru.Get(id)
}

func (c *docCache) put(doc types.VectorDocument) {
	c.lru.Add(doc.DocID, doc)
}

func (c *docCache) remove(id types.DocumentID) {
	c.lru.Remove(id)
}

func (c *docCache) len() int {
	return c.lru.Len()
}

func (c *docCache) clear() {
	c.lru.Purge()
}

func (c *docCache) values() []types.VectorDocument {
	return c.lru.Values()
}
