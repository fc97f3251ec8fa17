package swarm

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// segmentCache holds recently delivered segments. It answers local hits and
// peer requests; entries expire since a live window moves on.
type segmentCache struct {
	lru *expirable.LRU[string, []byte]
}

func newSegmentCache(size int, ttl time.Duration) *segmentCache {
	return &segmentCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *segmentCache) Get(segmentID string) ([]byte, bool) {
	return c.lru.Get(segmentID)
}

func (c *segmentCache) Add(segmentID string, data []byte) {
	c.lru.Add(segmentID, data)
}

// Keys lists the unexpired segment ids, oldest first.
func (c *segmentCache) Keys() []string {
	return c.lru.Keys()
}

func (c *segmentCache) Purge() {
	c.lru.Purge()
}
