package docstore

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// DedupCache remembers which immutable objects a session already saved so
// they are not submitted to the store again. It is not durable.
type DedupCache struct {
	saved *xsync.MapOf[string, struct{}]
}

func NewDedupCache() *DedupCache {
	return &DedupCache{saved: xsync.NewMapOf[string, struct{}]()}
}

func (c *DedupCache) ShouldSkip(id string) bool {
	_, ok := c.saved.Load(id)
	return ok
}

func (c *DedupCache) MarkSaved(ids ...string) {
	for _, id := range ids {
		c.saved.Store(id, struct{}{})
	}
}

func (c *DedupCache) Len() int {
	return c.saved.Size()
}

func (c *DedupCache) Reset() {
	c.saved.Clear()
}

// Filter drops the records already saved, keeping order.
func (c *DedupCache) Filter(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if c.ShouldSkip(rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
