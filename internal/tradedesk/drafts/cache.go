package drafts

import (
	"context"
	"sync"
)

// Cache keeps recently rendered drafts in memory for read paths such as
// previews and the HTTP API. It is never consulted when sending: every hit is
// revalidated against the stored revision, and the coordinator always reads
// the store directly.
type Cache struct {
	store *Store

	mu      sync.Mutex
	entries map[string]*Draft
	max     int
}

// NewCache creates a cache over s holding at most max drafts.
func NewCache(s *Store, max int) *Cache {
	if max <= 0 {
		max = 256
	}
	return &Cache{store: s, entries: make(map[string]*Draft), max: max}
}

// Get returns the latest revision of a draft, reusing the cached copy when
// its revision and status still match the store.
func (c *Cache) Get(ctx context.Context, id string) (*Draft, error) {
	rev, status, err := c.store.CurrentRevision(ctx, id)
	if err != nil {
		c.Invalidate(id)
		return nil, err
	}

	c.mu.Lock()
	cached, ok := c.entries[id]
	c.mu.Unlock()
	if ok && cached.Revision == rev && cached.Status == status {
		cp := *cached
		return &cp, nil
	}

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Put(d)
	cp := *d
	return &cp, nil
}

// Put stores a copy of d.
func (c *Cache) Put(d *Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[d.ID]; !ok && len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	cp := *d
	c.entries[d.ID] = &cp
}

// Invalidate drops id from the cache.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Len reports the number of cached drafts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
