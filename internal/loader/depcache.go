package loader

import (
	"context"
	"sync"
)

// DependencyCache maps dependency keys to resolved remote ids for one run.
// Each key has its own lock, so concurrent misses on the same key result in
// a single resolve call while unrelated keys proceed in parallel. The first
// result for a key, success or failure, is kept for the rest of the run.
type DependencyCache struct {
	mu      sync.Mutex
	entries map[DependencyKey]*depEntry
}

type depEntry struct {
	mu   sync.Mutex
	done bool
	id   string
	err  error
}

// ResolveFunc looks up or creates a dependency and returns its remote id.
// created reports whether a creation request succeeded.
type ResolveFunc func(ctx context.Context) (id string, created bool, err error)

// NewDependencyCache returns an empty cache.
func NewDependencyCache() *DependencyCache {
	return &DependencyCache{entries: make(map[DependencyKey]*depEntry)}
}

// Resolve returns the cached id for key, calling resolve at most once per
// key across all goroutines. created is true only for the caller whose
// resolve call created the entity.
func (c *DependencyCache) Resolve(ctx context.Context, key DependencyKey, resolve ResolveFunc) (id string, created bool, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &depEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.id, false, e.err
	}
	e.id, created, e.err = resolve(ctx)
	e.done = true
	return e.id, created, e.err
}

// Len returns the number of dependency keys seen, resolved or failed.
func (c *DependencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
