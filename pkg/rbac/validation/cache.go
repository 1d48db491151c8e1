package validation

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoizes entity-reference validation results. It is an explicit
// object handed to validation callers rather than package-level state, so the
// owner controls its lifetime and clears it when configuration is reloaded.
type Cache struct {
	entries *lru.Cache[cacheKey, error]
}

type cacheKey struct {
	ref         string
	requireRole bool
}

// DefaultCacheSize bounds the number of memoized references
const DefaultCacheSize = 4096

// NewCache creates a validation cache holding up to size entries. A size of
// zero or less uses DefaultCacheSize.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[cacheKey, error](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Clear drops all memoized results. Called on configuration reload.
func (c *Cache) Clear() {
	c.entries.Purge()
}

// Len returns the number of memoized references
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) get(ref string, requireRole bool) (error, bool) {
	return c.entries.Get(cacheKey{ref: ref, requireRole: requireRole})
}

func (c *Cache) put(ref string, requireRole bool, err error) {
	c.entries.Add(cacheKey{ref: ref, requireRole: requireRole}, err)
}
