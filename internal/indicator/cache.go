package indicator

import (
	"context"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	go_cache "github.com/eko/gocache/store/go_cache/v4"
	gocache "github.com/patrickmn/go-cache"
)

// Cache holds computed results. Entries carry tags naming the inputs they
// were derived from so a change can drop exactly the affected entries.
type Cache struct {
	results *cache.Cache[Result]
	ttl     time.Duration
}

// NewCache returns an in-memory cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	goCache := gocache.New(ttl, 2*ttl)
	s := go_cache.NewGoCache(goCache)
	return &Cache{results: cache.New[Result](s), ttl: ttl}
}

// Get returns the cached result for key. Any store error counts as a miss.
func (c *Cache) Get(ctx context.Context, key string) (Result, bool) {
	res, err := c.results.Get(ctx, key)
	if err != nil {
		return Result{}, false
	}
	return res, true
}

// Set stores res under key with the given invalidation tags.
func (c *Cache) Set(ctx context.Context, key string, res Result, tags []string) error {
	return c.results.Set(ctx, key, res, store.WithExpiration(c.ttl), store.WithTags(tags))
}

// Invalidate drops every entry carrying one of tags. The store stops at the
// first unknown tag, so tags are invalidated one at a time.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		if err := c.results.Invalidate(ctx, store.WithInvalidateTags([]string{tag})); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops all entries.
func (c *Cache) Clear(ctx context.Context) error {
	return c.results.Clear(ctx)
}
