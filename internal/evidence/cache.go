package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache fronts slow bucket providers with a TTL-bounded LRU. A hit returns
// the cached bucket; a miss or expired entry triggers a fresh fetch under its
// own timeout, so a lookup never blocks past FetchTimeout.
type Cache struct {
	providers    map[BucketName][]Provider
	lru          *expirable.LRU[BucketName, Bucket]
	fetchTimeout time.Duration
}

// CacheConfig sizes the cache. Zero values fall back to defaults.
type CacheConfig struct {
	Size         int
	TTL          time.Duration
	FetchTimeout time.Duration
}

// NewCache builds a cache over the given providers. Several providers may
// feed the same bucket; their entries are merged on fetch.
func NewCache(providers []Provider, cfg CacheConfig) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = len(AllBucketNames)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	byBucket := make(map[BucketName][]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		byBucket[provider.Bucket()] = append(byBucket[provider.Bucket()], provider)
	}

	return &Cache{
		providers:    byBucket,
		lru:          expirable.NewLRU[BucketName, Bucket](cfg.Size, nil, cfg.TTL),
		fetchTimeout: cfg.FetchTimeout,
	}
}

// Bucket returns the bucket for name, fetching through its providers on a
// miss. Providers fail independently; the lookup errors only when every
// provider failed and none produced entries. A bucket with no provider
// yields an error; an empty fetch yields an empty bucket that is not cached.
func (c *Cache) Bucket(ctx context.Context, name BucketName) (Bucket, error) {
	if cached, ok := c.lru.Get(name); ok {
		return cached, nil
	}

	if len(c.providers[name]) == 0 {
		return Bucket{}, fmt.Errorf("no provider for bucket %s", name)
	}

	entries, errs := c.fetch(ctx, name)
	if len(entries) == 0 && len(errs) > 0 {
		return Bucket{}, errs[0]
	}

	bucket := Bucket{
		Name:    name,
		Entries: CanonicalizeEntries(entries),
	}
	if len(bucket.Entries) > 0 {
		c.lru.Add(name, bucket)
	}
	return bucket, nil
}

func (c *Cache) fetch(ctx context.Context, name BucketName) ([]Entry, []error) {
	var entries []Entry
	var errs []error
	for _, provider := range c.providers[name] {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		got, err := provider.Collect(fetchCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s provider: %w", provider.Name(), err))
			continue
		}
		entries = append(entries, got...)
	}
	return entries, errs
}

// Set assembles the full bucket set through the cache. Provider failures do
// not fail the set; buckets whose every provider failed are reported
// alongside whatever the rest produced.
func (c *Cache) Set(ctx context.Context) (Set, []error) {
	set := make(Set)
	var errs []error
	for _, name := range AllBucketNames {
		if len(c.providers[name]) == 0 {
			continue
		}
		bucket, err := c.Bucket(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(bucket.Entries) == 0 {
			continue
		}
		set[name] = bucket
	}
	return set, errs
}

// Invalidate drops a cached bucket so the next lookup refetches.
func (c *Cache) Invalidate(name BucketName) {
	c.lru.Remove(name)
}

// Purge drops every cached bucket.
func (c *Cache) Purge() {
	c.lru.Purge()
}
