// Cache is the convenience surface over a pool: plain get/set/delete verbs with a TTL, plus their batch variants.
// It holds no state of its own; every call goes through the wrapped pool, including its memoization.

package port

import (
	"maps"
	"slices"

	"github.com/nobletooth/pouch/pkg/cache"
)

// ItemPool is the part of *cache.Pool the facade needs.
type ItemPool interface {
	GetItem(key string) (*cache.Item, error)
	HasItem(key string) (bool, error)
	DeleteItem(key string) (bool, error)
	Save(item *cache.Item) (bool, error)
	Clear() (bool, error)
	AllKeys() ([]string, error)
}

var _ ItemPool = (*cache.Pool)(nil)

type Cache struct {
	pool ItemPool
}

// NewCache is the constructor for Cache.
func NewCache(pool ItemPool) *Cache {
	return &Cache{pool: pool}
}

// Get returns the value of `key` on a hit and `def` otherwise.
func (c *Cache) Get(key string, def any) (any, error) {
	item, err := c.pool.GetItem(key)
	if err != nil {
		return nil, err
	}
	if !item.IsHit() {
		return def, nil
	}
	return item.Get(), nil
}

// Set stores `value` under `key` for `ttl`, counted from the pool's clock. A nil or non-positive ttl never expires.
func (c *Cache) Set(key string, value any, ttl cache.TTL) (bool, error) {
	if ttl == nil {
		ttl = cache.Seconds(0)
	}
	item, err := c.pool.GetItem(key)
	if err != nil {
		return false, err
	}
	return c.pool.Save(item.Set(value).ExpiresAfter(ttl))
}

func (c *Cache) Delete(key string) (bool, error) {
	return c.pool.DeleteItem(key)
}

func (c *Cache) Has(key string) (bool, error) {
	return c.pool.HasItem(key)
}

func (c *Cache) Clear() (bool, error) {
	return c.pool.Clear()
}

// GetMultiple looks up every key; misses resolve to `def`.
func (c *Cache) GetMultiple(keys []string, def any) (map[string]any, error) {
	values := make(map[string]any, len(keys))
	for _, key := range keys {
		value, err := c.Get(key, def)
		if err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, nil
}

// SetMultiple sets every value with the same `ttl`, in key order, and stops at the first value that couldn't be
// stored.
func (c *Cache) SetMultiple(values map[string]any, ttl cache.TTL) (bool, error) {
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if stored, err := c.Set(key, values[key], ttl); err != nil || !stored {
			return false, err
		}
	}
	return true, nil
}

// DeleteMultiple deletes the keys in order and stops at the first key that couldn't be deleted.
func (c *Cache) DeleteMultiple(keys []string) (bool, error) {
	for _, key := range keys {
		if deleted, err := c.Delete(key); err != nil || !deleted {
			return false, err
		}
	}
	return true, nil
}

// AllKeys lists every key of the backend. Expired entries still waiting for a cleanup are included.
func (c *Cache) AllKeys() ([]string, error) {
	return c.pool.AllKeys()
}
