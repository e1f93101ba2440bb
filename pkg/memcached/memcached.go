// The memcached backend stores sealed item envelopes in a memcached topology through gomemcache. Memcached can't
// enumerate its keys, so the backend also maintains a key index split over indexBuckets entries named
// `pool:index:<n>`, each updated with compare-and-swap. A key always lives in bucket xxhash(key) % indexBuckets.
// Every gomemcache result is checked: success and cache misses are fine, anything else is a cache.ErrStorage.

package memcached

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cespare/xxhash/v2"

	"github.com/nobletooth/pouch/pkg/cache"
	"github.com/nobletooth/pouch/pkg/codec"
)

const (
	// indexPrefix can't collide with item keys since ':' is not a valid key character.
	indexPrefix         = "pool:index"
	indexBuckets        = 64
	indexUpdateAttempts = 8
)

// indexBucket names the index entry holding `key`.
func indexBucket(key string) string {
	return fmt.Sprintf("%s:%d", indexPrefix, xxhash.Sum64String(key)%indexBuckets)
}

// indexBucketKeys names every index entry, in bucket order.
func indexBucketKeys() []string {
	buckets := make([]string, indexBuckets)
	for i := range buckets {
		buckets[i] = fmt.Sprintf("%s:%d", indexPrefix, i)
	}
	return buckets
}

type options struct {
	timeout time.Duration
	codec   codec.Codec
}

// Option configures a Backend.
type Option func(*options)

// WithTimeout sets the socket read/write timeout of the client.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithCodec replaces the gob value codec.
func WithCodec(valueCodec codec.Codec) Option {
	return func(o *options) { o.codec = valueCodec }
}

// Backend persists items in memcached.
type Backend struct { // Implements cache.Backend.
	client    *memcache.Client
	servers   []Server
	codec     codec.Codec
	connected bool
}

var _ cache.Backend = (*Backend)(nil)

// New validates `servers`, builds a client spreading keys over them and probes the topology once. Any server that
// doesn't answer the probe fails the construction with a cache.ErrStorage.
func New(servers []Server, opts ...Option) (*Backend, error) {
	o := options{timeout: memcache.DefaultTimeout, codec: codec.Gob{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ValidateServers(servers); err != nil {
		return nil, err
	}
	selector, err := newWeightedSelector(servers)
	if err != nil {
		return nil, err
	}

	client := memcache.NewFromSelector(selector)
	client.Timeout = o.timeout
	backend := &Backend{client: client, servers: slices.Clone(servers), codec: o.codec}
	if err := backend.connect(); err != nil {
		return nil, err
	}
	return backend, nil
}

// NewSingle is a shorthand for a topology of one server.
func NewSingle(host string, port, weight int, opts ...Option) (*Backend, error) {
	return New([]Server{{Host: host, Port: port, Weight: weight}}, opts...)
}

// connect probes every server; it only runs once per backend.
func (b *Backend) connect() error {
	if b.connected {
		return nil
	}
	if err := b.client.Ping(); err != nil {
		return fmt.Errorf("%w: one or more memcached servers failed to connect: %v", cache.ErrStorage, err)
	}
	b.connected = true
	slog.Debug("Connected to memcached.", "servers", len(b.servers))
	return nil
}

// check maps a gomemcache result onto the storage error contract.
func check(op string, err error) error {
	if err == nil || errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return fmt.Errorf("%w: memcached %s failed: %v", cache.ErrStorage, op, err)
}

func (b *Backend) Name() string {
	return "memcached"
}

// Client exposes the underlying memcached client.
func (b *Backend) Client() *memcache.Client {
	return b.client
}

// Servers returns the configured topology.
func (b *Backend) Servers() []Server {
	return slices.Clone(b.servers)
}

func (b *Backend) Load(item *cache.Item) error {
	stored, err := b.client.Get(item.Key())
	if err := check("get", err); err != nil {
		return err
	}
	if stored == nil {
		return nil
	}

	value, expiresAfter, err := codec.Open(b.codec, stored.Value)
	if err != nil {
		slog.Warn("Ignoring undecodable memcached entry.", "key", item.Key(), "error", err)
		return nil
	}
	item.Set(value).ExpiresAfter(cache.Seconds(expiresAfter))
	return nil
}

// Persist hands `expiresAt` to memcached as a native absolute expiration. Instants memcached can't represent are
// stored without one; the pool still enforces them through the envelope. A value whose key can't be indexed is
// deleted again, so a failed Persist leaves no unlisted entry behind.
func (b *Backend) Persist(item *cache.Item, expiresAt int64) (bool, error) {
	packed, err := codec.Seal(b.codec, item.Get(), expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to seal cache item %q: %w", item.Key(), err)
	}
	nativeExpiration := int32(0)
	if expiresAt > 0 && expiresAt <= math.MaxInt32 {
		nativeExpiration = int32(expiresAt)
	}

	err = b.client.Set(&memcache.Item{Key: item.Key(), Value: packed, Expiration: nativeExpiration})
	if err := check("set", err); err != nil {
		return false, err
	}
	if err := b.updateIndex(indexBucket(item.Key()), func(keys []string) []string {
		return insertKey(keys, item.Key())
	}); err != nil {
		if rollbackErr := check("delete", b.client.Delete(item.Key())); rollbackErr != nil {
			slog.Error("Failed to roll back an unindexed memcached entry.", "key", item.Key(), "error", rollbackErr)
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) Remove(key string) (bool, error) {
	err := b.client.Delete(key)
	removed := err == nil
	if err := check("delete", err); err != nil {
		return false, err
	}
	if err := b.updateIndex(indexBucket(key), func(keys []string) []string { return removeKeys(keys, key) }); err != nil {
		return false, err
	}
	return removed, nil
}

// ClearAll deletes every indexed key. Keys memcached already evicted or expired don't fail the clear.
func (b *Backend) ClearAll() (bool, error) {
	keys, err := b.ListAllKeys()
	if err != nil {
		return false, err
	}
	byBucket := make(map[string][]string)
	for _, key := range keys {
		if err := check("delete", b.client.Delete(key)); err != nil {
			return false, err
		}
		bucket := indexBucket(key)
		byBucket[bucket] = append(byBucket[bucket], key)
	}
	for bucket, removed := range byBucket {
		if err := b.updateIndex(bucket, func(indexed []string) []string {
			return removeKeys(indexed, removed...)
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ListAllKeys returns the indexed keys in lexical order. The index may still name keys memcached evicted.
func (b *Backend) ListAllKeys() ([]string, error) {
	buckets, err := b.client.GetMulti(indexBucketKeys())
	if err := check("get index", err); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for _, bucket := range buckets {
		keys = append(keys, decodeIndex(bucket.Value)...)
	}
	slices.Sort(keys)
	return keys, nil
}

// updateIndex applies `mutate` to the index entry `bucket` with compare-and-swap, retrying when another writer got
// there first. Nothing is written when `mutate` leaves the keys as they were.
func (b *Backend) updateIndex(bucket string, mutate func(keys []string) []string) error {
	for range indexUpdateAttempts {
		current, err := b.client.Get(bucket)
		if err := check("get index", err); err != nil {
			return err
		}

		var indexed []string
		if current != nil {
			indexed = decodeIndex(current.Value)
		}
		before := len(indexed)
		updated := mutate(indexed)
		if len(updated) == before {
			return nil
		}

		if current == nil {
			err = b.client.Add(&memcache.Item{Key: bucket, Value: encodeIndex(updated)})
		} else {
			current.Value = encodeIndex(updated)
			current.Expiration = 0
			err = b.client.CompareAndSwap(current)
		}
		if errors.Is(err, memcache.ErrNotStored) || errors.Is(err, memcache.ErrCASConflict) ||
			errors.Is(err, memcache.ErrCacheMiss) {
			continue
		}
		return check("update index", err)
	}
	return fmt.Errorf("%w: gave up updating the memcached key index after %d attempts", cache.ErrStorage,
		indexUpdateAttempts)
}

func decodeIndex(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	return strings.Split(string(data), "\n")
}

func encodeIndex(keys []string) []byte {
	return []byte(strings.Join(keys, "\n"))
}

// insertKey adds `key` to the sorted `keys` unless it's already there.
func insertKey(keys []string, key string) []string {
	pos, found := slices.BinarySearch(keys, key)
	if found {
		return keys
	}
	return slices.Insert(keys, pos, key)
}

func removeKeys(keys []string, removed ...string) []string {
	drop := make(map[string]struct{}, len(removed))
	for _, key := range removed {
		drop[key] = struct{}{}
	}
	return slices.DeleteFunc(keys, func(key string) bool {
		_, found := drop[key]
		return found
	})
}
