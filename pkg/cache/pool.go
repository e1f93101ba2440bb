// Pouch hands out cache items through a pool. The pool owns the whole item lifecycle (key validation, memoization,
// expiry checks and deferred saves) while a Backend only moves items in and out of a storage medium.
// A pool captures the current time once, on first use, and compares every expiration in its lifetime against that
// same instant. Keep pools short-lived, e.g. one per request or batch.

package cache

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"time"

	"github.com/nobletooth/pouch/pkg/utils"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Backend is a storage medium a Pool delegates to.
type Backend interface {
	// Name labels the backend in logs and metrics.
	Name() string
	// Load populates `item` from storage. On a hit it must call item.Set and item.ExpiresAfter with the stored
	// absolute expiration; on a miss the item is left untouched. Existing but unreadable storage is an ErrStorage.
	Load(item *Item) error
	// Persist writes the item value along with `expiresAt` (absolute Unix seconds, 0 for never). An unwritable
	// medium is an ErrStorage; false is only returned on a non-exceptional write failure.
	Persist(item *Item, expiresAt int64) (bool, error)
	// Remove deletes the storage unit of `key` and returns false if nothing was removed.
	Remove(key string) (bool, error)
	// ClearAll deletes every storage unit owned by the backend.
	ClearAll() (bool, error)
	// ListAllKeys enumerates every persisted key.
	ListAllKeys() ([]string, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces the time source of the pool. It's only read once per pool.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) { p.clock = clock }
}

// Pool manages cache items against a single Backend. A Pool is not safe for concurrent use.
type Pool struct {
	backend Backend
	items   map[string]*Item // Memoized items; at most one live item per key.
	clock   func() time.Time
	now     int64 // Frozen Unix time; see Now.
	nowSet  bool
}

// NewPool is the constructor for Pool.
func NewPool(backend Backend, opts ...Option) *Pool {
	pool := &Pool{backend: backend, items: make(map[string]*Item), clock: time.Now}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// ValidateKey returns an ErrInvalidKey unless `key` only consists of letters, digits, '_', '.' and '-'.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w %q: only alphanumeric characters, underscores, dashes and dots are allowed",
			ErrInvalidKey, key)
	}
	return nil
}

// Now returns the Unix time captured on the first call; every later call returns the same value.
func (p *Pool) Now() int64 {
	if !p.nowSet {
		p.now = p.clock().Unix()
		p.nowSet = true
	}
	return p.now
}

// observe counts backend failures of the given operation.
func (p *Pool) observe(op string, err error) error {
	if err != nil {
		poolStorageErrors.WithLabelValues(p.backend.Name(), op).Inc()
	}
	return err
}

// GetItem returns the item for `key`, loading it from the backend on the first call. Later calls return the same
// memoized item without going back to storage. An item found past its expiration is replaced by a fresh miss; its
// storage unit is left in place until the next write or clear.
func (p *Pool) GetItem(key string) (*Item, error) {
	if item, found := p.items[key]; found {
		return item, nil
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	item := NewItem(key)
	if err := p.observe("load", p.backend.Load(item)); err != nil {
		return nil, err
	}

	status := "miss"
	if item.Get() != nil {
		status = "hit"
		if !item.hasExpiration() {
			utils.RaiseInvariant("pool", "hit_without_expiration", "Backend loaded a hit without an expiration.",
				"backend", p.backend.Name(), "key", key)
		}
		if p.HasExpired(item) {
			slog.Debug("Discarding expired cache item.", "backend", p.backend.Name(), "key", key)
			item = NewItem(key)
			status = "expired"
		}
	}
	poolLookups.WithLabelValues(p.backend.Name(), status).Inc()

	p.items[key] = item
	return item, nil
}

// GetItems calls GetItem for every key and returns the items in the order of `keys`.
func (p *Pool) GetItems(keys []string) ([]*Item, error) {
	items := make([]*Item, 0, len(keys))
	for _, key := range keys {
		item, err := p.GetItem(key)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// HasItem reports whether `key` resolves to a hit.
func (p *Pool) HasItem(key string) (bool, error) {
	item, err := p.GetItem(key)
	if err != nil {
		return false, err
	}
	return item.IsHit(), nil
}

// DeleteItem forgets the memoized item of `key` and removes it from the backend.
func (p *Pool) DeleteItem(key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	delete(p.items, key)
	removed, err := p.backend.Remove(key)
	return removed, p.observe("remove", err)
}

// DeleteItems deletes the given keys in order and stops at the first key that couldn't be deleted; the keys after
// it are not attempted.
func (p *Pool) DeleteItems(keys []string) (bool, error) {
	for _, key := range keys {
		if deleted, err := p.DeleteItem(key); err != nil || !deleted {
			return false, err
		}
	}
	return true, nil
}

// Clear forgets every memoized item and clears the backend.
func (p *Pool) Clear() (bool, error) {
	p.items = make(map[string]*Item)
	cleared, err := p.backend.ClearAll()
	return cleared, p.observe("clear", err)
}

// AllKeys lists every key persisted by the backend.
func (p *Pool) AllKeys() ([]string, error) {
	keys, err := p.backend.ListAllKeys()
	return keys, p.observe("list", err)
}

// SaveDeferred reports whether `item` holds a value worth persisting. Stream values are rewound and drained into
// a byte slice which replaces the item value.
func (p *Pool) SaveDeferred(item *Item) (bool, error) {
	value := item.Get()
	if value == nil {
		return false, nil
	}
	if stream, isStream := value.(io.ReadSeeker); isStream {
		if _, err := stream.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("failed to rewind stream value of %q: %w", item.Key(), err)
		}
		buffered, err := io.ReadAll(stream)
		if err != nil {
			return false, fmt.Errorf("failed to read stream value of %q: %w", item.Key(), err)
		}
		item.Set(buffered)
	}
	return true, nil
}

// Save persists `item` through the backend. Items without a value have nothing to persist and count as saved.
func (p *Pool) Save(item *Item) (bool, error) {
	ready, err := p.SaveDeferred(item)
	if err != nil {
		return false, err
	}
	if !ready {
		poolSaves.WithLabelValues(p.backend.Name(), "skipped").Inc()
		return true, nil
	}

	expiresAt, err := p.ComputeExpiration(item)
	if err != nil {
		return false, err
	}
	saved, err := p.backend.Persist(item, expiresAt)
	if err = p.observe("persist", err); err != nil {
		return false, err
	}
	if !saved {
		poolSaves.WithLabelValues(p.backend.Name(), "failed").Inc()
		return false, nil
	}
	poolSaves.WithLabelValues(p.backend.Name(), "ok").Inc()
	return true, nil
}

// Commit saves every memoized item in key order and stops at the first failure.
func (p *Pool) Commit() (bool, error) {
	for _, key := range slices.Sorted(maps.Keys(p.items)) {
		if saved, err := p.Save(p.items[key]); err != nil || !saved {
			return false, err
		}
	}
	return true, nil
}

// ComputeExpiration turns the relative expiration of `item` into an absolute Unix time based on Now. Zero and
// negative expirations mean the item never expires and yield 0. An ExpiresAt instant is added to Now like any other
// expiration, so lifetimes of saved items should go through ExpiresAfter.
func (p *Pool) ComputeExpiration(item *Item) (int64, error) {
	expiration, err := item.Expiration()
	if err != nil {
		return 0, err
	}
	if expiration > 0 {
		return p.Now() + expiration, nil
	}
	return 0, nil
}

// HasExpired is true when the expiration of `item` is positive and strictly before Now. Items without an
// expiration never expire.
func (p *Pool) HasExpired(item *Item) bool {
	expiration, err := item.Expiration()
	if err != nil {
		return false
	}
	return expiration > 0 && expiration < p.Now()
}
