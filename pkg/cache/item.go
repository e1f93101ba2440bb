package cache

import (
	"fmt"
	"time"
)

type expirationKind uint8

const (
	expirationUnset    expirationKind = iota
	expirationAbsolute                // Set through ExpiresAt.
	expirationRaw                     // Set through ExpiresAfter.
)

// Item is a single cache slot handed out by a Pool. The key never changes after construction; the value is only
// observable once the item is a hit.
type Item struct {
	key   string
	value any
	isHit bool

	expirationKind expirationKind
	expiresAt      time.Time // Only meaningful for expirationAbsolute.
	expiresAfter   int64     // Only meaningful for expirationRaw.
}

// NewItem creates a miss for the given `key`. Keys aren't validated here; Pool.GetItem does that.
func NewItem(key string) *Item {
	return &Item{key: key}
}

// Key returns the immutable key of the item.
func (i *Item) Key() string {
	return i.key
}

// Get returns the held value on a hit and nil otherwise.
func (i *Item) Get() any {
	if !i.isHit {
		return nil
	}
	return i.value
}

// IsHit reports whether the item holds a value, either loaded from a backend or given through Set.
func (i *Item) IsHit() bool {
	return i.isHit
}

// Set stores `value` and turns the item into a hit.
func (i *Item) Set(value any) *Item {
	i.value = value
	i.isHit = true
	return i
}

// ExpiresAt sets an absolute expiration instant. The zero time clears the expiration.
func (i *Item) ExpiresAt(t time.Time) *Item {
	if t.IsZero() {
		i.expirationKind = expirationUnset
		i.expiresAt = time.Time{}
		return i
	}
	i.expirationKind = expirationAbsolute
	i.expiresAt = t
	return i
}

// ExpiresAfter stores `ttl` as a raw second count. A nil `ttl` clears the expiration.
func (i *Item) ExpiresAfter(ttl TTL) *Item {
	if ttl == nil {
		i.expirationKind = expirationUnset
		i.expiresAfter = 0
		return i
	}
	i.expirationKind = expirationRaw
	i.expiresAfter = ttl.TTLSeconds()
	return i
}

// Expiration returns the Unix timestamp of an absolute expiration, or the raw second count given to ExpiresAfter.
// Callers must always configure one of the two, even if it's zero (never expires).
func (i *Item) Expiration() (int64, error) {
	switch i.expirationKind {
	case expirationAbsolute:
		return i.expiresAt.Unix(), nil
	case expirationRaw:
		return i.expiresAfter, nil
	default:
		return 0, fmt.Errorf("%w: item %q has no expiration", ErrInvalidExpiration, i.key)
	}
}

// hasExpiration is true once either ExpiresAt or ExpiresAfter configured the item.
func (i *Item) hasExpiration() bool {
	return i.expirationKind != expirationUnset
}
