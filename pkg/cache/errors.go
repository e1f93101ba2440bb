package cache

import "errors"

var (
	// ErrInvalidKey is returned before any storage is touched when a key doesn't match the allowed key format.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrStorage wraps faults of the storage medium, e.g. an unreadable file or an unreachable memcached server.
	ErrStorage = errors.New("cache storage failure")
	// ErrInvalidExpiration is returned when an item's expiration is read before it was ever set.
	ErrInvalidExpiration = errors.New("invalid expiration provided")
)
