package storage

import (
	"fmt"
	"slices"
	"sync"

	"github.com/nobletooth/pouch/pkg/cache"
	"github.com/nobletooth/pouch/pkg/codec"
)

// Memory is an in-process backend. Entries are sealed with the codec just like on disk, so values read back are
// copies and never alias what the caller stored. Entries live as long as the Memory instance.
type Memory struct { // Implements cache.Backend.
	mux     sync.RWMutex // Pools are short-lived; a single Memory is usually shared between many of them.
	codec   codec.Codec
	entries *SkipList[string /*key*/, []byte /*envelope*/]
}

var _ cache.Backend = (*Memory)(nil)

// NewMemory is the constructor for Memory. A nil `valueCodec` defaults to gob.
func NewMemory(valueCodec codec.Codec) *Memory {
	if valueCodec == nil {
		valueCodec = codec.Gob{}
	}
	return &Memory{codec: valueCodec, entries: NewSkipList[string, []byte]()}
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Load(item *cache.Item) error {
	m.mux.RLock()
	packed, found := m.entries.Get(item.Key())
	m.mux.RUnlock()
	if !found {
		return nil
	}

	value, expiresAfter, err := codec.Open(m.codec, packed)
	if err != nil {
		return fmt.Errorf("%w: failed to open in-memory entry %q: %v", cache.ErrStorage, item.Key(), err)
	}
	item.Set(value).ExpiresAfter(cache.Seconds(expiresAfter))
	return nil
}

func (m *Memory) Persist(item *cache.Item, expiresAt int64) (bool, error) {
	packed, err := codec.Seal(m.codec, item.Get(), expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to seal cache item %q: %w", item.Key(), err)
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	m.entries.Set(item.Key(), packed)
	return true, nil
}

func (m *Memory) Remove(key string) (bool, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.entries.Delete(key), nil
}

func (m *Memory) ClearAll() (bool, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.entries = NewSkipList[string, []byte]()
	return true, nil
}

func (m *Memory) ListAllKeys() ([]string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return slices.Collect(m.entries.Keys()), nil
}
