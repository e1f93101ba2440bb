// The memory backend keeps its entries in a skip list so that keys can be listed in order without sorting.
// A skip list is a sorted linked list with extra forward-pointer levels; every node is promoted to the next level
// with probability p, which gives O(log n) expected Get/Set/Delete.

package storage

import (
	"cmp"
	"iter"
	"math/rand"
	"time"
)

const (
	skipListMaxLevel    = 16
	skipListPromoteProb = 0.25
)

type skipListNode[K cmp.Ordered, V any] struct {
	key      K
	value    V
	forwards []*skipListNode[K, V] // One forward pointer per level the node lives in.
}

// SkipList is an ordered map. It is not safe for concurrent use.
type SkipList[K cmp.Ordered, V any] struct {
	head   *skipListNode[K, V]
	level  int // Number of levels currently in use; at least 1.
	length int
	rnd    *rand.Rand
}

// NewSkipList is the constructor for SkipList.
func NewSkipList[K cmp.Ordered, V any]() *SkipList[K, V] {
	return &SkipList[K, V]{
		head:  &skipListNode[K, V]{forwards: make([]*skipListNode[K, V], skipListMaxLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// predecessors returns, per level, the last node whose key is smaller than `key`.
func (s *SkipList[K, V]) predecessors(key K) [skipListMaxLevel]*skipListNode[K, V] {
	var preds [skipListMaxLevel]*skipListNode[K, V]
	node := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := node.forwards[lvl]; next != nil && next.key < key; next = node.forwards[lvl] {
			node = next
		}
		preds[lvl] = node
	}
	return preds
}

// Get returns the value of `key` and whether it was found.
func (s *SkipList[K, V]) Get(key K) (V, bool /*found*/) {
	if candidate := s.predecessors(key)[0].forwards[0]; candidate != nil && candidate.key == key {
		return candidate.value, true
	}
	return *new(V), false
}

// Set inserts or overwrites `key` and reports whether it already existed.
func (s *SkipList[K, V]) Set(key K, value V) /*alreadyExists*/ bool {
	preds := s.predecessors(key)
	if existing := preds[0].forwards[0]; existing != nil && existing.key == key {
		existing.value = value
		return true
	}

	lvl := 1
	for lvl < skipListMaxLevel && s.rnd.Float64() < skipListPromoteProb {
		lvl++
	}
	for ; s.level < lvl; s.level++ { // New levels start right after the head.
		preds[s.level] = s.head
	}
	node := &skipListNode[K, V]{key: key, value: value, forwards: make([]*skipListNode[K, V], lvl)}
	for i := range lvl {
		node.forwards[i] = preds[i].forwards[i]
		preds[i].forwards[i] = node
	}
	s.length++
	return false
}

// Delete removes `key` and reports whether it was present.
func (s *SkipList[K, V]) Delete(key K) /*deleted*/ bool {
	preds := s.predecessors(key)
	target := preds[0].forwards[0]
	if target == nil || target.key != key {
		return false
	}
	for i := range s.level {
		if preds[i].forwards[i] == target {
			preds[i].forwards[i] = target.forwards[i]
		}
	}
	for s.level > 1 && s.head.forwards[s.level-1] == nil {
		s.level--
	}
	s.length--
	return true
}

// Len returns the number of keys held.
func (s *SkipList[K, V]) Len() int {
	return s.length
}

// Keys yields every key in ascending order.
func (s *SkipList[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for node := s.head.forwards[0]; node != nil; node = node.forwards[0] {
			if !yield(node.key) {
				return
			}
		}
	}
}
