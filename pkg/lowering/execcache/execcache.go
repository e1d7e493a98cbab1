// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package execcache implements a thread-safe cache of compiled executors, keyed by an execution key.
//
// Keys are looked up in two phases: Key.Hash selects a bucket and Key.Equal confirms the match,
// so hash collisions never produce a wrong hit.
//
// For each distinct key the builder is called at most once at a time: the first caller installs
// an in-flight entry and builds the value outside the cache lock, while concurrent callers with
// an equal key wait for it. Callers with different keys never wait on each other's builds.
// Failed builds are not kept, so a later call retries.
package execcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lowering/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Key is the constraint for cache keys.
type Key[K any] interface {
	// Hash of the structural content of the key: equal keys must have equal hashes.
	Hash() uint64

	// Equal compares every field of the key.
	Equal(other K) bool
}

// LookupStatus tells whether Resolve found the key or had to build it.
type LookupStatus int

const (
	// Miss means the builder was called by this Resolve call.
	Miss LookupStatus = iota

	// Hit means the value was found in the cache, possibly waiting for another caller's build.
	Hit
)

// String implements fmt.Stringer.
func (s LookupStatus) String() string {
	if s == Hit {
		return "hit"
	}
	return "miss"
}

// Stats holds the counters of a cache.
type Stats struct {
	Hits, Misses, Builds, Evictions uint64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("hits=%s, misses=%s, builds=%s, evictions=%s",
		humanize.Comma(int64(s.Hits)), humanize.Comma(int64(s.Misses)),
		humanize.Comma(int64(s.Builds)), humanize.Comma(int64(s.Evictions)))
}

type config struct {
	name     string
	capacity int
}

// Option configures a Cache.
type Option func(c *config)

// WithCapacity limits the number of completed entries: the least recently used ones are evicted
// when the limit is exceeded. Entries being built are never evicted.
// A capacity <= 0 (the default) means unlimited.
func WithCapacity(capacity int) Option {
	return func(c *config) {
		c.capacity = capacity
	}
}

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

type entry[K Key[K], V any] struct {
	key   K
	hash  uint64
	latch *xsync.LatchWithValue[V]

	// lruElement is set once the entry is built, nil while in flight.
	lruElement *list.Element
}

// Cache maps keys to values built on demand. It is safe for concurrent use.
//
// A builder must not call Resolve on the same cache with an equal key: it would wait forever
// for itself.
type Cache[K Key[K], V any] struct {
	config

	mu      sync.Mutex
	buckets map[uint64][]*entry[K, V]
	lru     *list.List // Of *entry[K, V], most recently used first.
	size    int
	stats   Stats
}

// New creates an empty cache.
func New[K Key[K], V any](options ...Option) *Cache[K, V] {
	c := &Cache[K, V]{
		config:  config{name: "execcache"},
		buckets: make(map[uint64][]*entry[K, V]),
		lru:     list.New(),
	}
	for _, option := range options {
		option(&c.config)
	}
	return c
}

// Capacity returns the maximum number of completed entries, or 0 if unlimited.
func (c *Cache[K, V]) Capacity() int {
	return max(c.capacity, 0)
}

// Resolve returns the value for key, calling builder to create it if the key is not in the
// cache. Concurrent calls with equal keys share a single call to builder, and all of them
// return its result (value or error).
//
// A panic in the builder is converted to an error.
func (c *Cache[K, V]) Resolve(key K, builder func(key K) (V, error)) (V, LookupStatus, error) {
	hash := key.Hash()
	c.mu.Lock()
	if e := c.lockedFind(hash, key); e != nil {
		c.stats.Hits++
		if e.lruElement != nil {
			c.lru.MoveToFront(e.lruElement)
		}
		c.mu.Unlock()
		value, err := e.latch.Wait()
		return value, Hit, err
	}
	e := &entry[K, V]{key: key, hash: hash, latch: xsync.NewLatchWithValue[V]()}
	c.buckets[hash] = append(c.buckets[hash], e)
	c.size++
	c.stats.Misses++
	c.mu.Unlock()

	klog.V(1).Infof("%s: miss for key hash %#016x, building", c.name, hash)
	var (
		value V
		err   error
	)
	if exception := exceptions.Try(func() { value, err = builder(key) }); exception != nil {
		if panicErr, ok := exception.(error); ok {
			err = panicErr
		} else {
			err = errors.Errorf("panic while building: %v", exception)
		}
	}

	c.mu.Lock()
	c.stats.Builds++
	if err != nil {
		c.lockedRemove(e)
		var zero V
		value = zero
	} else {
		e.lruElement = c.lru.PushFront(e)
		c.lockedEvict()
	}
	c.mu.Unlock()
	if err != nil {
		err = errors.WithMessagef(err, "%s: failed to build entry", c.name)
		klog.V(1).Infof("%v", err)
	}
	e.latch.Trigger(value, err)
	return value, Miss, err
}

// lockedFind returns the entry with an equal key, or nil. It must be called with mu locked.
func (c *Cache[K, V]) lockedFind(hash uint64, key K) *entry[K, V] {
	for _, e := range c.buckets[hash] {
		if e.key.Equal(key) {
			return e
		}
	}
	return nil
}

// lockedRemove removes the entry from its bucket and from the LRU list. It must be called with mu locked.
func (c *Cache[K, V]) lockedRemove(e *entry[K, V]) {
	bucket := c.buckets[e.hash]
	for i, e2 := range bucket {
		if e2 == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.buckets, e.hash)
	} else {
		c.buckets[e.hash] = bucket
	}
	if e.lruElement != nil {
		c.lru.Remove(e.lruElement)
		e.lruElement = nil
	}
	c.size--
}

// lockedEvict drops the least recently used completed entries beyond capacity.
func (c *Cache[K, V]) lockedEvict() {
	if c.capacity <= 0 {
		return
	}
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back().Value.(*entry[K, V])
		c.lockedRemove(oldest)
		c.stats.Evictions++
		klog.V(2).Infof("%s: evicted entry with key hash %#016x", c.name, oldest.hash)
	}
}

// Len returns the number of entries, including the ones being built.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Clear removes all completed entries. Entries being built are kept, and are completed normally.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lru.Len() > 0 {
		c.lockedRemove(c.lru.Front().Value.(*entry[K, V]))
	}
	klog.V(1).Infof("%s: cleared, %d entries still being built", c.name, c.size)
}
