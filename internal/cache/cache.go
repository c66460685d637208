// Package cache holds the outputs of idempotent stages so that repeated
// invocations with identical inputs skip the underlying task.
//
// Entries expire TTL after they were stored, whatever their access pattern.
// When a shard grows beyond its capacity, the least recently accessed entry
// is evicted. Keys are spread over independently locked shards so that
// operations on distinct keys rarely contend; with a single shard the LRU
// order is exact across the whole cache.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 1024

	// minShardCapacity keeps shards large enough for LRU order to stay meaningful.
	minShardCapacity = 64
	maxShards        = 16
)

// Settings configures a Cache.
type Settings struct {
	TTL      time.Duration
	Capacity int
	// Shards defaults to as many as fit with at least 64 entries each, up to 16.
	Shards int
	Now    func() time.Time
}

// Entry is a point-in-time copy of a cached item.
type Entry[V any] struct {
	Key        string
	Value      V
	CreatedAt  time.Time
	LastAccess time.Time
	Accesses   int64
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

type item[V any] struct {
	key        string
	value      V
	createdAt  time.Time
	lastAccess time.Time
	accesses   atomic.Int64
}

type shard[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front is most recently accessed
}

// Cache is a sharded TTL + LRU cache. It is safe for concurrent use.
type Cache[V any] struct {
	ttl    time.Duration
	now    func() time.Time
	shards []*shard[V]
	group  singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// New creates an empty cache.
func New[V any](s Settings) *Cache[V] {
	if s.TTL <= 0 {
		s.TTL = DefaultTTL
	}
	if s.Capacity <= 0 {
		s.Capacity = DefaultCapacity
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Shards <= 0 {
		s.Shards = s.Capacity / minShardCapacity
		if s.Shards > maxShards {
			s.Shards = maxShards
		}
		if s.Shards < 1 {
			s.Shards = 1
		}
	}
	if s.Shards > s.Capacity {
		s.Shards = s.Capacity
	}

	c := &Cache[V]{ttl: s.TTL, now: s.Now, shards: make([]*shard[V], s.Shards)}
	per := s.Capacity / s.Shards
	extra := s.Capacity % s.Shards
	for i := range c.shards {
		capacity := per
		if i < extra {
			capacity++
		}
		c.shards[i] = &shard[V]{
			capacity: capacity,
			items:    make(map[string]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the value stored under key. Expired entries are removed and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.lookup(key, true)
	return e.Value, ok
}

// Lookup is Get that also returns the entry's metadata.
func (c *Cache[V]) Lookup(key string) (Entry[V], bool) {
	return c.lookup(key, true)
}

func (c *Cache[V]) lookup(key string, count bool) (Entry[V], bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		if count {
			c.misses.Add(1)
		}
		return Entry[V]{}, false
	}
	it := el.Value.(*item[V])
	if now.Sub(it.createdAt) >= c.ttl {
		s.removeLocked(el)
		c.expirations.Add(1)
		if count {
			c.misses.Add(1)
		}
		return Entry[V]{}, false
	}

	if count {
		c.hits.Add(1)
		it.accesses.Add(1)
		it.lastAccess = now
		s.order.MoveToFront(el)
	}
	return Entry[V]{
		Key:        it.key,
		Value:      it.value,
		CreatedAt:  it.createdAt,
		LastAccess: it.lastAccess,
		Accesses:   it.accesses.Load(),
	}, true
}

// Set stores value under key. Storing an existing key replaces its value and
// restarts its TTL; the last writer wins.
func (c *Cache[V]) Set(key string, value V) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		it := el.Value.(*item[V])
		it.value = value
		it.createdAt = now
		it.lastAccess = now
		s.order.MoveToFront(el)
		return
	}

	it := &item[V]{key: key, value: value, createdAt: now, lastAccess: now}
	s.items[key] = s.order.PushFront(it)

	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
		c.evictions.Add(1)
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el)
	}
}

// Len returns the number of stored entries, including expired ones not yet removed.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
}

// Stats returns the activity counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// PanicError reports a panic raised by the function passed to Do.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("computing cache entry panicked: %v", e.Value)
}

// Do returns the cached value for key or computes it with fn. Concurrent
// misses on the same key share a single call to fn, made with the context of
// the caller that started it. A waiter whose own ctx is still live does not
// inherit that caller's cancellation or deadline: it starts a fresh call
// instead. Only successful results are stored. The boolean reports whether fn
// was skipped for this caller.
func (c *Cache[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, bool, error) {
	for {
		if v, ok := c.Get(key); ok {
			return v, true, nil
		}

		computed := false
		ch := c.group.DoChan(key, func() (out any, err error) {
			defer func() {
				if p := recover(); p != nil {
					out, err = nil, &PanicError{Key: key, Value: p}
				}
			}()
			// Another flight may have finished between our miss and this call.
			if e, ok := c.lookup(key, false); ok {
				return e.Value, nil
			}
			computed = true
			v, err := fn(ctx)
			if err != nil {
				return v, err
			}
			c.Set(key, v)
			return v, nil
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		case res = <-ch:
		}

		if !computed && ctx.Err() == nil && interrupted(res.Err) {
			continue
		}
		v, _ := res.Val.(V)
		return v, !computed, res.Err
	}
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *shard[V]) removeLocked(el *list.Element) {
	it := s.order.Remove(el).(*item[V])
	delete(s.items, it.key)
}
