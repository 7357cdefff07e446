// Package cache holds observable, id-keyed entity collections that mirror
// server state. Every write path (bulk fetch, command response, stream event,
// poll result) goes through the same Upsert/ReplaceAll reconciliation.
package cache

import (
	"errors"
	"reflect"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("not found")

// ChangeKind describes what happened to the collection.
type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemove  ChangeKind = "remove"
)

// Change is delivered to subscribers after the collection was modified.
type Change struct {
	Kind ChangeKind
	IDs  []int64
}

// MergeFunc reconciles a cached value with an incoming one and returns the
// value to store.
type MergeFunc[V any] func(current, incoming V) V

// Snapshot captures an entry before an optimistic update.
type Snapshot[V any] struct {
	ID      int64
	Value   V
	Present bool
	gen     uint64
}

type entry[V any] struct {
	value V
	gen   uint64
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.RWMutex
	key     func(V) int64
	merge   MergeFunc[V]
	items   map[int64]entry[V]
	gen     uint64
	subs    map[int]func(Change)
	nextSub int
}

type Option[V any] func(*Cache[V])

// WithMerge installs a reconcile function used by Upsert and ReplaceAll when
// an entry already exists.
func WithMerge[V any](fn MergeFunc[V]) Option[V] {
	return func(c *Cache[V]) {
		c.merge = fn
	}
}

func New[V any](key func(V) int64, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		key:   key,
		items: make(map[int64]entry[V]),
		subs:  make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReplaceAll swaps the whole collection. Entries already cached are passed
// through the merge function so invariants such as one-way flags survive a
// bulk refetch.
func (c *Cache[V]) ReplaceAll(items []V) {
	c.mu.Lock()
	next := make(map[int64]entry[V], len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id := c.key(item)
		if cur, ok := c.items[id]; ok && c.merge != nil {
			item = c.merge(cur.value, item)
		}
		c.gen++
		next[id] = entry[V]{value: item, gen: c.gen}
		ids = append(ids, id)
	}
	c.items = next
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeReplace, IDs: ids})
}

// Upsert inserts or overwrites an entry. It reports false when the stored
// value did not change, in which case subscribers are not notified.
func (c *Cache[V]) Upsert(item V) bool {
	id := c.key(item)
	c.mu.Lock()
	cur, ok := c.items[id]
	if ok {
		if c.merge != nil {
			item = c.merge(cur.value, item)
		}
		if reflect.DeepEqual(cur.value, item) {
			// An equal server copy confirms a pending optimistic value.
			c.gen++
			c.items[id] = entry[V]{value: cur.value, gen: c.gen}
			c.mu.Unlock()
			return false
		}
	}
	c.gen++
	c.items[id] = entry[V]{value: item, gen: c.gen}
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeUpsert, IDs: []int64{id}})
	return true
}

// Remove deletes an entry; removing a missing id is a no-op.
func (c *Cache[V]) Remove(id int64) bool {
	c.mu.Lock()
	if _, ok := c.items[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.items, id)
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeRemove, IDs: []int64{id}})
	return true
}

func (c *Cache[V]) Get(id int64) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[id]
	return e.value, ok
}

// List returns all entries ordered by id.
func (c *Cache[V]) List() []V {
	c.mu.RLock()
	ids := make([]int64, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]V, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.items[id].value)
	}
	c.mu.RUnlock()
	return out
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// OptimisticApply mutates an entry ahead of server confirmation and returns
// the snapshot needed to undo it. The merge function is bypassed: an
// optimistic guess is always taken as-is.
func (c *Cache[V]) OptimisticApply(id int64, mutate func(V) V) (Snapshot[V], error) {
	c.mu.Lock()
	cur, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return Snapshot[V]{ID: id}, ErrNotFound
	}
	next := mutate(cur.value)
	c.gen++
	c.items[id] = entry[V]{value: next, gen: c.gen}
	snap := Snapshot[V]{ID: id, Value: cur.value, Present: true, gen: c.gen}
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeUpsert, IDs: []int64{id}})
	return snap, nil
}

// Rollback restores the pre-optimistic value. It only acts while the
// optimistic value is still the one cached; a newer server value that
// arrived in between is kept. It reports whether anything was restored.
func (c *Cache[V]) Rollback(snap Snapshot[V]) bool {
	c.mu.Lock()
	cur, ok := c.items[snap.ID]
	if !ok || cur.gen != snap.gen {
		c.mu.Unlock()
		return false
	}
	kind := ChangeUpsert
	if snap.Present {
		c.gen++
		c.items[snap.ID] = entry[V]{value: snap.Value, gen: c.gen}
	} else {
		delete(c.items, snap.ID)
		kind = ChangeRemove
	}
	c.mu.Unlock()
	c.notify(Change{Kind: kind, IDs: []int64{snap.ID}})
	return true
}

// Subscribe registers fn for change notifications. The returned function
// unregisters it and is safe to call more than once.
func (c *Cache[V]) Subscribe(fn func(Change)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache[V]) notify(ch Change) {
	c.mu.RLock()
	subs := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(ch)
	}
}
