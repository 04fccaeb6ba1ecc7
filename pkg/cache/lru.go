package cache

import (
	"sync"
	"sync/atomic"

	"chronodb/pkg/types"
)

// RangedCache is an LRU of ranged lookup results per key. A cached result
// answers every lookup whose timestamp falls inside its period.
type RangedCache struct {
	mu       sync.Mutex
	capacity int
	items    map[types.QualifiedKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	// written is the newest commit timestamp written through; see PutAt.
	written int64

	hits, misses atomic.Int64
}

type cacheItem struct {
	key     types.QualifiedKey
	results []types.RangedGetResult
	prev    *cacheItem
	next    *cacheItem
}

// maxResultsPerKey bounds how many distinct periods of a key are kept.
const maxResultsPerKey = 16

// New creates a cache holding up to capacity keys. A capacity of zero or
// less returns nil, and all methods of a nil cache are no-ops.
func New(capacity int) *RangedCache {
	if capacity <= 0 {
		return nil
	}
	return &RangedCache{
		capacity: capacity,
		items:    make(map[types.QualifiedKey]*cacheItem),
	}
}

// Get returns the cached result for qk whose period contains ts.
func (c *RangedCache) Get(qk types.QualifiedKey, ts int64) (types.RangedGetResult, bool) {
	if c == nil {
		return types.RangedGetResult{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[qk]
	if found {
		for _, r := range item.results {
			if r.Period.Contains(ts) {
				c.moveToHead(item)
				c.hits.Add(1)
				return r, true
			}
		}
	}
	c.misses.Add(1)
	return types.RangedGetResult{}, false
}

// PutAt stores a result computed with visibility horizon now. An
// open-ended result is refused once a commit newer than now was written
// through: that commit may end its period, and the write-through that would
// have cut it already happened.
func (c *RangedCache) PutAt(now int64, r types.RangedGetResult) bool {
	if c == nil || r.Period.IsEmpty() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Period.IsOpenEnded() && now < c.written {
		return false
	}
	c.put(r)
	return true
}

// Put remembers a lookup result.
func (c *RangedCache) Put(r types.RangedGetResult) {
	if c == nil || r.Period.IsEmpty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(r)
}

func (c *RangedCache) put(r types.RangedGetResult) {
	item := c.touch(r.Key)
	for i, existing := range item.results {
		if existing.Period == r.Period {
			item.results[i] = r
			return
		}
	}
	if len(item.results) >= maxResultsPerKey {
		item.results = item.results[1:]
	}
	item.results = append(item.results, r)
}

// Commit writes a new version through: the result that was open-ended is
// cut at ts and a new open-ended result starting at ts is stored.
func (c *RangedCache) Commit(qk types.QualifiedKey, ts int64, value []byte, exists bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.written = max(c.written, ts)
	item := c.touch(qk)
	kept := item.results[:0]
	for _, r := range item.results {
		if r.Period.IsOpenEnded() {
			if r.Period.Lower >= ts {
				continue
			}
			r.Period.Upper = ts
		}
		kept = append(kept, r)
	}
	item.results = kept

	next := types.Absent(qk, types.PeriodFrom(ts))
	if exists {
		next = types.Present(qk, value, types.PeriodFrom(ts))
	}
	if len(item.results) >= maxResultsPerKey {
		item.results = item.results[1:]
	}
	item.results = append(item.results, next)
}

// Abort forgets a write-through at ts that was rolled back. prev is the
// horizon the branch returns to.
func (c *RangedCache) Abort(ts, prev int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.written == ts {
		c.written = prev
	}
}

// Invalidate forgets everything cached for qk.
func (c *RangedCache) Invalidate(qk types.QualifiedKey) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[qk]
	if !found {
		return
	}
	c.unlink(item)
	delete(c.items, qk)
}

func (c *RangedCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[types.QualifiedKey]*cacheItem)
	c.head, c.tail = nil, nil
}

func (c *RangedCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counts since creation.
func (c *RangedCache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}

// touch returns the item for key, creating it and evicting if needed.
func (c *RangedCache) touch(key types.QualifiedKey) *cacheItem {
	if item, found := c.items[key]; found {
		c.moveToHead(item)
		return item
	}
	item := &cacheItem{key: key}
	c.addToHead(item)
	c.items[key] = item
	if len(c.items) > c.capacity {
		c.evictLRU()
	}
	return item
}

func (c *RangedCache) moveToHead(item *cacheItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.addToHead(item)
}

func (c *RangedCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (c *RangedCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *RangedCache) evictLRU() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlink(victim)
	delete(c.items, victim.key)
}
