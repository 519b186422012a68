package cache

import (
	"container/list"
	"sync"
	"time"
)

// container is one local-tier cache with a fixed eviction policy. All
// methods are safe for concurrent use; each container carries its own
// mutex so strategies do not contend with each other.
type container struct {
	mu       sync.Mutex
	strategy Strategy
	maxSize  int
	entries  map[string]*list.Element
	order    *list.List // recency order for LRU, insertion order for FIFO/TTL/LFU
	seq      int64
}

func newContainer(strategy Strategy, maxSize int) *container {
	return &container{
		strategy: strategy,
		maxSize:  maxSize,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the entry when present and unexpired. Expired entries are
// removed on sight. LRU moves the entry to the MRU end; LFU bumps the
// frequency counter; FIFO and TTL leave order untouched.
func (c *container) get(key string, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if e.Expired(now) {
		c.removeLocked(el)
		return nil, false
	}

	e.AccessedAt = now
	e.AccessCount++
	if c.strategy == LRU {
		c.order.MoveToBack(el)
	}
	return e, true
}

// set inserts or replaces the entry, evicting per the container's policy
// until size fits. Returns the evicted keys.
func (c *container) set(e *Entry, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[e.Key]; ok {
		c.removeLocked(el)
	}

	var evicted []string
	for len(c.entries) >= c.maxSize {
		victim := c.victimLocked(now)
		if victim == nil {
			break
		}
		evicted = append(evicted, victim.Value.(*Entry).Key)
		c.removeLocked(victim)
	}

	c.seq++
	e.seq = c.seq
	el := c.order.PushBack(e)
	c.entries[e.Key] = el
	return evicted
}

// victimLocked picks the element to evict under the container's policy
func (c *container) victimLocked(now time.Time) *list.Element {
	switch c.strategy {
	case LFU:
		// Lowest access count wins; insertion order breaks ties
		var victim *list.Element
		for el := c.order.Front(); el != nil; el = el.Next() {
			e := el.Value.(*Entry)
			if victim == nil {
				victim = el
				continue
			}
			v := victim.Value.(*Entry)
			if e.AccessCount < v.AccessCount || (e.AccessCount == v.AccessCount && e.seq < v.seq) {
				victim = el
			}
		}
		return victim
	case TTL:
		// Prefer an already-expired entry, else the oldest
		for el := c.order.Front(); el != nil; el = el.Next() {
			if el.Value.(*Entry).Expired(now) {
				return el
			}
		}
		return c.order.Front()
	default:
		// LRU: front is least recently used. FIFO: front is oldest insert.
		return c.order.Front()
	}
}

func (c *container) delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

func (c *container) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return n
}

func (c *container) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep removes every expired entry and returns the removed keys
func (c *container) sweep(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).Expired(now) {
			removed = append(removed, el.Value.(*Entry).Key)
			c.removeLocked(el)
		}
		el = next
	}
	return removed
}

func (c *container) removeLocked(el *list.Element) {
	delete(c.entries, el.Value.(*Entry).Key)
	c.order.Remove(el)
}
