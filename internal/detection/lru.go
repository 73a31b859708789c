package detection

import (
	"container/list"
	"sync"

	"github.com/chele-s/visifruit-controller/internal/domain"
)

// lruCache is a fixed-capacity, frame_hash-keyed dedup cache for
// FrameAnalysis results (spec §4.7).
type lruCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type lruEntry struct {
	key      string
	analysis domain.FrameAnalysis
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *lruCache) get(key string) (domain.FrameAnalysis, bool) {
	if key == "" {
		return domain.FrameAnalysis{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return domain.FrameAnalysis{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).analysis, true
}

func (c *lruCache) put(key string, analysis domain.FrameAnalysis) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).analysis = analysis
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruEntry{key: key, analysis: analysis})
	c.items[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
