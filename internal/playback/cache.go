package playback

import (
	"container/list"
	"sync"

	"github.com/example/twodo-sync-engine/internal/snapshot"
	"github.com/example/twodo-sync-engine/internal/types"
)

type cacheKey struct {
	Document types.DocumentID
	Counter  int
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

type cachedState struct {
	key  cacheKey
	snap snapshot.Snapshot
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the newest cached snapshot at or before the target counter.
func (c *stateCache) Get(doc types.DocumentID, target int) (snapshot.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey cacheKey
	var bestItem *list.Element

	for key, item := range c.items {
		if key.Document != doc || key.Counter > target {
			continue
		}
		if bestItem == nil || key.Counter > bestKey.Counter {
			bestKey = key
			bestItem = item
		}
	}

	if bestItem == nil {
		return snapshot.Snapshot{}, false
	}

	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(cachedState)
	snap := entry.snap
	snap.Workspace = snap.Workspace.Clone()
	return snap, true
}

func (c *stateCache) Put(doc types.DocumentID, snap snapshot.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Document: doc, Counter: snap.Counter}
	if element, ok := c.items[key]; ok {
		element.Value = cachedState{key: key, snap: snap}
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(cachedState{key: key, snap: snap})
	c.items[key] = element

	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		if last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cachedState).key)
		}
	}
}
