package memindex

import (
	"container/list"
	"sync"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/pkg/hashindex"
)

// LRU is a bounded in-memory index that spills to an on-disk
// hashindex.Index: every write goes through to disk immediately, and the
// in-memory list only bounds how much stays hot for reads. Use this
// variant when the key set does not comfortably fit in RAM.
type LRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[binfmt.Key]*list.Element
	order    *list.List
	disk     *hashindex.Index
}

type lruEntry struct {
	key  binfmt.Key
	item binfmt.ItemIndex
}

// NewLRU builds an LRU index of the given capacity, backed by disk.
func NewLRU(capacity int, disk *hashindex.Index) *LRU {
	if capacity <= 0 {
		capacity = 1 << 12
	}
	return &LRU{
		capacity: capacity,
		cache:    make(map[binfmt.Key]*list.Element),
		order:    list.New(),
		disk:     disk,
	}
}

func (c *LRU) touch(key binfmt.Key, item binfmt.ItemIndex) {
	if elem, ok := c.cache[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry).item = item
		return
	}
	elem := c.order.PushFront(&lruEntry{key: key, item: item})
	c.cache[key] = elem
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *LRU) evict(key binfmt.Key) {
	if elem, ok := c.cache[key]; ok {
		c.order.Remove(elem)
		delete(c.cache, key)
	}
}

// Put implements Index: writes through to disk, then refreshes the
// in-memory cache.
func (c *LRU) Put(key binfmt.Key, item binfmt.ItemIndex) (*binfmt.ItemIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.disk.Put(key, item)
	if err != nil {
		return nil, err
	}
	c.touch(key, item)
	return prev, nil
}

// Get implements Index: checks the hot cache first, falling back to disk
// and repopulating the cache on a miss.
func (c *LRU) Get(key binfmt.Key) (binfmt.ItemIndex, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*lruEntry).item, true, nil
	}

	item, found, err := c.disk.Get(key)
	if err != nil || !found {
		return binfmt.ItemIndex{}, found, err
	}
	c.touch(key, item)
	return item, true, nil
}

// Remove implements Index: removes from disk and evicts from the cache.
func (c *LRU) Remove(key binfmt.Key) (binfmt.ItemIndex, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found, err := c.disk.Remove(key)
	if err != nil {
		return binfmt.ItemIndex{}, false, err
	}
	c.evict(key)
	return item, found, nil
}

// PutAll implements Index: writes every entry through to disk, then
// refreshes the hot cache for each (subject to eviction as usual).
func (c *LRU) PutAll(entries map[binfmt.Key]binfmt.ItemIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range entries {
		if _, err := c.disk.Put(key, item); err != nil {
			return err
		}
		c.touch(key, item)
	}
	return nil
}

// Size implements Index by counting occupied slots on disk, the
// authoritative complete set.
func (c *LRU) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	_ = c.disk.Foreach(func(binfmt.Key, binfmt.ItemIndex) bool {
		n++
		return true
	})
	return n
}

// Foreach implements Index by delegating to the on-disk index, which is
// always the complete set (the cache is a subset of it).
func (c *LRU) Foreach(f func(key binfmt.Key, item binfmt.ItemIndex) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disk.Foreach(f)
}

// Close closes the backing on-disk index.
func (c *LRU) Close() error {
	return c.disk.Close()
}
