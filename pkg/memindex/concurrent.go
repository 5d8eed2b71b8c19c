package memindex

import (
	"hash/fnv"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/ferdiknight/finjournal/internal/binfmt"
)

// Concurrent is a sharded, fully in-memory index backed by a Swiss-table
// map per shard. It never touches disk: suitable for stores whose whole
// key set fits comfortably in RAM.
type Concurrent struct {
	shards []*concurrentShard
	count  int
}

type concurrentShard struct {
	mu sync.RWMutex
	m  *swiss.Map[binfmt.Key, binfmt.ItemIndex]
}

// NewConcurrent builds a Concurrent index with shardCount shards, each
// pre-sized to expect roughly sizeHint/shardCount entries.
func NewConcurrent(shardCount int, sizeHint uint32) *Concurrent {
	if shardCount <= 0 {
		shardCount = 1
	}
	perShard := sizeHint / uint32(shardCount)
	if perShard == 0 {
		perShard = 1 << 8
	}
	c := &Concurrent{shards: make([]*concurrentShard, shardCount), count: shardCount}
	for i := range c.shards {
		c.shards[i] = &concurrentShard{m: swiss.NewMap[binfmt.Key, binfmt.ItemIndex](perShard)}
	}
	return c
}

func (c *Concurrent) shardFor(key binfmt.Key) *concurrentShard {
	h := fnv.New32a()
	h.Write(key[:])
	return c.shards[h.Sum32()%uint32(c.count)]
}

// Put implements Index.
func (c *Concurrent) Put(key binfmt.Key, item binfmt.ItemIndex) (*binfmt.ItemIndex, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.m.Get(key); ok {
		s.m.Put(key, item)
		return &old, nil
	}
	s.m.Put(key, item)
	return nil, nil
}

// Get implements Index.
func (c *Concurrent) Get(key binfmt.Key) (binfmt.ItemIndex, bool, error) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.m.Get(key)
	return item, ok, nil
}

// Remove implements Index.
func (c *Concurrent) Remove(key binfmt.Key) (binfmt.ItemIndex, bool, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m.Get(key)
	if !ok {
		return binfmt.ItemIndex{}, false, nil
	}
	s.m.Delete(key)
	return old, true, nil
}

// PutAll implements Index by fanning entries out to their shards,
// overwriting whatever was there. Used by recovery's bulk load.
func (c *Concurrent) PutAll(entries map[binfmt.Key]binfmt.ItemIndex) error {
	for key, item := range entries {
		if _, err := c.Put(key, item); err != nil {
			return err
		}
	}
	return nil
}

// Size implements Index: total entries across all shards.
func (c *Concurrent) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += s.m.Count()
		s.mu.RUnlock()
	}
	return n
}

// Foreach implements Index. It visits shards in order; within a shard,
// iteration order follows the Swiss table's.
func (c *Concurrent) Foreach(f func(key binfmt.Key, item binfmt.ItemIndex) bool) error {
	for _, s := range c.shards {
		s.mu.RLock()
		stop := false
		s.m.Iter(func(key binfmt.Key, item binfmt.ItemIndex) bool {
			if !f(key, item) {
				stop = true
				return true
			}
			return false
		})
		s.mu.RUnlock()
		if stop {
			break
		}
	}
	return nil
}

// Close is a no-op: a Concurrent index owns no file handles.
func (c *Concurrent) Close() error { return nil }
