package memindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/pkg/hashindex"
)

func keyFor(n byte) binfmt.Key {
	var k binfmt.Key
	k[0] = n
	return k
}

func TestConcurrentPutGetRemove(t *testing.T) {
	idx := NewConcurrent(4, 16)
	defer idx.Close()

	prev, err := idx.Put(keyFor(1), binfmt.ItemIndex{Segment: 1, Offset: 10})
	require.NoError(t, err)
	require.Nil(t, prev)

	item, found, err := idx.Get(keyFor(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 1, Offset: 10}, item)

	prev, err = idx.Put(keyFor(1), binfmt.ItemIndex{Segment: 2, Offset: 20})
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, binfmt.ItemIndex{Segment: 1, Offset: 10}, *prev)

	removed, found, err := idx.Remove(keyFor(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 2, Offset: 20}, removed)

	_, found, err = idx.Get(keyFor(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestConcurrentPutAllAndSize(t *testing.T) {
	idx := NewConcurrent(4, 16)
	defer idx.Close()

	entries := map[binfmt.Key]binfmt.ItemIndex{
		keyFor(1): {Segment: 0, Offset: 1},
		keyFor(2): {Segment: 0, Offset: 2},
		keyFor(3): {Segment: 1, Offset: 3},
	}
	require.NoError(t, idx.PutAll(entries))
	require.Equal(t, 3, idx.Size())

	item, found, err := idx.Get(keyFor(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 0, Offset: 2}, item)
}

func TestConcurrentForeachVisitsAll(t *testing.T) {
	idx := NewConcurrent(4, 16)
	defer idx.Close()

	for i := byte(0); i < 20; i++ {
		_, err := idx.Put(keyFor(i), binfmt.ItemIndex{Segment: 0, Offset: uint64(i)})
		require.NoError(t, err)
	}

	seen := map[binfmt.Key]bool{}
	err := idx.Foreach(func(key binfmt.Key, item binfmt.ItemIndex) bool {
		seen[key] = true
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 20)
}

func newLRU(t *testing.T, capacity int) *LRU {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx")
	disk, err := hashindex.Open(path, 4)
	require.NoError(t, err)
	return NewLRU(capacity, disk)
}

func TestLRUWritesThroughToDisk(t *testing.T) {
	idx := newLRU(t, 2)
	defer idx.Close()

	_, err := idx.Put(keyFor(1), binfmt.ItemIndex{Segment: 0, Offset: 1})
	require.NoError(t, err)

	item, found, err := idx.disk.Get(keyFor(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 0, Offset: 1}, item)
}

func TestLRUEvictionStillReadsFromDisk(t *testing.T) {
	idx := newLRU(t, 1)
	defer idx.Close()

	_, err := idx.Put(keyFor(1), binfmt.ItemIndex{Segment: 0, Offset: 1})
	require.NoError(t, err)
	_, err = idx.Put(keyFor(2), binfmt.ItemIndex{Segment: 0, Offset: 2})
	require.NoError(t, err)

	require.Len(t, idx.cache, 1, "capacity 1 evicts key 1 from the hot cache")

	item, found, err := idx.Get(keyFor(1))
	require.NoError(t, err)
	require.True(t, found, "evicted key is still served from disk")
	require.Equal(t, binfmt.ItemIndex{Segment: 0, Offset: 1}, item)
}

func TestLRUPutAllAndSize(t *testing.T) {
	idx := newLRU(t, 2)
	defer idx.Close()

	entries := map[binfmt.Key]binfmt.ItemIndex{
		keyFor(1): {Segment: 0, Offset: 1},
		keyFor(2): {Segment: 0, Offset: 2},
	}
	require.NoError(t, idx.PutAll(entries))
	require.Equal(t, 2, idx.Size())
}

func TestLRURemoveDeletesFromDiskAndCache(t *testing.T) {
	idx := newLRU(t, 4)
	defer idx.Close()

	_, err := idx.Put(keyFor(1), binfmt.ItemIndex{Segment: 0, Offset: 1})
	require.NoError(t, err)

	removed, found, err := idx.Remove(keyFor(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 0, Offset: 1}, removed)

	_, found, err = idx.disk.Get(keyFor(1))
	require.NoError(t, err)
	require.False(t, found)
}
