package hashindex

import (
	"path/filepath"
	"testing"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/internal/errs"
	"github.com/stretchr/testify/require"
)

func keyFor(n int) binfmt.Key {
	var k binfmt.Key
	k[0] = byte(n)
	k[1] = byte(n >> 8)
	return k
}

func TestPutGetRemoveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx, err := Open(path, 4)
	require.NoError(t, err)
	defer idx.Close()

	k := keyFor(1)
	prev, err := idx.Put(k, binfmt.ItemIndex{Segment: 1, Offset: 100})
	require.NoError(t, err)
	require.Nil(t, prev)

	got, found, err := idx.Get(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 1, Offset: 100}, got)

	removed, found, err := idx.Remove(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 1, Offset: 100}, removed)

	_, found, err = idx.Get(k)
	require.NoError(t, err)
	require.False(t, found)
}

// TestBucketLinearProbing implements spec.md §8 scenario 5: with a single
// bucket (141 slots), insert 141 distinct keys, remove two, then reinsert
// one into the released slot.
func TestBucketLinearProbing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx, err := Open(path, 1)
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < binfmt.SlotsPerBucket; i++ {
		_, err := idx.Put(keyFor(i), binfmt.ItemIndex{Segment: 0, Offset: uint64(i)})
		require.NoError(t, err, "insert %d should succeed", i)
	}

	// bucket is now full: one more insert must fail
	var overflowKey binfmt.Key
	overflowKey[15] = 0xFF
	_, err = idx.Put(overflowKey, binfmt.ItemIndex{Segment: 0, Offset: 999})
	require.ErrorIs(t, err, errs.ErrBucketFull)

	_, found, err := idx.Remove(keyFor(0))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = idx.Remove(keyFor(1))
	require.NoError(t, err)
	require.True(t, found)

	prev, err := idx.Put(keyFor(1), binfmt.ItemIndex{Segment: 2, Offset: 777})
	require.NoError(t, err)
	require.Nil(t, prev, "reinsert into a released slot reports no previous value")

	got, found, err := idx.Get(keyFor(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 2, Offset: 777}, got)
}

func TestScanStopsAtEmptySlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx, err := Open(path, 1)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Put(keyFor(0), binfmt.ItemIndex{Segment: 0, Offset: 1})
	require.NoError(t, err)

	// key never inserted; slot 1 onward is EMPTY so Get must terminate
	// immediately rather than scanning past it.
	_, found, err := idx.Get(keyFor(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestReopenPreservesContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx, err := Open(path, 4)
	require.NoError(t, err)

	_, err = idx.Put(keyFor(5), binfmt.ItemIndex{Segment: 9, Offset: 1234})
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	idx2, err := Open(path, 4)
	require.NoError(t, err)
	defer idx2.Close()

	got, found, err := idx2.Get(keyFor(5))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, binfmt.ItemIndex{Segment: 9, Offset: 1234}, got)
}
