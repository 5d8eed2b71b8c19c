package writer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/pkg/segment"
)

func openSegment(t *testing.T, dir string, n int) *segment.Pair {
	t.Helper()
	p, err := segment.Open(dir, "test", n, 1<<16, false)
	require.NoError(t, err)
	return p
}

func TestSubmitAppendsAndReturnsItem(t *testing.T) {
	dir := t.TempDir()
	seg := openSegment(t, dir, 0)
	w := New(seg, func() (*segment.Pair, error) {
		return nil, nil
	}, 1<<20, 1<<20, 0)
	defer w.Close()

	var key binfmt.Key
	key[0] = 9
	resp := <-w.Submit(Request{Op: binfmt.OpAdd, Key: key, Value: []byte("hello")})
	require.NoError(t, resp.Err)
	require.Equal(t, binfmt.OpAdd, resp.Item.Op)
	require.Equal(t, uint32(5), resp.Item.Length)

	got, err := seg.Read(int64(resp.Item.Offset), int(resp.Item.Length))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestRollsOverOnOverflow(t *testing.T) {
	dir := t.TempDir()
	seg0 := openSegment(t, dir, 0)
	next := openSegment(t, dir, 1)
	rolled := false

	w := New(seg0, func() (*segment.Pair, error) {
		rolled = true
		return next, nil
	}, 16, 1<<20, 0)
	defer w.Close()

	var key binfmt.Key
	resp := <-w.Submit(Request{Op: binfmt.OpAdd, Key: key, Value: make([]byte, 32)})
	require.NoError(t, resp.Err)
	require.True(t, rolled)
	require.Equal(t, 1, w.ActiveSegmentNumber())
}

func TestPeekSeesDirtyWriteBeforeNextBatch(t *testing.T) {
	dir := t.TempDir()
	seg := openSegment(t, dir, 0)
	w := New(seg, func() (*segment.Pair, error) { return nil, nil }, 1<<20, 1<<20, 0)
	defer w.Close()

	var key binfmt.Key
	key[0] = 3
	resp := <-w.Submit(Request{Op: binfmt.OpAdd, Key: key, Value: []byte("v")})
	require.NoError(t, resp.Err)

	item, ok := w.Peek(key)
	require.True(t, ok)
	require.Equal(t, resp.Item, item)
}

func TestAddIncrementsRefCountUntilDecremented(t *testing.T) {
	dir := t.TempDir()
	seg := openSegment(t, dir, 0)
	w := New(seg, func() (*segment.Pair, error) { return nil, nil }, 1<<20, 1<<20, 0)
	defer w.Close()

	var key binfmt.Key
	resp := <-w.Submit(Request{Op: binfmt.OpAdd, Key: key, Value: []byte("v")})
	require.NoError(t, resp.Err)
	require.False(t, seg.IsUnused())

	seg.Decrement()
	require.True(t, seg.IsUnused())
}

func TestSmallMaxBatchBytesStillAppliesEveryRequest(t *testing.T) {
	dir := t.TempDir()
	seg := openSegment(t, dir, 0)
	// A byte threshold smaller than a single request's width (OpItem plus
	// value) must still apply that request; it only stops further requests
	// from joining the same batch, never drops one outright.
	w := New(seg, func() (*segment.Pair, error) { return nil, nil }, 1<<20, 1, 0)
	defer w.Close()

	for i := 0; i < 5; i++ {
		var key binfmt.Key
		key[0] = byte(i)
		resp := <-w.Submit(Request{Op: binfmt.OpAdd, Key: key, Value: []byte("v")})
		require.NoError(t, resp.Err)
	}
}

func TestCloseSucceedsWithPendingAutoSync(t *testing.T) {
	dir := t.TempDir()
	seg := openSegment(t, dir, 0)
	w := New(seg, func() (*segment.Pair, error) { return nil, nil }, 1<<20, 1<<20, 10*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, w.Close())
}
