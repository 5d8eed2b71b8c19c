package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, MinChunkCapacity)
	require.NoError(t, err)
	defer p.Close()

	off1, err := p.Append([]byte("hello"))
	require.NoError(t, err)
	off2, err := p.Append([]byte("world!"))
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)

	got1, err := p.Get(off1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got1))

	got2, err := p.Get(off2)
	require.NoError(t, err)
	require.Equal(t, "world!", string(got2))
}

func TestRollsForwardOnOverflow(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, MinChunkCapacity)
	require.NoError(t, err)
	defer p.Close()

	value := make([]byte, 1024)
	var offsets []int64
	for i := 0; i < 10; i++ {
		off, err := p.Append(value)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	require.Greater(t, len(p.chunks), 1, "expected at least one roll-forward")

	for _, off := range offsets {
		got, err := p.Get(off)
		require.NoError(t, err)
		require.Len(t, got, len(value))
	}
}

func TestTruncateDropsNewerChunksAndTail(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, MinChunkCapacity)
	require.NoError(t, err)
	defer p.Close()

	value := make([]byte, 1024)
	var offsets []int64
	for i := 0; i < 10; i++ {
		off, err := p.Append(value)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	cut := offsets[5]
	require.NoError(t, p.Truncate(cut))

	_, err = p.Get(cut)
	require.Error(t, err, "truncated offset should no longer be readable")

	got, err := p.Get(offsets[4])
	require.NoError(t, err)
	require.Len(t, got, len(value))

	// container remains appendable after truncation
	_, err = p.Append(value)
	require.NoError(t, err)
}

func TestReopenLoadsExistingChunks(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, MinChunkCapacity)
	require.NoError(t, err)

	off, err := p.Append([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, p.Flush())
	require.NoError(t, p.Close())

	p2, err := Open(dir, MinChunkCapacity)
	require.NoError(t, err)
	defer p2.Close()

	got, err := p2.Get(off)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(got))
}
