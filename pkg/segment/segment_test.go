package segment

import (
	"testing"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Append([]byte("value-one"))
	require.NoError(t, err)

	got, err := p.Read(off, len("value-one"))
	require.NoError(t, err)
	require.Equal(t, "value-one", string(got))
}

func TestAppendReadValueVerifiesChecksum(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Append([]byte("value-two"))
	require.NoError(t, err)

	got, err := p.ReadValue(off)
	require.NoError(t, err)
	require.Equal(t, "value-two", string(got))
}

func TestReadValueDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)
	defer p.Close()

	off, err := p.Append([]byte("value-three"))
	require.NoError(t, err)

	corrupt := []byte("X")
	_, err = p.dataFile.WriteAt(corrupt, headerBytes+off)
	require.NoError(t, err)

	_, err = p.ReadValue(off)
	require.ErrorIs(t, err, errs.ErrChecksum)
}

func TestRefCounting(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)
	defer p.Close()

	require.True(t, p.IsUnused())
	p.Increment()
	p.Increment()
	require.False(t, p.IsUnused())
	p.Decrement()
	require.False(t, p.IsUnused())
	p.Decrement()
	require.True(t, p.IsUnused())
}

func TestLogAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 3, 1<<20, false)
	require.NoError(t, err)
	defer p.Close()

	var key binfmt.Key
	key[0] = 7
	op := binfmt.OpItem{Op: binfmt.OpAdd, Key: key, Segment: 3, Offset: 0, Length: 9}
	require.NoError(t, p.AppendLog(op))

	length, err := p.LogLength()
	require.NoError(t, err)
	require.Equal(t, int64(binfmt.OpItemBytes), length)

	readBack, err := p.ReadLogAt(0)
	require.NoError(t, err)
	require.Equal(t, op, readBack)
}

func TestReopenPreservesDataSize(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)

	off, err := p.Append([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, p.SyncData())
	require.NoError(t, p.Close())

	p2, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)
	defer p2.Close()

	got, err := p2.Read(off, len("persisted"))
	require.NoError(t, err)
	require.Equal(t, "persisted", string(got))
	require.Equal(t, p.Length(), p2.Length())
}

func TestDeleteRemovesBothFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "test", 0, 1<<20, false)
	require.NoError(t, err)

	dataPath, logPath := p.DataPath(), p.LogPath()
	require.NoError(t, p.Close())
	require.NoError(t, p.Delete())

	require.NoFileExists(t, dataPath)
	require.NoFileExists(t, logPath)
}
