package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/internal/errs"
)

func key(b byte) []byte {
	k := make([]byte, 16)
	k[0] = b
	return k
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	base := append([]Option{WithPath(dir), WithFileSize(1 << 12)}, opts...)
	st, err := Open(base...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAddGetRoundTrip(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("hello"), true))

	got, err := st.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.Equal(t, 1, st.Size())
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	st := openStore(t)

	_, err := st.Get(key(1))
	require.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestAddOverwriteReadsLatest(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	require.NoError(t, st.Add(key(1), []byte("v2"), true))

	got, err := st.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestUpdateRewritesValue(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	ok, err := st.Update(key(1), []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestUpdateMissingKeyReturnsFalse(t *testing.T) {
	st := openStore(t)

	ok, err := st.Update(key(1), []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveThenGetNotFound(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	ok, err := st.Remove(key(1), true)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.Get(key(1))
	require.ErrorIs(t, err, errs.ErrKeyNotFound)
	require.Equal(t, 0, st.Size())
}

func TestRemoveMissingKeyReturnsFalse(t *testing.T) {
	st := openStore(t)

	ok, err := st.Remove(key(1), false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidKeyLengthRejected(t *testing.T) {
	st := openStore(t)

	err := st.Add([]byte("short"), []byte("v"), false)
	require.ErrorIs(t, err, errs.ErrInvalidKey)
}

func TestSegmentRollover(t *testing.T) {
	st := openStore(t, WithFileSize(256))

	big := make([]byte, 200)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, st.Add(key(1), big, true))
	require.NoError(t, st.Add(key(2), big, true))
	require.NoError(t, st.Add(key(3), big, true))

	require.Greater(t, len(st.Segments()), 1)

	v, err := st.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, big, v)
	v, err = st.Get(key(3))
	require.NoError(t, err)
	require.Equal(t, big, v)
}

func TestIterateAndFold(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("a"), true))
	require.NoError(t, st.Add(key(2), []byte("b"), true))

	keys, err := st.Iterate()
	require.NoError(t, err)
	require.Len(t, keys, 2)

	seen := map[string][]byte{}
	err = st.Fold(func(k binfmt.Key, v []byte) bool {
		cp := append([]byte(nil), v...)
		seen[string(k[:])] = cp
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
}

func TestCrashRecoveryReplaysLog(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(WithPath(dir), WithFileSize(1<<12))
	require.NoError(t, err)

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	require.NoError(t, st.Add(key(2), []byte("v2"), true))
	ok, err := st.Remove(key(2), true)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.Close())

	reopened, err := Open(WithPath(dir), WithFileSize(1<<12))
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	_, err = reopened.Get(key(2))
	require.ErrorIs(t, err, errs.ErrKeyNotFound)

	require.Equal(t, 1, reopened.Size())
}

func TestSyncFlagBlocksUntilDurable(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	require.NoError(t, st.Sync())
}

func TestLRUIndexVariant(t *testing.T) {
	st := openStore(t, WithIndexLRU(4, 64))

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	require.NoError(t, st.Add(key(2), []byte("v2"), true))
	require.NoError(t, st.Add(key(3), []byte("v3"), true))

	for i := byte(1); i <= 3; i++ {
		v, err := st.Get(key(i))
		require.NoError(t, err)
		require.NotEmpty(t, v)
	}
}

func TestCompactionReusePreservesValue(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Add(key(1), []byte("v1"), true))
	ts, ok := st.getLastModified(toKeyT(t, key(1)))
	require.True(t, ok)

	require.NoError(t, st.reuse(toKeyT(t, key(1)), ts))

	v, err := st.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
}

func toKeyT(t *testing.T, b []byte) binfmt.Key {
	t.Helper()
	k, err := toKey(b)
	require.NoError(t, err)
	return k
}
