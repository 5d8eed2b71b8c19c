package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSecureRandSourceProducesVaryingValues(t *testing.T) {
	s, err := NewSecureRandSource()
	require.NoError(t, err)

	a := s.Uint64()
	b := s.Uint64()
	require.NotEqual(t, a, b)
}

func TestJitterDurationStaysWithinBounds(t *testing.T) {
	s, err := NewSecureRandSource()
	require.NoError(t, err)

	base := 30 * time.Second
	for i := 0; i < 100; i++ {
		d := s.JitterDuration(base, 0.1)
		require.GreaterOrEqual(t, d, 27*time.Second)
		require.LessOrEqual(t, d, 33*time.Second)
	}
}

func TestJitterDurationZeroFracReturnsBase(t *testing.T) {
	s, err := NewSecureRandSource()
	require.NoError(t, err)

	base := 5 * time.Second
	require.Equal(t, base, s.JitterDuration(base, 0))
}
