package util

import (
	"crypto/rand"
	"math/rand/v2"
	"time"
)

// SecureRandSource wraps a math/rand/v2 ChaCha8 generator seeded from
// crypto/rand. It backs the journal's background timers (compaction
// scheduler, checkpoint ticker) wherever a tick needs jitter without
// paying crypto/rand's syscall cost on every call.
type SecureRandSource struct {
	r *rand.Rand
}

// NewSecureRandSource seeds a SecureRandSource with 32 bytes of
// crypto/rand entropy.
func NewSecureRandSource() (*SecureRandSource, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return &SecureRandSource{r: rand.New(rand.NewChaCha8(seed))}, nil
}

// Uint64 returns the next random value from the underlying generator.
func (s *SecureRandSource) Uint64() uint64 {
	return s.r.Uint64()
}

// JitterDuration returns base scaled by a random factor in [1-frac, 1+frac],
// used to spread out periodic background work (e.g. compaction checks)
// across multiple store instances started at the same time.
func (s *SecureRandSource) JitterDuration(base time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return base
	}
	r := float64(s.Uint64()%1_000_000) / 1_000_000 // in [0,1)
	factor := 1 - frac + r*2*frac
	return time.Duration(float64(base) * factor)
}
