// Package util holds small pieces of supporting infrastructure shared
// across the journal store: a sharded bloom filter that short-circuits
// negative reads, and a random source used to jitter background timers.
package util

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ferdiknight/finjournal/internal/binfmt"
)

const (
	defaultShards       = 16
	defaultBitsPerShard = 1024
	minHashFuncs        = 4
	growthFactor        = 2
	growthThreshold     = 0.75
)

// ShardedBloomFilter gates Get calls on the journal's 16-byte keys: each
// shard has its own lock so Add/Contains on keys in different shards
// don't contend. Keys are binfmt.Key, a fixed-width array, so unlike a
// general-purpose filter there is no variable-length input to validate.
type ShardedBloomFilter struct {
	shards    []bloomShard
	k         uint32
	m         uint64
	n         atomic.Uint64
	shardMask uint32
	shardBits uint32
	autoScale bool
}

type bloomShard struct {
	sync.RWMutex
	bits []uint64
}

// BloomConfig sizes a ShardedBloomFilter.
type BloomConfig struct {
	ExpectedElements  uint64
	FalsePositiveRate float64
	AutoScale         bool
	NumShards         uint32
	BitsPerShard      uint32
}

// NewShardedBloomFilter builds a filter sized for opts.ExpectedElements
// at opts.FalsePositiveRate.
func NewShardedBloomFilter(opts BloomConfig) (*ShardedBloomFilter, error) {
	if opts.ExpectedElements == 0 {
		return nil, fmt.Errorf("expected elements must be > 0")
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		return nil, fmt.Errorf("false positive rate must be in (0,1)")
	}

	m := optimalBitCount(opts.ExpectedElements, opts.FalsePositiveRate)
	k := optimalHashCount(opts.ExpectedElements, m)

	numShards := opts.NumShards
	if numShards == 0 {
		numShards = defaultShards
	}
	if !isPowerOfTwo(uint64(numShards)) {
		numShards = uint32(nextPowerOf2(uint64(numShards)))
	}

	bitsPerShard := opts.BitsPerShard
	if bitsPerShard == 0 {
		bitsPerShard = defaultBitsPerShard
	}
	if m > uint64(numShards)*uint64(bitsPerShard) {
		bitsPerShard = uint32(nextPowerOf2(uint64(m / uint64(numShards))))
	}

	shards := make([]bloomShard, numShards)
	for i := range shards {
		shards[i].bits = make([]uint64, bitsPerShard/64)
	}

	return &ShardedBloomFilter{
		shards:    shards,
		k:         k,
		m:         m,
		shardMask: numShards - 1,
		shardBits: bitsPerShard,
		autoScale: opts.AutoScale,
	}, nil
}

func optimalBitCount(n uint64, p float64) uint64 {
	return uint64(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
}

func optimalHashCount(n, m uint64) uint32 {
	k := uint32(math.Round(float64(m/n) * math.Log(2)))
	if k < minHashFuncs {
		k = minHashFuncs
	}
	return k
}

func isPowerOfTwo(x uint64) bool { return x != 0 && (x&(x-1)) == 0 }

func nextPowerOf2(x uint64) uint64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return x
}

// Add records key as present.
func (bf *ShardedBloomFilter) Add(key binfmt.Key) {
	if bf.autoScale && float64(bf.n.Load())/float64(bf.m) > growthThreshold {
		bf.grow()
	}

	h1, h2 := keyHashPair(key)
	for i := uint32(0); i < bf.k; i++ {
		bf.setBit(h1, h2, i)
	}
	bf.n.Add(1)
}

// Contains reports whether key may have been added. False positives are
// possible. False negatives are not, as long as the filter has not grown
// since key was added: on a filter that never grows, Contains()==false
// guarantees the key was never added. An autoScale filter that grows
// drops its bits (see grow).
func (bf *ShardedBloomFilter) Contains(key binfmt.Key) bool {
	h1, h2 := keyHashPair(key)
	for i := uint32(0); i < bf.k; i++ {
		if !bf.testBit(h1, h2, i) {
			return false
		}
	}
	return true
}

// bitLocation turns hash function i's value (Kirsch-Mitzenmacher double
// hashing: h1 + i*h2 stands in for k independent hashes) into a shard and
// a bit offset within that shard.
func (bf *ShardedBloomFilter) bitLocation(h1, h2 uint64, i uint32) (shardIndex, bitIndex uint64) {
	v := h1 + uint64(i)*h2
	shardIndex = v & uint64(bf.shardMask)
	bitIndex = (v >> bf.k) % uint64(bf.shardBits)
	return
}

func (bf *ShardedBloomFilter) setBit(h1, h2 uint64, i uint32) {
	shardIndex, bitIndex := bf.bitLocation(h1, h2, i)
	sh := &bf.shards[shardIndex]
	sh.Lock()
	sh.bits[bitIndex/64] |= 1 << (bitIndex % 64)
	sh.Unlock()
}

func (bf *ShardedBloomFilter) testBit(h1, h2 uint64, i uint32) bool {
	shardIndex, bitIndex := bf.bitLocation(h1, h2, i)
	sh := &bf.shards[shardIndex]
	sh.RLock()
	defer sh.RUnlock()
	return sh.bits[bitIndex/64]&(1<<(bitIndex%64)) != 0
}

// grow doubles the filter's shard count and per-shard width, dropping
// existing bits: callers that autoScale must tolerate a transient burst
// of false negatives immediately after growth.
func (bf *ShardedBloomFilter) grow() {
	newShardCount := uint32(len(bf.shards) * growthFactor)
	newShardBits := bf.shardBits * growthFactor
	newShards := make([]bloomShard, newShardCount)
	for i := range newShards {
		newShards[i].bits = make([]uint64, newShardBits/64)
	}

	bf.shards = newShards
	bf.m = uint64(newShardCount) * uint64(newShardBits)
	bf.shardMask = newShardCount - 1
	bf.shardBits = newShardBits
}

// keyHashPair derives two independent 64-bit hashes from a fixed 16-byte
// key by running fnv64a over each half separately. A general-purpose
// filter hashes one opaque byte string; a fixed-width key lets us skip
// that and split it once instead.
func keyHashPair(key binfmt.Key) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write(key[:8])
	f2 := fnv.New64a()
	f2.Write(key[8:])
	return f1.Sum64(), f2.Sum64()
}

// Reset clears every bit and the element count.
func (bf *ShardedBloomFilter) Reset() {
	bf.n.Store(0)
	for i := range bf.shards {
		bf.shards[i].Lock()
		for j := range bf.shards[i].bits {
			bf.shards[i].bits[j] = 0
		}
		bf.shards[i].Unlock()
	}
}
