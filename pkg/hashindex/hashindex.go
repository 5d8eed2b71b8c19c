// Package hashindex implements the file-backed separate-chaining hash
// index (spec.md §4.2): a memory-mapped fixed-size file of 4096-byte
// buckets, each holding up to 141 29-byte slots, scanned linearly within
// a bucket for EMPTY/OCCUPIED/RELEASED state. Capacity is fixed at open
// time and never grown — a hard limitation per spec.md §4.2 and a
// configuration error (ErrBucketFull) if a bucket fills up.
package hashindex

import (
	"fmt"
	"hash/fnv"
	"os"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/internal/errs"
	"golang.org/x/sys/unix"
)

// Index is a memory-mapped, fixed-capacity hash index from 16-byte keys
// to (segment#, offset) item-indices.
type Index struct {
	file    *os.File
	mapping []byte
	buckets int
}

// Open opens or creates a hash index file at path sized for buckets
// buckets (each binfmt.BucketBytes wide).
func Open(path string, buckets int) (*Index, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("buckets must be positive, got %d", buckets)
	}
	size := int64(buckets) * binfmt.BucketBytes

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open hash index %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat hash index %s: %w", path, err)
	}
	if stat.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size hash index %s: %w", path, err)
		}
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap hash index %s: %w", path, err)
	}

	return &Index{file: f, mapping: mapping, buckets: buckets}, nil
}

func bucketIndex(key binfmt.Key, buckets int) int {
	h := fnv.New64a()
	h.Write(key[:])
	sum := h.Sum64()
	return int(sum % uint64(buckets))
}

func (idx *Index) bucketBytes(bucket int) []byte {
	start := bucket * binfmt.BucketBytes
	return idx.mapping[start : start+binfmt.BucketBytes]
}

func slotBytes(bucket []byte, slot int) []byte {
	start := slot * binfmt.SlotBytes
	return bucket[start : start+binfmt.SlotBytes]
}

func slotState(s []byte) (binfmt.SlotState, error) {
	switch binfmt.SlotState(s[0]) {
	case binfmt.SlotEmpty, binfmt.SlotOccupied, binfmt.SlotReleased:
		return binfmt.SlotState(s[0]), nil
	default:
		return 0, errs.ErrCorruptSlot
	}
}

func slotKey(s []byte) binfmt.Key {
	var k binfmt.Key
	copy(k[:], s[1:1+binfmt.KeyBytes])
	return k
}

func slotItemIndex(s []byte) binfmt.ItemIndex {
	return binfmt.DecodeItemIndex(s[1+binfmt.KeyBytes:])
}

func writeSlot(s []byte, state binfmt.SlotState, key binfmt.Key, item binfmt.ItemIndex) {
	s[0] = byte(state)
	copy(s[1:1+binfmt.KeyBytes], key[:])
	copy(s[1+binfmt.KeyBytes:], binfmt.EncodeItemIndex(item))
}

// Put inserts or overwrites key → item, following spec.md §4.2's put
// algorithm: the first EMPTY slot reached takes the key, even if a
// RELEASED slot was seen before it; a matching OCCUPIED slot met earlier
// is overwritten in place; if the scan ends without an EMPTY slot or a
// match, the first RELEASED slot seen is reused. It returns the previous
// item-index for this key, if any.
func (idx *Index) Put(key binfmt.Key, item binfmt.ItemIndex) (prev *binfmt.ItemIndex, err error) {
	bucket := idx.bucketBytes(bucketIndex(key, idx.buckets))
	firstReleased := -1

	for i := 0; i < binfmt.SlotsPerBucket; i++ {
		s := slotBytes(bucket, i)
		state, err := slotState(s)
		if err != nil {
			return nil, err
		}
		switch state {
		case binfmt.SlotEmpty:
			writeSlot(s, binfmt.SlotOccupied, key, item)
			return nil, nil
		case binfmt.SlotOccupied:
			if slotKey(s) == key {
				old := slotItemIndex(s)
				writeSlot(s, binfmt.SlotOccupied, key, item)
				return &old, nil
			}
		case binfmt.SlotReleased:
			if firstReleased < 0 {
				firstReleased = i
			}
		}
	}

	if firstReleased < 0 {
		return nil, errs.ErrBucketFull
	}
	writeSlot(slotBytes(bucket, firstReleased), binfmt.SlotOccupied, key, item)
	return nil, nil
}

// Get looks up key, scanning until EMPTY terminates the chain (spec.md
// §4.2: put never skips an EMPTY, so no live key lies past one).
func (idx *Index) Get(key binfmt.Key) (item binfmt.ItemIndex, found bool, err error) {
	bucket := idx.bucketBytes(bucketIndex(key, idx.buckets))

	for i := 0; i < binfmt.SlotsPerBucket; i++ {
		s := slotBytes(bucket, i)
		state, err := slotState(s)
		if err != nil {
			return binfmt.ItemIndex{}, false, err
		}
		switch state {
		case binfmt.SlotEmpty:
			return binfmt.ItemIndex{}, false, nil
		case binfmt.SlotOccupied:
			if slotKey(s) == key {
				return slotItemIndex(s), true, nil
			}
		case binfmt.SlotReleased:
			// skip, does not terminate the scan
		}
	}
	return binfmt.ItemIndex{}, false, nil
}

// Remove tombstones key's slot (RELEASED), returning its prior item-index.
func (idx *Index) Remove(key binfmt.Key) (item binfmt.ItemIndex, found bool, err error) {
	bucket := idx.bucketBytes(bucketIndex(key, idx.buckets))

	for i := 0; i < binfmt.SlotsPerBucket; i++ {
		s := slotBytes(bucket, i)
		state, err := slotState(s)
		if err != nil {
			return binfmt.ItemIndex{}, false, err
		}
		switch state {
		case binfmt.SlotEmpty:
			return binfmt.ItemIndex{}, false, nil
		case binfmt.SlotOccupied:
			if slotKey(s) == key {
				old := slotItemIndex(s)
				s[0] = byte(binfmt.SlotReleased)
				return old, true, nil
			}
		}
	}
	return binfmt.ItemIndex{}, false, nil
}

// Foreach visits every OCCUPIED slot across all buckets, in bucket then
// in-bucket slot order. It stops early if f returns false.
func (idx *Index) Foreach(f func(key binfmt.Key, item binfmt.ItemIndex) bool) error {
	for b := 0; b < idx.buckets; b++ {
		bucket := idx.bucketBytes(b)
		for i := 0; i < binfmt.SlotsPerBucket; i++ {
			s := slotBytes(bucket, i)
			state, err := slotState(s)
			if err != nil {
				return err
			}
			if state != binfmt.SlotOccupied {
				continue
			}
			if !f(slotKey(s), slotItemIndex(s)) {
				return nil
			}
		}
	}
	return nil
}

// Flush forces the mapping to disk.
func (idx *Index) Flush() error {
	return unix.Msync(idx.mapping, unix.MS_SYNC)
}

// Close forces the mapping, unmaps it, then closes the underlying file.
// Unmapping before close is required on platforms that hold file locks
// through an active mapping (spec.md §5).
func (idx *Index) Close() error {
	if err := idx.Flush(); err != nil {
		return err
	}
	if err := unix.Munmap(idx.mapping); err != nil {
		return fmt.Errorf("munmap hash index: %w", err)
	}
	return idx.file.Close()
}
