package journal

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/internal/errs"
	"github.com/ferdiknight/finjournal/pkg/segment"
)

// recover implements spec.md §4.7's recovery algorithm: open every
// existing segment pair in ascending number order, replay each one's log
// to rebuild the global index, self-heal the "update without DEL"
// anomaly (a later ADD found for a key whose prior live record is still
// registered), and validate every non-active segment's invariants
// (length>=capacity, refcount>0) before handing control back to Open.
//
// A segment's checkpoint location is loaded and recorded, but — unlike
// the java original this coordinator is grounded on — is not currently
// used to skip replay of older segments: doing so safely requires a
// persisted refcount per segment, a format spec.md does not define, so
// every segment is always replayed in full. See DESIGN.md for this
// resolved tradeoff.
func (st *Store) recover() error {
	nums, err := listSegmentNumbers(st.opts.Path, st.opts.Name)
	if err != nil {
		return err
	}

	if loc, err := st.ckpt.Load(); err != nil {
		log.Printf("finjournal: checkpoint load failed, replaying from scratch: %v", err)
	} else if loc.Segment != 0 {
		log.Printf("finjournal: checkpoint at segment %d", loc.Segment)
	}

	if len(nums) == 0 {
		p, err := segment.Open(st.opts.Path, st.opts.Name, 1, st.opts.FileSize, st.opts.Force)
		if err != nil {
			return err
		}
		st.segments[1] = p
		st.activeNum = 1
		return nil
	}

	globalIndex := make(map[binfmt.Key]binfmt.ItemIndex)
	lastMod := make(map[binfmt.Key]int64)

	for _, n := range nums {
		p, err := segment.Open(st.opts.Path, st.opts.Name, n, st.opts.FileSize, st.opts.Force)
		if err != nil {
			return fmt.Errorf("recovery: open segment %d: %w", n, err)
		}
		st.segments[n] = p

		refCount, localIndex, err := st.replaySegment(n, p, globalIndex)
		if err != nil {
			return fmt.Errorf("recovery: replay segment %d: %w", n, err)
		}
		p.SetRefCount(int32(refCount))

		if p.Length() >= st.opts.FileSize && refCount == 0 {
			log.Printf("finjournal: segment %d is full and empty, removing during recovery", n)
			if err := p.Close(); err != nil {
				return err
			}
			if err := p.Delete(); err != nil {
				return err
			}
			delete(st.segments, n)
			continue
		}

		modTime, err := p.LogModTime()
		if err != nil {
			modTime = 0
		}
		for key, item := range localIndex {
			globalIndex[key] = item
			lastMod[key] = modTime
		}
	}

	if err := st.validateInvariants(); err != nil {
		return err
	}

	if len(st.segments) == 0 {
		n := nums[len(nums)-1] + 1
		p, err := segment.Open(st.opts.Path, st.opts.Name, n, st.opts.FileSize, st.opts.Force)
		if err != nil {
			return err
		}
		st.segments[n] = p
		st.activeNum = n
	} else {
		max := 0
		for n := range st.segments {
			if n > max {
				max = n
			}
		}
		st.activeNum = max
	}

	if err := st.index.PutAll(globalIndex); err != nil {
		return err
	}
	for key, ts := range lastMod {
		st.setLastModified(key, ts)
	}
	for key := range globalIndex {
		st.filter.Add(key)
	}
	log.Printf("finjournal: recovery complete, %d segments, %d live keys", len(st.segments), len(globalIndex))
	return nil
}

// replaySegment scans segment n's log sequentially, returning its final
// live-ADD refcount and the set of keys it is still the current home
// for. globalIndex reflects every earlier segment's surviving state and
// is consulted (and occasionally corrected) as this segment's DELs and
// dangling ADDs are processed.
func (st *Store) replaySegment(n int, p *segment.Pair, globalIndex map[binfmt.Key]binfmt.ItemIndex) (int, map[binfmt.Key]binfmt.ItemIndex, error) {
	logLen, err := p.LogLength()
	if err != nil {
		return 0, nil, err
	}
	count := logLen / binfmt.OpItemBytes

	localIndex := make(map[binfmt.Key]binfmt.ItemIndex)
	refCount := 0

	for i := int64(0); i < count; i++ {
		op, err := p.ReadLogAt(i * binfmt.OpItemBytes)
		if err != nil {
			log.Printf("finjournal: segment %d log entry %d unreadable, stopping replay: %v", n, i, err)
			break
		}

		switch op.Op {
		case binfmt.OpAdd:
			if old, ok := globalIndex[op.Key]; ok {
				// Update-without-DEL anomaly: the key already has a live
				// record elsewhere. Heal it by synthesizing the missing DEL
				// against the segment that still holds it.
				st.healDanglingAdd(old, op.Key)
				delete(globalIndex, op.Key)
			}
			if _, dup := localIndex[op.Key]; !dup {
				refCount++
			}
			localIndex[op.Key] = binfmt.ItemIndex{Segment: op.Segment, Offset: op.Offset}

		case binfmt.OpDel:
			if _, ok := localIndex[op.Key]; ok {
				delete(localIndex, op.Key)
				refCount--
			} else if old, ok := globalIndex[op.Key]; ok {
				if owner, ok := st.segments[int(old.Segment)]; ok {
					owner.Decrement()
				}
				delete(globalIndex, op.Key)
			}
			// Else: DEL with no matching live record anywhere. This is
			// expected for a DEL replayed against a key whose ADD was
			// itself healed away earlier in this same pass; nothing to do.

		default:
			log.Printf("finjournal: segment %d log entry %d has unknown op byte %d, skipping", n, i, op.Op)
		}
	}

	return refCount, localIndex, nil
}

// healDanglingAdd cancels old's record directly: appends a DEL log entry
// to the segment that holds it and decrements that segment's refcount.
// It never touches globalIndex itself; callers own that bookkeeping.
func (st *Store) healDanglingAdd(old binfmt.ItemIndex, key binfmt.Key) {
	owner, ok := st.segments[int(old.Segment)]
	if !ok {
		return
	}
	del := binfmt.OpItem{Op: binfmt.OpDel, Key: key, Segment: old.Segment}
	if err := owner.AppendLog(del); err != nil {
		log.Printf("finjournal: failed to heal dangling add for segment %d: %v", old.Segment, err)
		return
	}
	owner.Decrement()
}

// validateInvariants enforces spec.md §4.7's post-recovery check: every
// registered segment other than the newest must be full and still in
// use.
func (st *Store) validateInvariants() error {
	if len(st.segments) == 0 {
		return nil
	}
	max := 0
	for n := range st.segments {
		if n > max {
			max = n
		}
	}
	for n, p := range st.segments {
		if n == max {
			continue
		}
		if p.Length() < st.opts.FileSize || p.RefCount() <= 0 {
			return fmt.Errorf("%w: segment %d (length=%d refcount=%d)", errs.ErrInconsistent, n, p.Length(), p.RefCount())
		}
	}
	return nil
}

func listSegmentNumbers(path, name string) ([]int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list segment dir %s: %w", path, err)
	}

	prefix := name + "."
	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := filepath.Base(e.Name())
		if !strings.HasPrefix(base, prefix) {
			continue
		}
		suffix := base[len(prefix):]
		if strings.Contains(suffix, ".") {
			continue // skip the .log companion files
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}
