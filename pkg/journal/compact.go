package journal

import (
	"log"
	"time"

	"github.com/ferdiknight/finjournal/config"
	"github.com/ferdiknight/finjournal/internal/binfmt"
)

// runCompactionLoop is the background "check" ticker grounded on
// JournalStore.check/calcDelay and storage/bitcask/bitcask.go's autoMerge
// goroutine: it periodically ages out stale keys, migrates long-lived
// keys into the active segment so their old segment can be reclaimed,
// and reclaims any segment left with no live records.
func (st *Store) runCompactionLoop() {
	defer st.compactWG.Done()

	interval := st.opts.CompactionCheckInterval
	if interval <= 0 {
		interval = defaultCompactionInterval
	}

	for {
		wait := st.rnd.JitterDuration(interval, 0.2)
		select {
		case <-time.After(wait):
			st.check()
		case <-st.compactStopChan:
			return
		}
	}
}

const defaultCompactionInterval = time.Hour

// check runs one compaction pass: spec.md §7's time-based reuse/remove
// thresholds plus a ratio-based forced merge for segments whose dead
// space has grown past MinMergeRatio regardless of key age.
func (st *Store) check() {
	tunables := config.Get()
	now := nowMillis()

	st.lastModMu.RLock()
	snapshot := make(map[binfmt.Key]int64, len(st.lastModified))
	for k, ts := range st.lastModified {
		snapshot[k] = ts
	}
	st.lastModMu.RUnlock()

	removed, reused := 0, 0
	for key, ts := range snapshot {
		age := time.Duration(now-ts) * time.Millisecond
		switch {
		case tunables.IntervalForRemove > 0 && age >= tunables.IntervalForRemove:
			if ok, err := st.innerRemove(key, false); err != nil {
				log.Printf("finjournal: compaction remove failed for a key: %v", err)
			} else if ok {
				removed++
			}
		case tunables.IntervalForCompact > 0 && age >= tunables.IntervalForCompact:
			if err := st.reuse(key, ts); err != nil {
				log.Printf("finjournal: compaction reuse failed for a key: %v", err)
			} else {
				reused++
			}
		}
	}

	forced := st.forceMergeOverRatio(tunables.MinMergeRatio)
	reclaimed := st.reclaimUnusedSegments()

	if removed+reused+forced+reclaimed > 0 {
		log.Printf("finjournal: compaction pass: removed=%d reused=%d forced=%d reclaimed_segments=%d",
			removed, reused, forced, reclaimed)
	}
}

// reuse rewrites key's current value into the active segment, preserving
// its original last-modified time (spec.md §4.7's "compaction re-add"),
// and cancels the old record by decrementing its segment's refcount.
// Unlike Update, it writes no DEL log entry for the old record.
func (st *Store) reuse(key binfmt.Key, originalTime int64) error {
	old, found, err := st.index.Get(key)
	if err != nil || !found {
		return err
	}

	st.mu.RLock()
	oldSeg, ok := st.segments[int(old.Segment)]
	st.mu.RUnlock()
	if !ok {
		return nil
	}
	value, err := oldSeg.ReadValue(int64(old.Offset))
	if err != nil {
		return err
	}

	newOp, err := st.innerAdd(key, value, false, originalTime)
	if err != nil {
		return err
	}
	if newOp.Segment == old.Segment {
		// Landed back in the same segment (e.g. it's still active): the
		// extra increment innerAdd performed cancels out with the old
		// record it is logically replacing.
		oldSeg.Decrement()
		return nil
	}
	oldSeg.Decrement()
	return nil
}

// forceMergeOverRatio scans inactive segments for one whose dead
// space (cancelled ADDs and DELs as a fraction of all log entries ever
// written) exceeds ratio, and reuses every key still living there
// regardless of age. Grounded on storage/bitcask/bitcask.go's
// EstimateInvalidRatio/autoMerge.
func (st *Store) forceMergeOverRatio(ratio float64) int {
	if ratio <= 0 {
		return 0
	}

	st.mu.RLock()
	var targets []int
	for n, seg := range st.segments {
		if n == st.activeNum {
			continue
		}
		opCount := seg.OpCount()
		if opCount == 0 {
			continue
		}
		invalid := 1 - float64(seg.RefCount())/float64(opCount)
		if invalid >= ratio {
			targets = append(targets, n)
		}
	}
	st.mu.RUnlock()

	forced := 0
	for _, n := range targets {
		keys, ts := st.keysInSegment(n)
		for i, key := range keys {
			if err := st.reuse(key, ts[i]); err != nil {
				log.Printf("finjournal: forced merge failed for segment %d: %v", n, err)
				continue
			}
			forced++
		}
	}
	return forced
}

func (st *Store) keysInSegment(n int) ([]binfmt.Key, []int64) {
	var keys []binfmt.Key
	var times []int64
	_ = st.index.Foreach(func(key binfmt.Key, item binfmt.ItemIndex) bool {
		if int(item.Segment) == n {
			keys = append(keys, key)
			ts, ok := st.getLastModified(key)
			if !ok {
				ts = nowMillis()
			}
			times = append(times, ts)
		}
		return true
	})
	return keys, times
}

// reclaimUnusedSegments closes and deletes any full, inactive segment
// left with no live records, per spec.md §4.4's deletion eligibility
// rule.
func (st *Store) reclaimUnusedSegments() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	reclaimed := 0
	for n, seg := range st.segments {
		if n == st.activeNum {
			continue
		}
		if seg.Length() < st.opts.FileSize || !seg.IsUnused() {
			continue
		}
		if err := seg.Close(); err != nil {
			log.Printf("finjournal: close segment %d for reclaim: %v", n, err)
			continue
		}
		if err := seg.Delete(); err != nil {
			log.Printf("finjournal: delete segment %d: %v", n, err)
			continue
		}
		delete(st.segments, n)
		reclaimed++
	}
	return reclaimed
}
