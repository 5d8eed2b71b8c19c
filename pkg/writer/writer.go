// Package writer implements the single dedicated background writer
// goroutine that serializes all mutations onto the active segment: it
// batches pending requests per wakeup, appends each to the data and log
// files, group-fsyncs once per batch, and keeps an in-flight buffer so
// readers can see a write before its fsync lands (spec.md §4.4, §7).
package writer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ferdiknight/finjournal/internal/binfmt"
	"github.com/ferdiknight/finjournal/pkg/segment"
)

// Request is one pending mutation: an ADD carries Value, a DEL does not.
// Sync, when true, holds the Result back until the batch this request
// lands in has been fsynced (spec.md §4.5: "if sync, blocks until this
// op is fsynced"); a non-sync caller still gets its Result as soon as
// the op is applied, well before fsync, so it can update the in-memory
// index without waiting on disk.
type Request struct {
	Op    byte
	Key   binfmt.Key
	Value []byte
	Sync  bool
}

// Result is delivered back to the caller once a Request has been applied
// to the active segment (but not necessarily fsynced yet).
type Result struct {
	Item binfmt.OpItem
	Err  error
}

// opBarrier is a private op code for Sync's no-op barrier request: it
// never appears in binfmt (it's never written to a log), it only rides
// through the batching machinery to pick up the next fsync.
const opBarrier byte = 0

// Opener is called by the writer when the active segment can no longer
// fit the next record; it must return a freshly opened segment to become
// the new active one.
type Opener func() (*segment.Pair, error)

type job struct {
	req  Request
	resp chan Result
}

// Writer is the store-wide background writer. Exactly one goroutine
// drains its request channel and performs all on-disk mutation; callers
// never touch segment files directly.
type Writer struct {
	mu     sync.Mutex
	active *segment.Pair
	opener Opener

	maxFileSize   int64
	maxBatchBytes int64

	reqChan  chan job
	stopChan chan struct{}
	wg       sync.WaitGroup

	syncInterval time.Duration
	syncTicker   *time.Ticker

	inFlightMu sync.RWMutex
	inFlight   map[binfmt.Key]binfmt.OpItem
}

// New starts a Writer whose active segment is initial, rolling over via
// opener when initial (or any later segment) would overflow maxFileSize.
// maxBatchBytes bounds how much buffered write volume (value bytes plus
// each request's OpItem width) a single batch drains before it is applied
// and fsynced, per spec.md §4.5/§6's MAX_BATCH_SIZE.
func New(initial *segment.Pair, opener Opener, maxFileSize int64, maxBatchBytes int64, syncInterval time.Duration) *Writer {
	if maxBatchBytes <= 0 {
		maxBatchBytes = 4 << 20
	}
	w := &Writer{
		active:        initial,
		opener:        opener,
		maxFileSize:   maxFileSize,
		maxBatchBytes: maxBatchBytes,
		reqChan:       make(chan job, 1024),
		stopChan:      make(chan struct{}),
		syncInterval:  syncInterval,
		inFlight:      make(map[binfmt.Key]binfmt.OpItem),
	}
	if syncInterval > 0 {
		w.syncTicker = time.NewTicker(syncInterval)
	}

	w.wg.Add(1)
	go w.run()
	if w.syncTicker != nil {
		w.wg.Add(1)
		go w.autoSync()
	}
	return w
}

// Submit enqueues req and returns a channel that receives its Result.
func (w *Writer) Submit(req Request) <-chan Result {
	resp := make(chan Result, 1)
	select {
	case w.reqChan <- job{req: req, resp: resp}:
	case <-w.stopChan:
		resp <- Result{Err: fmt.Errorf("writer is closed")}
		close(resp)
	}
	return resp
}

// Peek returns the most recently written (possibly not yet fsynced)
// OpItem for key, letting readers see dirty writes ahead of sync.
func (w *Writer) Peek(key binfmt.Key) (binfmt.OpItem, bool) {
	w.inFlightMu.RLock()
	defer w.inFlightMu.RUnlock()
	item, ok := w.inFlight[key]
	return item, ok
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case j, ok := <-w.reqChan:
			if !ok {
				return
			}
			batch := []job{j}
			batched := requestBytes(j.req)
			draining := true
			for draining && batched < w.maxBatchBytes {
				select {
				case j2, ok := <-w.reqChan:
					if !ok {
						draining = false
						break
					}
					batch = append(batch, j2)
					batched += requestBytes(j2.req)
				default:
					draining = false
				}
			}
			w.applyBatch(batch)
		case <-w.stopChan:
			return
		}
	}
}

// requestBytes estimates req's contribution to buffered write volume: its
// value bytes, if any, plus the fixed OpItem width every request appends
// to the log regardless of op.
func requestBytes(req Request) int64 {
	return int64(len(req.Value)) + int64(binfmt.OpItemBytes)
}

type pendingResult struct {
	resp chan Result
	item binfmt.OpItem
}

func (w *Writer) applyBatch(batch []job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var deferred []pendingResult
	var syncErr error
	for _, j := range batch {
		before := w.active
		item, err := w.applyOne(j.req)
		if w.active != before && syncErr == nil {
			// Rolled over mid-batch: the segment left behind holds earlier
			// requests of this batch, so it is fsynced too.
			syncErr = before.SyncData()
			if syncErr == nil {
				syncErr = before.SyncLog()
			}
		}
		if err == nil {
			w.inFlightMu.Lock()
			w.inFlight[j.req.Key] = item
			w.inFlightMu.Unlock()
		}
		if j.req.Sync && err == nil {
			deferred = append(deferred, pendingResult{resp: j.resp, item: item})
			continue
		}
		j.resp <- Result{Item: item, Err: err}
		close(j.resp)
	}

	if syncErr == nil {
		syncErr = w.active.SyncData()
	}
	if syncErr == nil {
		syncErr = w.active.SyncLog()
	}

	for _, d := range deferred {
		d.resp <- Result{Item: d.item, Err: syncErr}
		close(d.resp)
	}

	w.inFlightMu.Lock()
	w.inFlight = make(map[binfmt.Key]binfmt.OpItem)
	w.inFlightMu.Unlock()
}

// applyOne appends req to the active segment, rolling over first if the
// record wouldn't fit. A DEL carries no value bytes: it only needs a log
// entry (offset/length are left zero), so it never touches the data file.
// The writer never adjusts any segment's refcount for a DEL — it doesn't
// know which segment holds the record being cancelled. The coordinator
// decrements that segment directly once the write lands (spec.md §4.7
// update/remove).
func (w *Writer) applyOne(req Request) (binfmt.OpItem, error) {
	if req.Op == opBarrier {
		// A pure sync barrier (see Sync): ride along in the batch,
		// touch neither file, just wait for the shared fsync below.
		return binfmt.OpItem{}, nil
	}

	var needed int64
	if req.Op == binfmt.OpAdd {
		needed = int64(segment.RecordOverheadBytes + len(req.Value))
	}
	if w.active.Length()+needed > w.maxFileSize {
		next, err := w.opener()
		if err != nil {
			return binfmt.OpItem{}, fmt.Errorf("roll segment: %w", err)
		}
		w.active = next
	}

	item := binfmt.OpItem{
		Op:      req.Op,
		Key:     req.Key,
		Segment: uint32(w.active.Number),
	}

	if req.Op == binfmt.OpAdd {
		offset, err := w.active.Append(req.Value)
		if err != nil {
			return binfmt.OpItem{}, err
		}
		item.Offset = uint64(offset)
		item.Length = uint32(len(req.Value))
	}

	if err := w.active.AppendLog(item); err != nil {
		return binfmt.OpItem{}, err
	}
	if req.Op == binfmt.OpAdd {
		w.active.Increment()
	}
	return item, nil
}

func (w *Writer) autoSync() {
	defer w.wg.Done()
	for {
		select {
		case <-w.syncTicker.C:
			w.mu.Lock()
			_ = w.active.SyncData()
			_ = w.active.SyncLog()
			w.mu.Unlock()
		case <-w.stopChan:
			return
		}
	}
}

// Sync blocks until every request enqueued before this call has been
// fsynced (spec.md §4.5): it enqueues a no-op barrier with Sync=true and
// waits for it the same way a sync=true Store/Remove would.
func (w *Writer) Sync() error {
	resp := w.Submit(Request{Op: opBarrier, Sync: true})
	result := <-resp
	return result.Err
}

// ActiveSegmentNumber reports the segment currently receiving writes.
func (w *Writer) ActiveSegmentNumber() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Number
}

// Close stops the background goroutines and performs a final sync.
func (w *Writer) Close() error {
	close(w.stopChan)
	if w.syncTicker != nil {
		w.syncTicker.Stop()
	}
	close(w.reqChan)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.active.SyncData(); err != nil {
		return err
	}
	return w.active.SyncLog()
}
