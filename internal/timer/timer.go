// Package timer implements the sequence timer: ordered timeout queues
// keyed by timeout duration, giving O(1) insert and O(1) expiry for the many
// timers of identical duration that the RPC engine, broadcast manager, and
// main loop all create.
//
// The structure is a map of timeout-bucket -> FIFO queue of items, plus a
// secondary id -> item index for Stop. Because the queue is insertion-ordered
// and every item in a bucket shares the same timeout_ms, the head of each
// bucket is always the next one due.
package timer

import (
	"sync"
	"time"
)

// Disposition is the contract a fired callback returns, shared with
// internal/session's OnTimeout callback.
type Disposition int32

const (
	// Remove stops and deletes the timer.
	Remove Disposition = -1
	// Continue re-arms the timer in the same bucket.
	Continue Disposition = 0
	// Reset, when positive, re-arms the timer into the bucket named by the
	// disposition's own value (milliseconds).
)

// Callback is invoked on timeout. A return value < 0 means Remove, == 0
// means Continue (re-arm in the same bucket), and > 0 re-arms the timer in
// the bucket named by the returned duration in milliseconds.
type Callback func() int32

type item struct {
	id       int64
	deadline time.Time
	bucketMs int64
	stopped  bool
	cb       Callback
}

// Wheel is a bucketed sequence timer. It is not safe for concurrent use by
// more than one goroutine; callers (the main loop) must serialize access.
type Wheel struct {
	mu      sync.Mutex
	nextID  int64
	buckets map[int64][]*item // timeout_ms -> FIFO queue
	byID    map[int64]*item
	now     func() time.Time
}

// New builds an empty timer wheel. nowFn defaults to time.Now and is
// overridable for deterministic tests.
func New(nowFn func() time.Time) *Wheel {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Wheel{
		buckets: make(map[int64][]*item),
		byID:    make(map[int64]*item),
		now:     nowFn,
	}
}

// Start arms a new timer. timeoutMs must be > 0 and cb must be non-nil.
func (w *Wheel) Start(timeoutMs int64, cb Callback) (int64, error) {
	if timeoutMs <= 0 {
		return 0, errInvalidParam("timeout_ms must be > 0")
	}
	if cb == nil {
		return 0, errInvalidParam("callback must not be nil")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	it := &item{
		id:       w.nextID,
		deadline: w.now().Add(time.Duration(timeoutMs) * time.Millisecond),
		bucketMs: timeoutMs,
		cb:       cb,
	}
	w.buckets[timeoutMs] = append(w.buckets[timeoutMs], it)
	w.byID[it.id] = it
	return it.id, nil
}

// Stop marks a timer stopped. Stopping an unknown id is not fatal: it
// returns ErrNotFound but the caller may treat that as idempotent.
func (w *Wheel) Stop(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	it, ok := w.byID[id]
	if !ok {
		return ErrNotFound
	}
	it.stopped = true
	delete(w.byID, id)
	return nil
}

// Tick pops every item whose deadline has passed, in (bucket, insertion
// order), and invokes its callback. The scan restarts whenever the bucket
// map's membership changes mid-tick (a callback starting a brand new
// duration bucket), so a callback that arms further timers is always safe.
func (w *Wheel) Tick(now time.Time) int {
	fired := 0
	for {
		w.mu.Lock()
		bucketCount := len(w.buckets)
		var durations []int64
		for d := range w.buckets {
			durations = append(durations, d)
		}
		w.mu.Unlock()

		progressed := false
		for _, d := range durations {
			for {
				w.mu.Lock()
				q := w.buckets[d]
				if len(q) == 0 {
					delete(w.buckets, d)
					w.mu.Unlock()
					break
				}
				head := q[0]
				if head.stopped {
					w.buckets[d] = q[1:]
					w.mu.Unlock()
					progressed = true
					continue
				}
				if head.deadline.After(now) {
					w.mu.Unlock()
					break
				}
				w.buckets[d] = q[1:]
				delete(w.byID, head.id)
				w.mu.Unlock()

				fired++
				progressed = true
				disp := head.cb()
				w.rearm(head, disp, now)
			}

			w.mu.Lock()
			changed := len(w.buckets) != bucketCount
			w.mu.Unlock()
			if changed {
				progressed = true
				break // outer scan restarts: bucket set mutated mid-tick
			}
		}
		if !progressed {
			return fired
		}
	}
}

func (w *Wheel) rearm(it *item, disposition int32, now time.Time) {
	if disposition < 0 {
		return
	}
	bucket := it.bucketMs
	if disposition > 0 {
		bucket = int64(disposition)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	it.stopped = false
	it.bucketMs = bucket
	it.deadline = now.Add(time.Duration(bucket) * time.Millisecond)
	w.buckets[bucket] = append(w.buckets[bucket], it)
	w.byID[it.id] = it
}

// Len reports the number of live (non-stopped) timers across all buckets.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byID)
}
