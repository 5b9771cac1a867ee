package loop

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// timer is a single scheduled callback.
type timer struct {
	id       string
	deadline time.Time
	seq      uint64 // insertion order, breaks deadline ties
	cb       func()
	index    int // heap index, -1 once removed
}

// timerHeap is a min-heap ordered by deadline, then insertion order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerWheel schedules callbacks against a monotonic clock. Timers with
// equal deadlines fire in insertion order.
type timerWheel struct {
	heap timerHeap
	byID map[string]*timer
	seq  uint64
}

func newTimerWheel() *timerWheel {
	return &timerWheel{byID: make(map[string]*timer)}
}

// Add schedules cb to run after delay and returns an opaque timer id.
func (w *timerWheel) Add(delay time.Duration, cb func()) string {
	if delay < 0 {
		delay = 0
	}
	w.seq++
	t := &timer{
		id:       uuid.NewString(),
		deadline: time.Now().Add(delay),
		seq:      w.seq,
		cb:       cb,
	}
	heap.Push(&w.heap, t)
	w.byID[t.id] = t
	return t.id
}

// Cancel removes a pending timer. Cancelling an unknown or already-fired
// timer is a no-op returning false.
func (w *timerWheel) Cancel(id string) bool {
	t, ok := w.byID[id]
	if !ok {
		return false
	}
	delete(w.byID, id)
	heap.Remove(&w.heap, t.index)
	return true
}

// DrainReady fires every timer whose deadline is at or before now, in
// non-decreasing deadline order, and returns the fired count.
func (w *timerWheel) DrainReady(now time.Time) int {
	fired := 0
	for len(w.heap) > 0 && !w.heap[0].deadline.After(now) {
		t := heap.Pop(&w.heap).(*timer)
		delete(w.byID, t.id)
		runCallback("timer", t.cb)
		fired++
	}
	return fired
}

// NextDeadline returns the earliest pending deadline, if any.
func (w *timerWheel) NextDeadline() (time.Time, bool) {
	if len(w.heap) == 0 {
		return time.Time{}, false
	}
	return w.heap[0].deadline, true
}

// Len returns the number of pending timers.
func (w *timerWheel) Len() int {
	return len(w.heap)
}
