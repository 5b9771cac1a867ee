package loop

import (
	"log/slog"
	"runtime/debug"
)

// tickQueues holds the two callback queues drained at the edges of every
// loop iteration: nextTick runs first, deferred runs last.
type tickQueues struct {
	next     []func()
	deferred []func()
}

func newTickQueues() *tickQueues {
	return &tickQueues{}
}

// AddNextTick appends a callback to the high-priority queue.
func (q *tickQueues) AddNextTick(cb func()) {
	q.next = append(q.next, cb)
}

// AddDeferred appends a callback to the end-of-iteration queue.
func (q *tickQueues) AddDeferred(cb func()) {
	q.deferred = append(q.deferred, cb)
}

// DrainNextTick runs next-tick callbacks until the queue is empty.
// Callbacks enqueued while draining run in the same phase.
func (q *tickQueues) DrainNextTick() int {
	ran := 0
	for len(q.next) > 0 {
		batch := q.next
		q.next = nil
		for _, cb := range batch {
			runCallback("next_tick", cb)
			ran++
		}
	}
	return ran
}

// DrainDeferred runs a snapshot of the deferred queue. Callbacks enqueued
// while draining run on the next iteration.
func (q *tickQueues) DrainDeferred() int {
	batch := q.deferred
	q.deferred = nil
	for _, cb := range batch {
		runCallback("deferred", cb)
	}
	return len(batch)
}

// HasWork reports whether either queue holds pending callbacks.
func (q *tickQueues) HasWork() bool {
	return len(q.next) > 0 || len(q.deferred) > 0
}

// runCallback invokes cb, recovering and logging any panic so a broken
// callback cannot abort the loop.
func runCallback(phase string, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("callback panicked", "phase", phase, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	cb()
}
