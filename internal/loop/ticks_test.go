package loop

import (
	"testing"
)

func TestNextTickDrainsNewlyAdded(t *testing.T) {
	q := newTickQueues()

	var order []string
	q.AddNextTick(func() {
		order = append(order, "a")
		q.AddNextTick(func() { order = append(order, "nested") })
	})
	q.AddNextTick(func() { order = append(order, "b") })

	if n := q.DrainNextTick(); n != 3 {
		t.Fatalf("drained %d callbacks, want 3", n)
	}
	want := []string{"a", "b", "nested"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestDeferredDrainsSnapshotOnly(t *testing.T) {
	q := newTickQueues()

	ran := 0
	q.AddDeferred(func() {
		ran++
		q.AddDeferred(func() { ran++ })
	})

	if n := q.DrainDeferred(); n != 1 {
		t.Fatalf("drained %d, want 1 (snapshot)", n)
	}
	if ran != 1 {
		t.Fatalf("ran %d, want 1", ran)
	}
	// The nested callback runs on the next drain.
	if n := q.DrainDeferred(); n != 1 {
		t.Fatalf("second drain ran %d, want 1", n)
	}
	if ran != 2 {
		t.Fatalf("ran %d, want 2", ran)
	}
}

func TestCallbackPanicDoesNotAbort(t *testing.T) {
	q := newTickQueues()

	ran := false
	q.AddNextTick(func() { panic("boom") })
	q.AddNextTick(func() { ran = true })

	q.DrainNextTick()
	if !ran {
		t.Error("callback after a panicking one did not run")
	}
}

func TestTickOrderingWithinIteration(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	l.Defer(func() { order = append(order, "deferred") })
	l.NextTick(func() { order = append(order, "tick") })
	l.AddTimer(0, func() { order = append(order, "timer") })

	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"tick", "timer", "deferred"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}
