package promise

import (
	"errors"
	"testing"
	"time"
)

func TestAwaitInFiber(t *testing.T) {
	l := newTestLoop(t)

	start := time.Now()
	v, err := Run(l, func() (any, error) {
		if _, err := Await(Delay(l, 100*time.Millisecond).Promise); err != nil {
			return nil, err
		}
		return "ok", nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
	if v != "ok" {
		t.Fatalf("fiber value %v, want ok", v)
	}
	if elapsed < 90*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("await took %s, want ~100ms", elapsed)
	}
	if l.HasActiveFibers() {
		t.Error("fiber still active after Run returned")
	}
}

func TestAwaitRejectionRaisesInFiber(t *testing.T) {
	l := newTestLoop(t)

	boom := errors.New("boom")
	_, err := Run(l, func() (any, error) {
		p, _, reject := New(l)
		l.AddTimer(5*time.Millisecond, func() { reject(boom) })
		return Await(p)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("fiber error %v, want boom", err)
	}
}

func TestAwaitSettledPromiseReturnsImmediately(t *testing.T) {
	l := newTestLoop(t)

	v, err := Run(l, func() (any, error) {
		return Await(Resolved(l, 123))
	})
	if err != nil || v != 123 {
		t.Fatalf("await settled: %v/%v", v, err)
	}
}

func TestAwaitOutsideFiberDrivesLoop(t *testing.T) {
	l := newTestLoop(t)

	v, err := Await(Delay(l, 10*time.Millisecond).Then(func(any) (any, error) {
		return "driven", nil
	}, nil))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if v != "driven" {
		t.Fatalf("await value %v", v)
	}
}

func TestAwaitInsideLoopCallbackIsUsageError(t *testing.T) {
	l := newTestLoop(t)

	var got error
	l.NextTick(func() {
		_, got = Await(Delay(l, time.Hour).Promise)
	})
	// The dangling delay timer would keep the loop alive; stop explicitly.
	l.AddTimer(10*time.Millisecond, l.Stop)
	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	var ue *UsageError
	if !errors.As(got, &ue) {
		t.Fatalf("await inside callback returned %v, want UsageError", got)
	}
}

func TestNestedFibersInterleave(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	v, err := Run(l, func() (any, error) {
		inner := l.Spawn(func() (any, error) {
			order = append(order, "inner-start")
			Await(Delay(l, 5*time.Millisecond).Promise)
			order = append(order, "inner-end")
			return 7, nil
		})
		order = append(order, "outer-waiting")
		p, resolve, _ := New(l)
		var poll func()
		poll = func() {
			if inner.Done() {
				resolve(inner.Value())
				return
			}
			l.AddTimer(time.Millisecond, poll)
		}
		poll()
		return Await(p)
	})
	if err != nil {
		t.Fatalf("fiber: %v", err)
	}
	if v != 7 {
		t.Fatalf("outer fiber got %v, want 7", v)
	}
	if len(order) != 3 || order[0] != "outer-waiting" {
		t.Fatalf("interleaving order %v", order)
	}
}
