package promise

import (
	"testing"
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
)

func TestMutexFIFOFairness(t *testing.T) {
	l := newTestLoop(t)
	m := NewMutex(l)

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		l.Spawn(func() (any, error) {
			if _, err := Await(m.Acquire()); err != nil {
				return nil, err
			}
			order = append(order, i)
			Await(Delay(l, 10*time.Millisecond).Promise)
			return nil, m.Release()
		})
	}

	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("critical section entered %d times, want 4", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("acquisition order %v, want spawn order", order)
		}
	}
}

func TestMutexDirectHandoff(t *testing.T) {
	l := newTestLoop(t)
	m := NewMutex(l)

	if !m.TryAcquire() {
		t.Fatal("try-acquire of a free mutex failed")
	}

	waiterGot := false
	m.Acquire().Then(func(any) (any, error) {
		waiterGot = true
		return nil, nil
	}, nil)

	// A later acquirer must queue behind the waiter even during handoff.
	lateGot := false
	l.NextTick(func() {
		if err := m.Release(); err != nil {
			t.Errorf("release: %v", err)
		}
		m.Acquire().Then(func(any) (any, error) {
			lateGot = true
			return nil, nil
		}, nil)
	})

	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !waiterGot {
		t.Fatal("queued waiter never acquired")
	}
	if lateGot {
		t.Error("late acquirer cut in front of the handed-off owner")
	}
	if !m.Locked() {
		t.Error("mutex unlocked while the waiter owns it")
	}
}

func TestMutexDoubleReleaseIsUsageError(t *testing.T) {
	l := newTestLoop(t)
	m := NewMutex(l)

	if !m.TryAcquire() {
		t.Fatal("try-acquire failed")
	}
	if err := m.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := m.Release(); err == nil {
		t.Fatal("double release did not error")
	}
}

func TestWithLockReleasesOnFailure(t *testing.T) {
	l := newTestLoop(t)
	m := NewMutex(l)

	m.WithLock(func() *Promise {
		return Reject(l, &UsageError{Msg: "inner failure"})
	}).Catch(func(err error) (any, error) {
		return nil, nil
	})

	acquired := false
	m.Acquire().Then(func(any) (any, error) {
		acquired = true
		return nil, m.Release()
	}, nil)

	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !acquired {
		t.Fatal("mutex not released after a failing critical section")
	}
	if m.Locked() {
		t.Error("mutex still locked after all releases")
	}
}

func TestDelayResolvesAfterDuration(t *testing.T) {
	l := newTestLoop(t)

	start := time.Now()
	_, err := Run(l, func() (any, error) {
		return Await(Delay(l, 30*time.Millisecond).Promise)
	})
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("delay resolved after %s, want >=30ms", elapsed)
	}
}

func newTestLoopTuned(t *testing.T, tuning loop.Tuning) *loop.Loop {
	t.Helper()
	l, err := loop.New(tuning)
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestMutexExclusiveUnderContention(t *testing.T) {
	l := newTestLoopTuned(t, loop.Tuning{MaxSlice: 100 * time.Microsecond})
	m := NewMutex(l)

	held := false
	for i := 0; i < 8; i++ {
		m.WithLock(func() *Promise {
			if held {
				t.Error("two owners inside the critical section")
			}
			held = true
			return Delay(l, time.Millisecond).Finally(func() error {
				held = false
				return nil
			})
		})
	}
	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
}
