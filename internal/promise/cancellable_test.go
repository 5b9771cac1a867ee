package promise

import (
	"testing"
	"time"
)

func TestCancelRejectsWithCancellationError(t *testing.T) {
	l := newTestLoop(t)

	p := Delay(l, time.Second)
	l.AddTimer(50*time.Millisecond, func() {
		if !p.Cancel() {
			t.Error("cancel of pending delay returned false")
		}
	})

	start := time.Now()
	_, err := Run(l, func() (any, error) {
		return Await(p.Promise)
	})
	elapsed := time.Since(start)

	if !IsCancelled(err) {
		t.Fatalf("await of cancelled promise returned %v, want cancellation", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("cancellation observed after %s, want ~50ms", elapsed)
	}
}

func TestCancelHandlerRunsOnce(t *testing.T) {
	l := newTestLoop(t)

	runs := 0
	c, _, _ := NewCancellable(l)
	c.OnCancel(func() { runs++ })
	c.Catch(func(error) (any, error) { return nil, nil })

	c.Cancel()
	if c.Cancel() {
		t.Error("second cancel returned true")
	}
	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if runs != 1 {
		t.Fatalf("cancel handler ran %d times", runs)
	}
}

func TestCancelAfterSettlementIsNoop(t *testing.T) {
	l := newTestLoop(t)

	c, resolve, _ := NewCancellable(l)
	resolve("done")
	if c.Cancel() {
		t.Error("cancel after settlement returned true")
	}
	if !c.IsFulfilled() {
		t.Error("cancel changed a settled promise's state")
	}
}

func TestCancelledRootSkipsDownstreamFulfillment(t *testing.T) {
	l := newTestLoop(t)

	c, resolve, _ := NewCancellable(l)

	downstreamRan := false
	var downstreamErr error
	chained := c.Then(func(any) (any, error) {
		downstreamRan = true
		return nil, nil
	}, nil)
	chained.Catch(func(err error) (any, error) {
		downstreamErr = err
		return nil, nil
	})

	c.Cancel()
	resolve("never seen")

	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if downstreamRan {
		t.Error("downstream fulfillment handler ran after root cancellation")
	}
	if !IsCancelled(downstreamErr) {
		t.Errorf("downstream observed %v, want cancellation", downstreamErr)
	}
}

func TestCancelStopsBoundTimer(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	c := SetTimeout(l, 50*time.Millisecond, func() (any, error) {
		fired = true
		return nil, nil
	})
	c.Catch(func(error) (any, error) { return nil, nil })
	c.Cancel()

	start := time.Now()
	if err := l.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fired {
		t.Error("cancelled timer callback fired")
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("loop ran %s after cancel, timer not removed", elapsed)
	}
}
