package loop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadReadiness(t *testing.T) {
	p, err := newPoller()
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	defer p.close()

	r, w := testPipe(t)

	fired := false
	p.AddRead(r, func() { fired = true })

	if n := p.Poll(0); n != 0 {
		t.Fatalf("poll fired %d callbacks on an empty pipe", n)
	}

	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := p.Poll(time.Second); n != 1 {
		t.Fatalf("poll fired %d callbacks, want 1", n)
	}
	if !fired {
		t.Error("read callback did not fire")
	}
	// One-shot: the watcher is gone.
	if p.Len() != 0 {
		t.Errorf("watcher count %d after one-shot fire, want 0", p.Len())
	}
}

func TestPollerWriteReadiness(t *testing.T) {
	p, err := newPoller()
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	defer p.close()

	_, w := testPipe(t)

	fired := false
	p.AddWrite(w, func() { fired = true })
	if n := p.Poll(time.Second); n != 1 {
		t.Fatalf("poll fired %d, want 1 (empty pipe is writable)", n)
	}
	if !fired {
		t.Error("write callback did not fire")
	}
}

func TestPollerRemoveAndClear(t *testing.T) {
	p, err := newPoller()
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	defer p.close()

	r, w := testPipe(t)
	id := p.AddRead(r, func() { t.Error("removed watcher fired") })
	if !p.Remove(id) {
		t.Error("remove of live watcher returned false")
	}
	if p.Remove(id) {
		t.Error("second remove returned true")
	}

	p.AddRead(r, func() { t.Error("cleared watcher fired") })
	p.AddRead(r, func() { t.Error("cleared watcher fired") })
	p.Clear(r)
	if p.Len() != 0 {
		t.Fatalf("watcher count %d after clear, want 0", p.Len())
	}

	unix.Write(w, []byte{1})
	p.Poll(0)
}

func TestPollerWakeupInterruptsBlock(t *testing.T) {
	p, err := newPoller()
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	defer p.close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wakeup()
	}()

	start := time.Now()
	p.Poll(2 * time.Second)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("wakeup took %s to interrupt poll", elapsed)
	}
}
