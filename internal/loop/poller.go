package loop

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// WatchType selects the readiness condition a watcher waits for.
type WatchType int

const (
	WatchRead WatchType = iota
	WatchWrite
)

// fdWatcher pairs a file descriptor with a readiness callback. Watchers are
// one-shot: they are removed before the callback fires and must be
// re-registered explicitly.
type fdWatcher struct {
	id   string
	fd   int
	typ  WatchType
	cb   func()
	once bool
}

// poller multiplexes file-descriptor readiness through poll(2). A self-pipe
// lets other goroutines interrupt a blocking Poll.
type poller struct {
	watchers map[string]*fdWatcher
	byFD     map[int][]*fdWatcher

	wakeRead  int
	wakeWrite int
	wakeFlag  atomic.Bool
}

func newPoller() (*poller, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating wakeup pipe: %w", err)
	}
	return &poller{
		watchers:  make(map[string]*fdWatcher),
		byFD:      make(map[int][]*fdWatcher),
		wakeRead:  fds[0],
		wakeWrite: fds[1],
	}, nil
}

func (p *poller) add(fd int, typ WatchType, once bool, cb func()) string {
	w := &fdWatcher{
		id:   uuid.NewString(),
		fd:   fd,
		typ:  typ,
		cb:   cb,
		once: once,
	}
	p.watchers[w.id] = w
	p.byFD[fd] = append(p.byFD[fd], w)
	return w.id
}

// AddRead registers a one-shot readable watcher for fd.
func (p *poller) AddRead(fd int, cb func()) string {
	return p.add(fd, WatchRead, true, cb)
}

// AddWrite registers a one-shot writable watcher for fd.
func (p *poller) AddWrite(fd int, cb func()) string {
	return p.add(fd, WatchWrite, true, cb)
}

// Remove drops a watcher by id.
func (p *poller) Remove(id string) bool {
	w, ok := p.watchers[id]
	if !ok {
		return false
	}
	delete(p.watchers, id)
	p.dropFromFD(w)
	return true
}

func (p *poller) dropFromFD(w *fdWatcher) {
	list := p.byFD[w.fd]
	for i, cand := range list {
		if cand == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.byFD, w.fd)
	} else {
		p.byFD[w.fd] = list
	}
}

// Clear removes every watcher registered for fd.
func (p *poller) Clear(fd int) {
	for _, w := range p.byFD[fd] {
		delete(p.watchers, w.id)
	}
	delete(p.byFD, fd)
}

// Len returns the number of registered watchers.
func (p *poller) Len() int {
	return len(p.watchers)
}

// Wakeup interrupts a blocking Poll. Safe to call from any goroutine.
func (p *poller) Wakeup() {
	if p.wakeFlag.CompareAndSwap(false, true) {
		var one = [1]byte{1}
		// EAGAIN means the pipe already holds a pending wakeup.
		_, _ = unix.Write(p.wakeWrite, one[:])
	}
}

// Poll waits up to maxBlock for readiness and fires the callbacks of ready
// watchers. With maxBlock zero it polls without blocking. Returns the number
// of callbacks fired.
func (p *poller) Poll(maxBlock time.Duration) int {
	pollfds := make([]unix.PollFd, 0, len(p.byFD)+1)
	pollfds = append(pollfds, unix.PollFd{Fd: int32(p.wakeRead), Events: unix.POLLIN})

	fdAt := make([]int, 0, len(p.byFD))
	for fd, list := range p.byFD {
		var events int16
		for _, w := range list {
			if w.typ == WatchRead {
				events |= unix.POLLIN
			} else {
				events |= unix.POLLOUT
			}
		}
		pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: events})
		fdAt = append(fdAt, fd)
	}

	timeoutMs := int(maxBlock / time.Millisecond)
	if maxBlock > 0 && timeoutMs == 0 {
		timeoutMs = 1
	}

	n, err := unix.Poll(pollfds, timeoutMs)
	if err != nil {
		if err != unix.EINTR {
			slog.Error("poll failed", "err", err)
		}
		return 0
	}
	if n == 0 {
		return 0
	}

	if pollfds[0].Revents&unix.POLLIN != 0 {
		p.drainWakeup()
	}

	// Collect ready watchers before firing: callbacks may add or remove
	// watchers and must not see a half-updated registry.
	var ready []*fdWatcher
	for i, pfd := range pollfds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		fd := fdAt[i]
		errEvents := pfd.Revents & (unix.POLLERR | unix.POLLHUP | unix.POLLNVAL)
		for _, w := range p.byFD[fd] {
			switch {
			case errEvents != 0:
				ready = append(ready, w)
			case w.typ == WatchRead && pfd.Revents&unix.POLLIN != 0:
				ready = append(ready, w)
			case w.typ == WatchWrite && pfd.Revents&unix.POLLOUT != 0:
				ready = append(ready, w)
			}
		}
	}

	fired := 0
	for _, w := range ready {
		if _, ok := p.watchers[w.id]; !ok {
			continue // removed by an earlier callback
		}
		if w.once {
			delete(p.watchers, w.id)
			p.dropFromFD(w)
		}
		runCallback("io", w.cb)
		fired++
	}
	return fired
}

func (p *poller) drainWakeup() {
	p.wakeFlag.Store(false)
	var buf [16]byte
	for {
		if _, err := unix.Read(p.wakeRead, buf[:]); err != nil {
			return
		}
	}
}

func (p *poller) close() {
	_ = unix.Close(p.wakeRead)
	_ = unix.Close(p.wakeWrite)
}
