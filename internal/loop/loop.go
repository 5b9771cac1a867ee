package loop

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrAlreadyRunning is returned by Run when the loop is already running.
var ErrAlreadyRunning = errors.New("loop: run is not reentrant")

// Tuning holds the scheduler knobs. Zero values fall back to defaults.
type Tuning struct {
	// MinSleep is the shortest idle sleep worth paying a syscall for.
	MinSleep time.Duration
	// MaxSlice bounds a single idle sleep.
	MaxSlice time.Duration
	// MaintenanceInterval is the wall-clock cadence of maintenance hooks.
	MaintenanceInterval time.Duration
}

const (
	defaultMinSleep            = 50 * time.Microsecond
	defaultMaxSlice            = 500 * time.Microsecond
	defaultMaintenanceInterval = time.Second

	// iterationCeiling wraps the iteration counter so it never overflows
	// in derived arithmetic.
	iterationCeiling = 1 << 48
)

// Stats is a snapshot of loop counters, safe to read from any goroutine.
type Stats struct {
	Iterations    uint64 `json:"iterations"`
	TimersFired   uint64 `json:"timers_fired"`
	TicksRun      uint64 `json:"ticks_run"`
	IOEventsFired uint64 `json:"io_events_fired"`
	PendingTimers int    `json:"pending_timers"`
	PendingWatch  int    `json:"pending_watchers"`
	ActiveFibers  int    `json:"active_fibers"`
	Running       bool   `json:"running"`
}

// Loop is a single-threaded cooperative scheduler multiplexing timers,
// socket readiness, HTTP requests, file operations, tick callbacks, and
// suspended fibers. All state is owned by the goroutine inside Run;
// the only cross-goroutine entry points are Submit, Wakeup, Stop and Stats.
type Loop struct {
	tuning Tuning

	ticks  *tickQueues
	timers *timerWheel
	poller *poller
	http   *HTTPManager
	files  *FileManager
	fibers *fiberManager

	external chan func()

	running  atomic.Bool
	stopFlag atomic.Bool

	iteration       uint64
	lastMaintenance time.Time
	maintenance     []func()

	statIterations atomic.Uint64
	statTimers     atomic.Uint64
	statTicks      atomic.Uint64
	statIO         atomic.Uint64

	// Gauges mirrored once per iteration so Stats is safe off-loop.
	statPendingTimers atomic.Int64
	statPendingWatch  atomic.Int64
	statFibers        atomic.Int64
}

// New creates an event loop with the given tuning.
func New(t Tuning) (*Loop, error) {
	if t.MinSleep <= 0 {
		t.MinSleep = defaultMinSleep
	}
	if t.MaxSlice <= 0 {
		t.MaxSlice = defaultMaxSlice
	}
	if t.MaintenanceInterval <= 0 {
		t.MaintenanceInterval = defaultMaintenanceInterval
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		tuning:   t,
		ticks:    newTickQueues(),
		timers:   newTimerWheel(),
		poller:   p,
		external: make(chan func(), 256),
	}
	l.http = newHTTPManager(l)
	l.files = newFileManager(l)
	l.fibers = newFiberManager(l)
	return l, nil
}

// NextTick schedules cb to run at the start of the next iteration.
func (l *Loop) NextTick(cb func()) {
	l.ticks.AddNextTick(cb)
}

// Defer schedules cb to run at the end of the current iteration.
func (l *Loop) Defer(cb func()) {
	l.ticks.AddDeferred(cb)
}

// AddTimer schedules cb after delay and returns the timer id.
func (l *Loop) AddTimer(delay time.Duration, cb func()) string {
	return l.timers.Add(delay, cb)
}

// CancelTimer cancels a pending timer.
func (l *Loop) CancelTimer(id string) bool {
	return l.timers.Cancel(id)
}

// AddReadWatcher registers a one-shot readable watcher for fd.
func (l *Loop) AddReadWatcher(fd int, cb func()) string {
	return l.poller.AddRead(fd, cb)
}

// AddWriteWatcher registers a one-shot writable watcher for fd.
func (l *Loop) AddWriteWatcher(fd int, cb func()) string {
	return l.poller.AddWrite(fd, cb)
}

// RemoveWatcher drops a watcher by id.
func (l *Loop) RemoveWatcher(id string) bool {
	return l.poller.Remove(id)
}

// ClearFD removes every watcher registered for fd.
func (l *Loop) ClearFD(fd int) {
	l.poller.Clear(fd)
}

// HTTP returns the HTTP request manager.
func (l *Loop) HTTP() *HTTPManager { return l.http }

// Files returns the file-op manager.
func (l *Loop) Files() *FileManager { return l.files }

// Spawn creates a fiber running fn on this loop.
func (l *Loop) Spawn(fn func() (any, error)) *Fiber {
	return l.fibers.Spawn(fn)
}

// CurrentFiber returns the fiber currently executing, or nil.
func (l *Loop) CurrentFiber() *Fiber {
	return l.fibers.current
}

// ResumeFiber resumes a suspended fiber with a value.
func (l *Loop) ResumeFiber(f *Fiber, value any) {
	l.fibers.Resume(f, value)
}

// RejectFiber resumes a suspended fiber with an error.
func (l *Loop) RejectFiber(f *Fiber, reason error) {
	l.fibers.Reject(f, reason)
}

// HasActiveFibers reports whether any fiber has not terminated.
func (l *Loop) HasActiveFibers() bool {
	return l.fibers.HasActive()
}

// Submit queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.external <- fn
	l.poller.Wakeup()
}

// Wakeup interrupts a blocking poll. Safe from any goroutine.
func (l *Loop) Wakeup() {
	l.poller.Wakeup()
}

// OnMaintenance registers a hook run on the maintenance cadence.
func (l *Loop) OnMaintenance(fn func()) {
	l.maintenance = append(l.maintenance, fn)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Stop requests shutdown. The current iteration completes, then Run returns.
func (l *Loop) Stop() {
	l.stopFlag.Store(true)
	l.poller.Wakeup()
}

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Iterations:    l.statIterations.Load(),
		TimersFired:   l.statTimers.Load(),
		TicksRun:      l.statTicks.Load(),
		IOEventsFired: l.statIO.Load(),
		PendingTimers: int(l.statPendingTimers.Load()),
		PendingWatch:  int(l.statPendingWatch.Load()),
		ActiveFibers:  int(l.statFibers.Load()),
		Running:       l.running.Load(),
	}
}

// Run drives the loop until Stop is called or no work remains. It is not
// reentrant; a second concurrent call fails with ErrAlreadyRunning.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	l.stopFlag.Store(false)
	l.lastMaintenance = time.Now()

	for {
		if l.stopFlag.Load() {
			return nil
		}
		l.iterate()
		if l.stopFlag.Load() {
			return nil
		}
		if !l.hasWork() {
			return nil
		}
	}
}

// RunUntilDone drives the loop until the fiber terminates, then returns its
// outcome. The loop keeps servicing other work while the fiber runs.
func (l *Loop) RunUntilDone(f *Fiber) (any, error) {
	for !f.Done() {
		if err := l.runOnce(); err != nil {
			return nil, err
		}
	}
	return f.value, f.err
}

// runOnce performs a single iteration, acquiring the running flag for its
// duration.
func (l *Loop) runOnce() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	l.iterate()
	return nil
}

// iterate runs one full pass over every subsystem in the fixed phase order.
func (l *Loop) iterate() {
	l.iteration++
	if l.iteration >= iterationCeiling {
		l.iteration = 0
	}
	l.statIterations.Add(1)

	l.drainExternal()

	// Phase 1: next-tick callbacks run before everything else.
	l.statTicks.Add(uint64(l.ticks.DrainNextTick()))

	// Phase 2: drive outstanding HTTP requests.
	l.http.drive()

	// Phase 3: resume fibers whose awaited promises settled.
	l.fibers.scan()

	// Phase 4: drive HTTP again; fiber work may have unblocked responses.
	l.http.drive()

	// Phase 5: file operations.
	l.files.process()

	// Phase 6: ready timers.
	l.statTimers.Add(uint64(l.timers.DrainReady(time.Now())))

	// Phase 7: socket readiness; doubles as the idle sleep.
	l.statIO.Add(uint64(l.poller.Poll(l.idleBlock())))

	// Phase 8: deferred callbacks close the iteration.
	l.statTicks.Add(uint64(l.ticks.DrainDeferred()))

	l.statPendingTimers.Store(int64(l.timers.Len()))
	l.statPendingWatch.Store(int64(l.poller.Len()))
	l.statFibers.Store(int64(len(l.fibers.fibers)))

	if time.Since(l.lastMaintenance) >= l.tuning.MaintenanceInterval {
		l.lastMaintenance = time.Now()
		for _, fn := range l.maintenance {
			runCallback("maintenance", fn)
		}
	}
}

// idleBlock computes how long the poll phase may block. With immediate work
// pending it polls non-blockingly; otherwise it sleeps until the next timer,
// bounded by MaxSlice. Sleeps shorter than MinSleep are skipped to avoid
// syscall overhead.
func (l *Loop) idleBlock() time.Duration {
	if l.ticks.HasWork() || l.fibers.hasRunnable() || len(l.external) > 0 {
		return 0
	}
	if l.http.hasCompletions() || l.files.hasCompletions() {
		return 0
	}

	block := l.tuning.MaxSlice
	if deadline, ok := l.timers.NextDeadline(); ok {
		until := time.Until(deadline)
		if until <= 0 {
			return 0
		}
		if until < block {
			block = until
		}
	}
	if block < l.tuning.MinSleep {
		return 0
	}
	return block
}

func (l *Loop) drainExternal() {
	for {
		select {
		case fn := <-l.external:
			runCallback("external", fn)
		default:
			return
		}
	}
}

// hasWork reports whether any subsystem still has pending work.
func (l *Loop) hasWork() bool {
	return l.ticks.HasWork() ||
		l.timers.Len() > 0 ||
		l.poller.Len() > 0 ||
		l.http.Inflight() > 0 ||
		l.files.Pending() > 0 ||
		l.fibers.HasActive() ||
		len(l.external) > 0
}

// Close releases the poller's pipe. Only call after Run has returned.
func (l *Loop) Close() {
	l.poller.close()
}
