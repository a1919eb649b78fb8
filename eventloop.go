package reactor

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// defaultPollTimeout is the fixed timeout each EventLoop iteration polls
// for, bounding how promptly a cooperative Quit() (or Loop() itself) can
// observe a state change without being woken explicitly.
const defaultPollTimeout = 10 * time.Second

// EventLoop is a single-threaded reactor: it owns a Poller and a wakeup
// descriptor, and runs a loop of poll -> dispatch ready channels -> drain
// posted functors until Quit is observed. Every EventLoop is confined to
// the OS thread that constructed it; RunInLoop/QueueInLoop are the only
// supported way to get work executed on it from elsewhere.
type EventLoop struct {
	ownerTid int32

	looping atomic.Bool
	quit    atomic.Bool

	poller        Poller
	wakeup        *wakeupFD
	wakeupChannel *Channel

	pending           *functorQueue
	callingPending    atomic.Bool

	activeChannels []*Channel

	pollTimeout time.Duration
	logger      Logger
	metrics     *Metrics
}

// EventLoopOption configures an EventLoop at construction, following the
// standard functional-option idiom.
type EventLoopOption func(*EventLoop)

// WithLogger attaches a structured Logger; components default to a no-op
// logger when this option is omitted.
func WithLogger(l Logger) EventLoopOption {
	return func(e *EventLoop) { e.logger = l }
}

// WithEventLoopMetrics enables poll-latency and queue-depth tracking,
// retrievable via EventLoop.Metrics.
func WithEventLoopMetrics() EventLoopOption {
	return func(e *EventLoop) { e.metrics = newMetrics() }
}

// WithPollTimeout overrides the default 10-second poll timeout; mainly
// useful in tests that want Loop to notice a Quit sooner without relying
// on the wakeup path being exercised.
func WithPollTimeout(d time.Duration) EventLoopOption {
	return func(e *EventLoop) { e.pollTimeout = d }
}

// NewEventLoop constructs an EventLoop on the calling goroutine. It locks
// the goroutine to its current OS thread for the lifetime of the process
// (matching the "one loop per thread" model: a goroutine that creates a
// loop is expected to immediately call Loop() on it and do nothing else)
// and records that thread's id for AssertInLoopThread.
func NewEventLoop(opts ...EventLoopOption) (*EventLoop, error) {
	runtime.LockOSThread()

	poller, err := newPoller()
	if err != nil {
		return nil, err
	}
	wfd, err := newWakeupFD()
	if err != nil {
		_ = poller.Close()
		return nil, err
	}

	loop := &EventLoop{
		ownerTid:    int32(unix.Gettid()),
		poller:      poller,
		wakeup:      wfd,
		pending:     newFunctorQueue(),
		pollTimeout: defaultPollTimeout,
		logger:      NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(loop)
	}

	loop.wakeupChannel = NewChannel(loop, wfd.readFD())
	loop.wakeupChannel.SetReadCallback(func(time.Time) {
		if err := loop.wakeup.drain(); err != nil {
			loop.logger.Warnf("wakeup drain: %v", err)
		}
	})
	loop.wakeupChannel.EnableReading()

	return loop, nil
}

// IsInLoopThread reports whether the calling OS thread is this loop's
// owner.
func (l *EventLoop) IsInLoopThread() bool {
	return int32(unix.Gettid()) == l.ownerTid
}

// AssertInLoopThread is a fatal programming-violation check: any method
// that mutates Poller or Channel state must be called only from the
// owning thread.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		fatal(l.logger, "reactor: EventLoop used from thread %d, owned by thread %d", unix.Gettid(), l.ownerTid)
	}
}

// Loop runs until Quit is observed. Each iteration: poll for ready
// channels (bounded by pollTimeout), dispatch each in the order the
// multiplexer returned them, then drain pending functors posted during
// or before this iteration. Returns ErrLoopAlreadyRunning if the loop is
// already executing on its owning thread.
func (l *EventLoop) Loop() error {
	if !l.looping.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	l.AssertInLoopThread()
	defer l.looping.Store(false)

	l.logger.Infof("event loop starting")

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]

		pollStart := time.Now()
		receiveTime, err := l.poller.Poll(l.pollTimeout, &l.activeChannels)
		if err != nil {
			l.logger.Errorf("poll error: %v", err)
			continue
		}
		if l.metrics != nil {
			l.metrics.observePollLatency(time.Since(pollStart))
		}

		for _, ch := range l.activeChannels {
			ch.HandleEvent(receiveTime)
		}

		l.doPendingFunctors()
	}

	l.logger.Infof("event loop stopping")
	return nil
}

func (l *EventLoop) doPendingFunctors() {
	l.callingPending.Store(true)
	jobs := l.pending.drain()
	for _, fn := range jobs {
		fn()
	}
	l.pending.recycle(jobs)
	l.callingPending.Store(false)
}

// Quit requests the loop stop at the top of its next iteration. Called
// from another thread, it must also wake the loop out of a blocking
// Poll.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeOrLog()
	}
}

// RunInLoop runs f immediately if called from the owning thread,
// otherwise posts it via QueueInLoop.
func (l *EventLoop) RunInLoop(f func()) {
	if l.IsInLoopThread() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop appends f to the pending queue. The loop is woken if the
// caller isn't the owning thread, or if it is but the loop is currently
// mid-drain of a previous pending batch; in the latter case, without a
// wakeup, f would sit unexecuted until the next full poll timeout
// because the drain snapshot was already taken.
func (l *EventLoop) QueueInLoop(f func()) {
	lenAfter := l.pending.push(f)
	if l.metrics != nil {
		l.metrics.observeQueueDepth(lenAfter)
	}
	if !l.IsInLoopThread() || l.callingPending.Load() {
		l.wakeOrLog()
	}
}

func (l *EventLoop) wakeOrLog() {
	if err := l.wakeup.wake(); err != nil {
		l.logger.Errorf("wakeup: %v", err)
	}
}

// updateChannel registers a Channel's current state/interest with the
// Poller. Thread-confined: must run on the owning loop.
func (l *EventLoop) updateChannel(ch *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.UpdateChannel(ch); err != nil {
		l.logger.Errorf("updateChannel: %v", err)
	}
}

// removeChannel unregisters a Channel entirely. Thread-confined.
func (l *EventLoop) removeChannel(ch *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.RemoveChannel(ch); err != nil {
		l.logger.Errorf("removeChannel: %v", err)
	}
}

// HasChannel reports whether ch is currently registered with this
// loop's Poller. Thread-confined.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.AssertInLoopThread()
	return l.poller.HasChannel(ch)
}

// Metrics returns the loop's metrics snapshot, or nil if
// WithEventLoopMetrics was not supplied at construction.
func (l *EventLoop) Metrics() *MetricsSnapshot {
	if l.metrics == nil {
		return nil
	}
	return l.metrics.snapshot()
}

// recordAccept counts one accepted connection, if metrics are enabled.
func (l *EventLoop) recordAccept() {
	if l.metrics != nil {
		l.metrics.incAccepts()
	}
}

// recordConnectionDelta adjusts the loop's live connection count, if
// metrics are enabled.
func (l *EventLoop) recordConnectionDelta(delta int64) {
	if l.metrics != nil {
		l.metrics.incConnections(delta)
	}
}

// Close releases the loop's poller and wakeup descriptors. Call only
// after Loop has returned.
func (l *EventLoop) Close() error {
	if err := l.poller.Close(); err != nil {
		return err
	}
	return l.wakeup.close()
}
