package reactor

import "sync"

// ThreadInitCallback runs once on a worker EventLoop's own thread, right
// before that loop starts Loop(), letting callers do per-thread setup
// (e.g. attach thread-local state) with AssertInLoopThread guarantees
// already in effect.
type ThreadInitCallback func(*EventLoop)

// EventLoopThread owns exactly one EventLoop, started on a dedicated
// goroutine pinned (via NewEventLoop's runtime.LockOSThread) to its own
// OS thread. StartLoop blocks the caller until the loop is constructed
// and ready to accept RunInLoop/QueueInLoop calls, mirroring the
// synchronous handoff keeps callers from racing the new loop's first use.
type EventLoopThread struct {
	initCb  ThreadInitCallback
	opts    []EventLoopOption
	logger  Logger

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop
	done chan struct{}
}

// NewEventLoopThread constructs a thread wrapper; the loop itself is not
// created until StartLoop is called.
func NewEventLoopThread(initCb ThreadInitCallback, logger Logger, opts ...EventLoopOption) *EventLoopThread {
	t := &EventLoopThread{initCb: initCb, opts: opts, logger: logger, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the worker goroutine, waits for its EventLoop to be
// constructed, and returns it. Safe to call exactly once.
func (t *EventLoopThread) StartLoop() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *EventLoopThread) threadFunc() {
	loop, err := NewEventLoop(t.opts...)
	if err != nil {
		if t.logger != nil {
			t.logger.Errorf("event loop thread: %v", err)
		}
		t.mu.Lock()
		close(t.done)
		t.mu.Unlock()
		return
	}

	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	if err := loop.Loop(); err != nil && t.logger != nil {
		t.logger.Errorf("event loop thread: %v", err)
	}
	_ = loop.Close()
	close(t.done)
}

// Wait blocks until the underlying loop's Loop() has returned and its
// resources are released.
func (t *EventLoopThread) Wait() {
	<-t.done
}

// EventLoopThreadPool distributes I/O work across a fixed number of
// worker EventLoopThreads, round-robin, matching the "one loop per
// thread" sub-reactor model: the base loop (the TcpServer's own loop)
// only accepts; every established connection is handed to one of the
// pool's loops for its entire lifetime.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	logger   Logger
	opts     []EventLoopOption

	started    bool
	numThreads int
	threads    []*EventLoopThread
	loops      []*EventLoop
	next       int
}

// NewEventLoopThreadPool creates a pool bound to baseLoop, the loop that
// will be used directly when numThreads is 0 (single-threaded mode).
func NewEventLoopThreadPool(baseLoop *EventLoop, logger Logger, opts ...EventLoopOption) *EventLoopThreadPool {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &EventLoopThreadPool{baseLoop: baseLoop, logger: logger, opts: opts}
}

// SetThreadNum configures how many worker threads Start will spin up.
// Must be called before Start.
func (p *EventLoopThreadPool) SetThreadNum(n int) {
	p.numThreads = n
}

// Start spins up numThreads worker loops, running initCb on each from
// its own thread before it begins polling. Safe to call exactly once.
func (p *EventLoopThreadPool) Start(initCb ThreadInitCallback) {
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(initCb, p.logger, p.opts...)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}

	if p.numThreads == 0 && initCb != nil {
		initCb(p.baseLoop)
	}
}

// GetNextLoop returns the next loop in round-robin order, or the base
// loop if the pool has no worker threads (single-reactor mode).
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetAllLoops returns every worker loop, or just the base loop in
// single-reactor mode, for callers that want to broadcast to every
// loop.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

// Wait blocks until every worker thread's loop has stopped.
func (p *EventLoopThreadPool) Wait() {
	for _, t := range p.threads {
		t.Wait()
	}
}
