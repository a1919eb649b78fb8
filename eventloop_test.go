package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop(WithPollTimeout(50 * time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

func TestEventLoop_QuitFromOwnThread(t *testing.T) {
	loop := newTestLoop(t)

	var ran bool
	loop.RunInLoop(func() {
		ran = true
		loop.Quit()
	})

	done := make(chan struct{})
	go func() {
		loop.Loop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, ran)
}

func TestEventLoop_QuitFromOtherThread(t *testing.T) {
	loop := newTestLoop(t)

	done := make(chan struct{})
	go func() {
		loop.Loop()
		close(done)
	}()

	// give Loop a moment to reach its first Poll.
	time.Sleep(10 * time.Millisecond)
	loop.Quit()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cross-thread Quit")
	}
}

func TestEventLoop_LoopTwiceReturnsErrLoopAlreadyRunning(t *testing.T) {
	loop := newTestLoop(t)

	done := make(chan struct{})
	go func() {
		_ = loop.Loop()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	err := loop.Loop()
	assert.ErrorIs(t, err, ErrLoopAlreadyRunning)

	loop.Quit()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestEventLoop_RunInLoopCrossThread(t *testing.T) {
	loop := newTestLoop(t)

	go func() { loop.Loop() }()
	defer loop.Quit()

	var wg sync.WaitGroup
	wg.Add(1)
	var executed atomic32
	loop.RunInLoop(func() {
		executed.set(true)
		wg.Done()
	})

	waitOrFail(t, &wg, time.Second)
	assert.True(t, executed.get())
}

func TestEventLoop_QueueInLoopOrdering(t *testing.T) {
	loop := newTestLoop(t)
	go func() { loop.Loop() }()
	defer loop.Quit()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		loop.QueueInLoop(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	waitOrFail(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestEventLoop_AssertInLoopThreadPanicsFromWrongThread(t *testing.T) {
	loop := newTestLoop(t)
	assert.Panics(t, func() {
		var recovered any
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() { recovered = recover() }()
			loop.AssertInLoopThread()
		}()
		<-done
		// re-raise on this goroutine so assert.Panics can observe it.
		if recovered != nil {
			panic(recovered)
		}
	})
}

func TestEventLoop_MetricsNilWithoutOption(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	defer loop.Close()
	assert.Nil(t, loop.Metrics())
}

func TestEventLoop_MetricsTracksPollLatency(t *testing.T) {
	loop, err := NewEventLoop(WithEventLoopMetrics(), WithPollTimeout(5*time.Millisecond))
	require.NoError(t, err)
	defer loop.Close()

	go func() { loop.Loop() }()
	time.Sleep(50 * time.Millisecond)
	loop.Quit()

	snap := loop.Metrics()
	require.NotNil(t, snap)
	assert.Greater(t, snap.PollSamples, 0)
}

// atomic32 is a tiny test helper avoiding an extra import for a single
// boolean flag shared across goroutines.
type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for condition")
	}
}
