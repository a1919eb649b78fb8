package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopThreadPool_SingleReactorModeReturnsBaseLoop(t *testing.T) {
	base := newTestLoop(t)
	pool := NewEventLoopThreadPool(base, nil)
	pool.Start(nil)
	defer pool.Wait()

	assert.Same(t, base, pool.GetNextLoop())
	assert.Same(t, base, pool.GetNextLoop())
	assert.Equal(t, []*EventLoop{base}, pool.GetAllLoops())
}

func TestEventLoopThreadPool_RoundRobinsAcrossWorkers(t *testing.T) {
	base := newTestLoop(t)
	pool := NewEventLoopThreadPool(base, nil, WithPollTimeout(20*time.Millisecond))
	pool.SetThreadNum(3)

	var initCount int
	pool.Start(func(l *EventLoop) { initCount++ })

	loops := pool.GetAllLoops()
	require.Len(t, loops, 3)
	assert.Equal(t, 3, initCount)

	seen := make(map[*EventLoop]bool)
	for i := 0; i < 6; i++ {
		seen[pool.GetNextLoop()] = true
	}
	assert.Len(t, seen, 3)

	for _, l := range loops {
		l.Quit()
	}
	pool.Wait()
}

func TestEventLoopThreadPool_StartIsIdempotent(t *testing.T) {
	base := newTestLoop(t)
	pool := NewEventLoopThreadPool(base, nil)
	pool.SetThreadNum(2)
	pool.Start(nil)
	first := pool.GetAllLoops()
	pool.Start(nil)
	second := pool.GetAllLoops()
	assert.Equal(t, first, second)

	for _, l := range second {
		l.Quit()
	}
	pool.Wait()
}
