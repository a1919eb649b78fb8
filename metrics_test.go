package reactor

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_SnapshotReflectsObservations(t *testing.T) {
	m := newMetrics()
	m.observePollLatency(5 * time.Millisecond)
	m.observePollLatency(10 * time.Millisecond)
	m.observeQueueDepth(3)
	m.incAccepts()
	m.incConnections(1)

	snap := m.snapshot()
	assert.Equal(t, 2, snap.PollSamples)
	assert.EqualValues(t, 1, snap.TotalAccepts)
	assert.EqualValues(t, 1, snap.ActiveConnections)
}

func TestPSquareQuantile_ConvergesOnUniformStream(t *testing.T) {
	q := newPSquareQuantile(0.5)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		q.Update(r.Float64() * 100)
	}
	median := q.Quantile()
	assert.InDelta(t, 50, median, 5)
}

func TestPSquareQuantile_FewerThanFiveSamples(t *testing.T) {
	q := newPSquareQuantile(0.5)
	q.Update(10)
	q.Update(20)
	assert.Equal(t, 2, q.Count())
	got := q.Quantile()
	assert.True(t, got == 10 || got == 20)
}

func TestPSquareMultiQuantile_TracksMultiplePercentiles(t *testing.T) {
	m := newPSquareMultiQuantile(0.5, 0.99)
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 5000; i++ {
		m.Update(r.Float64() * 100)
	}
	p50 := m.Quantile(0)
	p99 := m.Quantile(1)
	assert.True(t, p50 < p99)
	assert.False(t, math.IsNaN(p50))
}
