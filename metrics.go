package reactor

import (
	"math"
	"sync"
	"time"
)

// Metrics is the optional, low-overhead runtime-statistics collector
// enabled via WithEventLoopMetrics/WithServerMetrics. It tracks how long
// each Poll call took to return (a proxy for how loaded the loop is) and
// the depth of the pending-functor queue at push time, both through the
// streaming P² quantile estimator, plus running counts of live
// connections and accepts.
type Metrics struct {
	mu          sync.Mutex
	pollLatency *pSquareMultiQuantile
	queueDepth  *pSquareMultiQuantile
	connections int64
	accepts     int64
}

// MetricsSnapshot is an immutable copy returned by Metrics(), safe to
// read after the call.
type MetricsSnapshot struct {
	PollLatencyP50 time.Duration
	PollLatencyP99 time.Duration
	PollSamples    int

	QueueDepthP50 float64
	QueueDepthP99 float64

	ActiveConnections int64
	TotalAccepts      int64
}

func newMetrics() *Metrics {
	return &Metrics{
		pollLatency: newPSquareMultiQuantile(0.50, 0.99),
		queueDepth:  newPSquareMultiQuantile(0.50, 0.99),
	}
}

func (m *Metrics) observePollLatency(d time.Duration) {
	m.mu.Lock()
	m.pollLatency.Update(float64(d))
	m.mu.Unlock()
}

func (m *Metrics) observeQueueDepth(depth int) {
	m.mu.Lock()
	m.queueDepth.Update(float64(depth))
	m.mu.Unlock()
}

func (m *Metrics) incConnections(delta int64) {
	m.mu.Lock()
	m.connections += delta
	m.mu.Unlock()
}

func (m *Metrics) incAccepts() {
	m.mu.Lock()
	m.accepts++
	m.mu.Unlock()
}

func (m *Metrics) snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &MetricsSnapshot{
		PollLatencyP50:    time.Duration(m.pollLatency.Quantile(0)),
		PollLatencyP99:    time.Duration(m.pollLatency.Quantile(1)),
		PollSamples:       m.pollLatency.Count(),
		QueueDepthP50:     m.queueDepth.Quantile(0),
		QueueDepthP99:     m.queueDepth.Quantile(1),
		ActiveConnections: m.connections,
		TotalAccepts:      m.accepts,
	}
}

// pSquareQuantile implements the P-Square algorithm (Jain & Chlamtac,
// 1985) for O(1)-per-observation streaming quantile estimation, without
// storing observations. Not safe for concurrent use; callers serialize
// access (Metrics does so with mu).
type pSquareQuantile struct {
	p           float64
	q           [5]float64
	n           [5]int
	np          [5]float64
	dn          [5]float64
	initialized bool
	count       int
	initBuffer  [5]float64
}

func newPSquareQuantile(p float64) *pSquareQuantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &pSquareQuantile{p: p, dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1}}
}

func (ps *pSquareQuantile) Update(x float64) {
	ps.count++

	if ps.count <= 5 {
		ps.initBuffer[ps.count-1] = x
		if ps.count == 5 {
			ps.initialize()
		}
		return
	}

	var k int
	if x < ps.q[0] {
		ps.q[0] = x
		k = 0
	} else if x >= ps.q[4] {
		ps.q[4] = x
		k = 3
	} else {
		for k = 0; k < 4; k++ {
			if ps.q[k] <= x && x < ps.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := 0; i < 5; i++ {
		ps.np[i] += ps.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := ps.np[i] - float64(ps.n[i])
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := ps.parabolic(i, sign)
			if ps.q[i-1] < qPrime && qPrime < ps.q[i+1] {
				ps.q[i] = qPrime
			} else {
				ps.q[i] = ps.linear(i, sign)
			}
			ps.n[i] += sign
		}
	}
}

func (ps *pSquareQuantile) initialize() {
	for i := 1; i < 5; i++ {
		key := ps.initBuffer[i]
		j := i - 1
		for j >= 0 && ps.initBuffer[j] > key {
			ps.initBuffer[j+1] = ps.initBuffer[j]
			j--
		}
		ps.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		ps.q[i] = ps.initBuffer[i]
		ps.n[i] = i
	}
	ps.np = [5]float64{0, 2 * ps.p, 4 * ps.p, 2 + 2*ps.p, 4}
	ps.initialized = true
}

func (ps *pSquareQuantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(ps.n[i])
	niPrev := float64(ps.n[i-1])
	niNext := float64(ps.n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (ps.q[i+1] - ps.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (ps.q[i] - ps.q[i-1]) / (ni - niPrev)
	return ps.q[i] + term1*(term2+term3)
}

func (ps *pSquareQuantile) linear(i, d int) float64 {
	if d == 1 {
		return ps.q[i] + (ps.q[i+1]-ps.q[i])/float64(ps.n[i+1]-ps.n[i])
	}
	return ps.q[i] - (ps.q[i]-ps.q[i-1])/float64(ps.n[i]-ps.n[i-1])
}

func (ps *pSquareQuantile) Quantile() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		sorted := make([]float64, ps.count)
		copy(sorted, ps.initBuffer[:ps.count])
		for i := 1; i < ps.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(ps.count-1) * ps.p)
		if index >= ps.count {
			index = ps.count - 1
		}
		return sorted[index]
	}
	return ps.q[2]
}

func (ps *pSquareQuantile) Count() int { return ps.count }

// pSquareMultiQuantile tracks several quantiles of one stream at once,
// each with its own P² estimator, plus a running count (Count), sum and
// max.
type pSquareMultiQuantile struct {
	estimators []*pSquareQuantile
	sum        float64
	count      int
	max        float64
}

func newPSquareMultiQuantile(percentiles ...float64) *pSquareMultiQuantile {
	m := &pSquareMultiQuantile{estimators: make([]*pSquareQuantile, len(percentiles)), max: -math.MaxFloat64}
	for i, p := range percentiles {
		m.estimators[i] = newPSquareQuantile(p)
	}
	return m
}

func (m *pSquareMultiQuantile) Update(x float64) {
	m.count++
	m.sum += x
	if x > m.max {
		m.max = x
	}
	for _, est := range m.estimators {
		est.Update(x)
	}
}

func (m *pSquareMultiQuantile) Quantile(i int) float64 {
	if i < 0 || i >= len(m.estimators) {
		return 0
	}
	return m.estimators[i].Quantile()
}

func (m *pSquareMultiQuantile) Count() int { return m.count }
