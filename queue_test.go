package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFunctorQueue_PushDrainRecycle(t *testing.T) {
	q := newFunctorQueue()

	var ran []int
	n1 := q.push(func() { ran = append(ran, 1) })
	n2 := q.push(func() { ran = append(ran, 2) })
	assert.Equal(t, 1, n1)
	assert.Equal(t, 2, n2)

	jobs := q.drain()
	assert.Len(t, jobs, 2)
	for _, fn := range jobs {
		fn()
	}
	assert.Equal(t, []int{1, 2}, ran)

	q.recycle(jobs)

	// a push after recycle should still observe an empty active queue.
	nAfter := q.push(func() {})
	assert.Equal(t, 1, nAfter)
}

func TestFunctorQueue_DrainEmpty(t *testing.T) {
	q := newFunctorQueue()
	jobs := q.drain()
	assert.Len(t, jobs, 0)
}

func TestFunctorQueue_PushDuringDrainIsNotLost(t *testing.T) {
	q := newFunctorQueue()
	q.push(func() {})

	jobs := q.drain()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	// simulate a functor re-entrantly posting more work mid-drain.
	q.push(func() {})
	more := q.drain()
	assert.Len(t, more, 1)
}
