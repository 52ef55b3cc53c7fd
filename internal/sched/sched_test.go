package sched

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/request"
)

type fakeRetrier struct {
	blocked map[request.Handle]bool
	failing map[request.Handle]bool
	order   []request.Handle
}

func (r *fakeRetrier) RetryDelayed(h request.Handle) (bool, error) {
	r.order = append(r.order, h)
	if r.failing[h] {
		return true, mxerr.New(mxerr.BadRequest)
	}
	if r.blocked[h] {
		return false, nil
	}
	return true, nil
}

func TestProcessDelayedRequestsDrainsAllWhenUnblocked(t *testing.T) {
	pool := request.NewPool()
	q := request.NewQueue(pool, request.LinkWork)
	a := pool.Alloc(request.KindSendTiny)
	b := pool.Alloc(request.KindSendTiny)
	q.PushBack(a)
	q.PushBack(b)

	r := &fakeRetrier{blocked: map[request.Handle]bool{}, failing: map[request.Handle]bool{}}
	s := NewScheduler(q, r)

	assert.NilError(t, s.ProcessDelayedRequests())
	assert.Assert(t, q.Empty())
	assert.DeepEqual(t, r.order, []request.Handle{a, b})
}

func TestProcessDelayedRequestsStopsAtFirstStillBlockedHeadOfLine(t *testing.T) {
	pool := request.NewPool()
	q := request.NewQueue(pool, request.LinkWork)
	a := pool.Alloc(request.KindSendTiny)
	b := pool.Alloc(request.KindSendTiny)
	q.PushBack(a)
	q.PushBack(b)

	r := &fakeRetrier{blocked: map[request.Handle]bool{a: true}, failing: map[request.Handle]bool{}}
	s := NewScheduler(q, r)

	assert.NilError(t, s.ProcessDelayedRequests())
	assert.DeepEqual(t, r.order, []request.Handle{a}, "a still-blocked head must stop the drain before reaching b")
	assert.Equal(t, q.Front(), a, "the still-blocked request must be pushed back to the head, not dropped")
	assert.Equal(t, q.Len(), 2)
}

func TestProcessDelayedRequestsPropagatesError(t *testing.T) {
	pool := request.NewPool()
	q := request.NewQueue(pool, request.LinkWork)
	a := pool.Alloc(request.KindSendTiny)
	q.PushBack(a)

	r := &fakeRetrier{blocked: map[request.Handle]bool{}, failing: map[request.Handle]bool{a: true}}
	s := NewScheduler(q, r)

	err := s.ProcessDelayedRequests()
	assert.Assert(t, err != nil)
}
