package ackrt

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/request"
)

type fakeSender struct {
	posted   []request.Handle
	resent   []request.Handle
	failNext bool
}

func (s *fakeSender) PostToWire(h request.Handle) error {
	s.posted = append(s.posted, h)
	return nil
}

func (s *fakeSender) Resend(h request.Handle, nowJiffies uint64) error {
	if s.failNext {
		s.failNext = false
		return mxerr.New(mxerr.Busy)
	}
	s.resent = append(s.resent, h)
	return nil
}

func newTestModule(t *testing.T) (*Module, *request.Pool, *partner.Table, *partner.Partner, *fakeSender) {
	t.Helper()
	pool := request.NewPool()
	partners := partner.NewTable(pool)
	prt := partners.GetOrCreate(1, [6]byte{1}, 0, 32*1024)
	drv := driver.NewFake(5)
	cfg := config.Load(func(string) string { return "" })
	doneQ := request.NewQueue(pool, request.LinkDone)
	sender := &fakeSender{}
	m := NewModule(pool, partners, drv, cfg, sender, doneQ)
	return m, pool, partners, prt, sender
}

func TestNoteFragmentReceivedDelaysUntilThreshold(t *testing.T) {
	m, _, _, prt, _ := newTestModule(t)
	prt.NextFragRecvSeq = 1
	prt.LastAckedRecvSeq = 0

	m.NoteFragmentReceived(prt)
	assert.Equal(t, prt.AckState, partner.AckDelayed)

	prt.NextFragRecvSeq = uint16(m.Cfg.NotAckedMax) + 1
	m.NoteFragmentReceived(prt)
	assert.Equal(t, prt.AckState, partner.AckImmediate)
}

func TestHandleAckCompletesInFIFOOrder(t *testing.T) {
	m, pool, _, prt, sender := newTestModule(t)

	var handles []request.Handle
	for i := 0; i < 3; i++ {
		h := pool.Alloc(request.KindSendTiny)
		req := pool.Get(h)
		req.State |= request.NeedAck
		req.SendSeqnum = uint16(i)
		req.Status.MsgLength = 4
		prt.NonAcked.PushBack(h)
		handles = append(handles, h)
	}

	acked := m.HandleAck(prt, 3)
	assert.Equal(t, acked, 3)
	assert.Assert(t, prt.NonAcked.Empty())
	for _, h := range handles {
		req := pool.Get(h)
		assert.Assert(t, req.State.Has(request.Done))
		assert.Equal(t, req.Status.Code, mxerr.Success)
	}
	_ = sender
}

func TestHandleAckStopsAtUnackedSeqnum(t *testing.T) {
	m, pool, _, prt, _ := newTestModule(t)

	h0 := pool.Alloc(request.KindSendTiny)
	pool.Get(h0).SendSeqnum = 0
	prt.NonAcked.PushBack(h0)
	h1 := pool.Alloc(request.KindSendTiny)
	pool.Get(h1).SendSeqnum = 1
	prt.NonAcked.PushBack(h1)

	acked := m.HandleAck(prt, 1)
	assert.Equal(t, acked, 1)
	assert.Assert(t, prt.NonAcked.InQueue(h1), "seqnum 1 is not yet covered by ackBefore=1")
}

func TestHandleAckDrainsThrottledQueue(t *testing.T) {
	m, pool, _, prt, sender := newTestModule(t)

	h := pool.Alloc(request.KindSendTiny)
	pool.Get(h).SendSeqnum = 0
	prt.NonAcked.PushBack(h)

	throttled := pool.Alloc(request.KindSendTiny)
	prt.NeedSeqnum.PushBack(throttled)
	prt.Throttling = true

	m.HandleAck(prt, 1)
	assert.DeepEqual(t, sender.posted, []request.Handle{throttled})
	assert.Assert(t, !prt.Throttling, "throttling clears once need_seqnum_send_req_q empties")
}

func TestHandleNackMapsReasonToErrorKind(t *testing.T) {
	m, pool, _, _, _ := newTestModule(t)
	doneQ := m.DoneQ

	h := pool.Alloc(request.KindSendTiny)
	m.HandleNack(h, 1) // NackEndpointClosed
	assert.Assert(t, doneQ.InQueue(h))
	req := pool.Get(h)
	assert.Equal(t, req.Status.Code, mxerr.RemoteEndpointClosed)
}

func TestProcessResendRequestsGivesUpAfterResendsMax(t *testing.T) {
	m, pool, partners, prt, sender := newTestModule(t)
	m.Cfg.ResendsMax = 1

	h := pool.Alloc(request.KindSendTiny)
	req := pool.Get(h)
	req.Resends = 2
	req.LastSendJiffies = 0
	prt.NonAcked.PushBack(h)

	m.ProcessResendRequests(1_000_000)

	assert.Assert(t, partners.Get(prt.ID) != nil, "Cleanup does not remove from the table at disconnectLevel 0")
	assert.Assert(t, !prt.NonAcked.InQueue(h))
	reqAfter := pool.Get(h)
	assert.Assert(t, reqAfter.State.Has(request.Done), "a request that exceeds resends_max must still be completed, not leaked")
	assert.Equal(t, reqAfter.Status.Code, mxerr.RemoteEndpointUnreachable)
	_ = sender
}
