package handshake

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/request"
)

type recordingCanceller struct{ cancelled []request.Handle }

func (c *recordingCanceller) CancelRequest(h request.Handle, status request.Status) {
	c.cancelled = append(c.cancelled, h)
}

func newTestModule(t *testing.T, sessionID, appKey uint32) (m *Module, pool *request.Pool, prt *partner.Partner, drv, peerDrv *driver.Fake) {
	t.Helper()
	pool = request.NewPool()
	partners := partner.NewTable(pool)
	prt = partners.GetOrCreate(1, [6]byte{1}, 0, 32*1024)
	drv = driver.NewFake(sessionID)
	peerDrv = driver.NewFake(sessionID + 100)
	driver.Connect(drv, peerDrv)
	doneQ := request.NewQueue(pool, request.LinkDone)
	m = NewModule(pool, partners, drv, doneQ, &recordingCanceller{}, sessionID, appKey)
	return m, pool, prt, drv, peerDrv
}

func TestConnectSendsRequestAndLinksBothQueues(t *testing.T) {
	m, pool, prt, _, peerDrv := newTestModule(t, 1, 42)

	h, err := m.Connect(prt, false)
	assert.NilError(t, err)
	assert.Assert(t, h.Valid())
	assert.Assert(t, m.EpConnectQ.InQueue(h))
	assert.Assert(t, prt.Connect.InQueue(h))
	assert.Equal(t, prt.ConnectSeqnum, uint8(1))

	req := pool.Get(h)
	assert.Equal(t, req.Resends, 1)

	ev, ok := peerDrv.PollUnexpected()
	assert.Assert(t, ok)
	assert.Equal(t, ev.Kind, driver.EventConnectRequest)
}

func TestSelfConnectBypassesWireAndAdoptsOwnSession(t *testing.T) {
	m, _, prt, _, _ := newTestModule(t, 77, 42)
	prt.NextMatchRecvSeq = 5

	h, err := m.Connect(prt, true)
	assert.NilError(t, err)
	assert.Assert(t, !h.Valid())
	assert.Equal(t, prt.Locality, partner.LocalityLocal)
	assert.Equal(t, prt.TrueSessionID, uint32(77))
	assert.Equal(t, prt.NextSendSeq, uint16(5))
}

func TestHandleConnectRequestRejectsBadAppKey(t *testing.T) {
	m, _, prt, _, peerDrv := newTestModule(t, 1, 42)

	err := m.HandleConnectRequest(prt, driver.Event{
		MatchInfo: uint64(99) << 32, SessionID: 5,
	})
	assert.NilError(t, err)

	ev, ok := peerDrv.PollUnexpected()
	assert.Assert(t, ok)
	assert.Equal(t, ev.StatusCode, uint8(1))
}

func TestHandleConnectRequestAdoptsTargetRecvSeqAsSendSeq(t *testing.T) {
	m, _, prt, _, peerDrv := newTestModule(t, 1, 42)

	matchInfo := uint64(42)<<32 | uint64(3)<<16 | uint64(7)
	err := m.HandleConnectRequest(prt, driver.Event{MatchInfo: matchInfo, SessionID: 9})
	assert.NilError(t, err)

	assert.Equal(t, prt.NextSendSeq, uint16(7))
	assert.Equal(t, prt.TrueSessionID, uint32(9))
	assert.Equal(t, prt.BackSessionID, uint32(9))
	assert.Equal(t, prt.Locality, partner.LocalityRemote, "a request arriving off the wire must mark the partner remote")

	ev, ok := peerDrv.PollUnexpected()
	assert.Assert(t, ok)
	assert.Equal(t, ev.Kind, driver.EventConnectReply)
	assert.Equal(t, ev.StatusCode, uint8(0))
}

func TestHandleConnectReplyCompletesMatchingRequestByEchoedSeqnum(t *testing.T) {
	m, pool, prt, _, _ := newTestModule(t, 1, 42)

	h, err := m.Connect(prt, false)
	assert.NilError(t, err)

	matchInfo := uint64(0)<<32 | uint64(0)<<16 | uint64(11)
	err = m.HandleConnectReply(prt, driver.Event{MatchInfo: matchInfo, SessionID: 55, StatusCode: 0})
	assert.NilError(t, err)

	assert.Assert(t, !m.EpConnectQ.InQueue(h))
	assert.Assert(t, !prt.Connect.InQueue(h))
	req := pool.Get(h)
	assert.Assert(t, req.State.Has(request.Done))
	assert.Equal(t, req.Status.Code, mxerr.Success)
	assert.Equal(t, prt.NextSendSeq, uint16(11))
	assert.Equal(t, prt.TrueSessionID, uint32(55))
	assert.Equal(t, prt.Locality, partner.LocalityRemote, "a completed reply must mark the partner remote")
}

func TestHandleConnectReplyMapsNonZeroStatusToError(t *testing.T) {
	m, pool, prt, _, _ := newTestModule(t, 1, 42)

	h, err := m.Connect(prt, false)
	assert.NilError(t, err)

	err = m.HandleConnectReply(prt, driver.Event{MatchInfo: 0, SessionID: 55, StatusCode: 1})
	assert.NilError(t, err)

	req := pool.Get(h)
	assert.Assert(t, req.State.Has(request.Done))
	assert.Equal(t, req.Status.Code, mxerr.RemoteEndpointBadConnectionKey)
}
