package recvpipe

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/match"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/seg"
)

type fakeAcks struct {
	acked       []uint16
	fragSeen    int
	ackLosses   int
	nacked      []request.Handle
}

func (a *fakeAcks) NoteFragmentReceived(p *partner.Partner) { a.fragSeen++ }
func (a *fakeAcks) NoteAckLoss(p *partner.Partner)           { a.ackLosses++ }
func (a *fakeAcks) HandleAck(p *partner.Partner, ackBefore uint16) int {
	a.acked = append(a.acked, ackBefore)
	return 0
}
func (a *fakeAcks) HandleNack(h request.Handle, reason uint8) { a.nacked = append(a.nacked, h) }

type fakeHandshaker struct{ reqs, replies int }

func (h *fakeHandshaker) HandleConnectRequest(prt *partner.Partner, ev driver.Event) error {
	h.reqs++
	return nil
}
func (h *fakeHandshaker) HandleConnectReply(prt *partner.Partner, ev driver.Event) error {
	h.replies++
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *request.Pool, *partner.Partner, *fakeAcks, *driver.Fake) {
	t.Helper()
	pool := request.NewPool()
	partners := partner.NewTable(pool)
	prt := partners.GetOrCreate(1, [6]byte{1}, 0, 32*1024)
	drv := driver.NewFake(1)
	peer := driver.NewFake(2)
	driver.Connect(drv, peer)

	acks := &fakeAcks{}
	p := NewPipeline()
	p.Pool = pool
	p.Partners = partners
	p.Regions = region.NewCache(drv)
	p.Driver = drv
	p.Match = match.NewEngine(match.ContextConfig{})
	p.Acks = acks
	p.Handshake = &fakeHandshaker{}
	p.DoneQ = request.NewQueue(pool, request.LinkDone)
	return p, pool, prt, acks, drv
}

func TestHandleSingleFragmentMatchesPostedRecvAndAdvancesWindow(t *testing.T) {
	p, pool, prt, acks, _ := newTestPipeline(t)

	buf := make([]byte, 4)
	recvH := pool.Alloc(request.KindRecv)
	p.Match.Post(match.Posted{Handle: recvH, MatchInfo: 0x10, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf}}})

	err := p.HandleEvent(prt, driver.Event{
		Kind: driver.EventTiny, Seqnum: 0, MatchInfo: 0x10, Length: 4, Payload: []byte{1, 2, 3, 4},
	})
	assert.NilError(t, err)

	req := pool.Get(recvH)
	assert.Assert(t, req.State.Has(request.Done))
	assert.DeepEqual(t, buf, []byte{1, 2, 3, 4})
	assert.Equal(t, prt.NextMatchRecvSeq, uint16(1))
	assert.Equal(t, acks.fragSeen, 1)
}

func TestHandleSingleFragmentEarlyIsBufferedNotConsumed(t *testing.T) {
	p, _, prt, _, _ := newTestPipeline(t)
	prt.NextMatchRecvSeq = 0

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventTiny, Seqnum: 5, MatchInfo: 0x1, Length: 2, Payload: []byte{9, 9}})
	assert.NilError(t, err)

	assert.Equal(t, len(prt.EarlyRecvQ), 1)
	assert.Equal(t, prt.NextMatchRecvSeq, uint16(0), "an early packet must not advance the window")
}

func TestHandleSingleFragmentObsoleteIsDropped(t *testing.T) {
	p, _, prt, acks, _ := newTestPipeline(t)
	prt.NextMatchRecvSeq = 10
	prt.NextFragRecvSeq = 10

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventTiny, Seqnum: 9, MatchInfo: 0x1, Length: 1, Payload: []byte{1}})
	assert.NilError(t, err)

	assert.Equal(t, prt.NextMatchRecvSeq, uint16(10), "an obsolete fragment must not move the window")
	assert.Equal(t, acks.ackLosses, 1, "exactly-one-below-window triggers an immediate ack loss signal")
}

func TestEarlyPacketReplaysOnceWindowCatchesUp(t *testing.T) {
	p, pool, prt, _, _ := newTestPipeline(t)

	buf0 := make([]byte, 2)
	buf1 := make([]byte, 2)
	h0 := pool.Alloc(request.KindRecv)
	h1 := pool.Alloc(request.KindRecv)
	p.Match.Post(match.Posted{Handle: h0, MatchInfo: 0x1, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf0}}})
	p.Match.Post(match.Posted{Handle: h1, MatchInfo: 0x2, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf1}}})

	assert.NilError(t, p.HandleEvent(prt, driver.Event{Kind: driver.EventTiny, Seqnum: 1, MatchInfo: 0x2, Length: 2, Payload: []byte{7, 7}}))
	assert.Equal(t, prt.NextMatchRecvSeq, uint16(0), "seqnum 1 is early while window sits at 0")

	assert.NilError(t, p.HandleEvent(prt, driver.Event{Kind: driver.EventTiny, Seqnum: 0, MatchInfo: 0x1, Length: 2, Payload: []byte{5, 5}}))

	assert.Equal(t, prt.NextMatchRecvSeq, uint16(2), "processing seqnum 0 must cascade-replay the buffered seqnum 1")
	assert.Assert(t, pool.Get(h0).State.Has(request.Done))
	assert.Assert(t, pool.Get(h1).State.Has(request.Done))
	assert.Equal(t, len(prt.EarlyRecvQ), 0)
}

func TestHandleRNDVUnmatchedStillAdvancesWindow(t *testing.T) {
	p, _, prt, _, _ := newTestPipeline(t)

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventRNDV, Seqnum: 0, MatchInfo: 0x99, Length: 1024, RDMAID: 3})
	assert.NilError(t, err)
	assert.Equal(t, prt.NextMatchRecvSeq, uint16(1))
}

func TestHandleRNDVMatchedStartsPull(t *testing.T) {
	p, pool, prt, _, drv := newTestPipeline(t)

	buf := make([]byte, 1024)
	recvH := pool.Alloc(request.KindRecv)
	p.Match.Post(match.Posted{Handle: recvH, MatchInfo: 0x99, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf}}})

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventRNDV, Seqnum: 0, MatchInfo: 0x99, Length: 1024, RDMAID: 7})
	assert.NilError(t, err)

	req := pool.Get(recvH)
	assert.Equal(t, req.Kind, request.KindRecvLarge)
	assert.Assert(t, req.State.Has(request.DriverPulling))
	_ = drv
}

func TestHandleMediumFragReassemblesAcrossFragments(t *testing.T) {
	p, pool, prt, _, _ := newTestPipeline(t)

	buf := make([]byte, 8)
	recvH := pool.Alloc(request.KindRecv)
	p.Match.Post(match.Posted{Handle: recvH, MatchInfo: 0x55, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf}}})

	err := p.HandleEvent(prt, driver.Event{
		Kind: driver.EventMediumFrag, Seqnum: 0, MatchInfo: 0x55, Length: 8,
		FragSeqnum: 0, FragLength: 4, FragPipeline: 2, Payload: []byte{1, 2, 3, 4},
	})
	assert.NilError(t, err)
	assert.Assert(t, !pool.Get(recvH).State.Has(request.Done), "first of two fragments must not complete yet")

	err = p.HandleEvent(prt, driver.Event{
		Kind: driver.EventMediumFrag, Seqnum: 1, MatchInfo: 0x55, Length: 8,
		FragSeqnum: 1, FragLength: 4, FragPipeline: 2, Payload: []byte{5, 6, 7, 8},
	})
	assert.NilError(t, err)

	req := pool.Get(recvH)
	assert.Assert(t, req.State.Has(request.Done))
	assert.DeepEqual(t, buf, []byte{1, 2, 3, 4, 5, 6, 7, 8})
}

func TestHandleMediumFragBuffersUnmatchedFragmentsForLaterPost(t *testing.T) {
	p, pool, prt, _, _ := newTestPipeline(t)

	err := p.HandleEvent(prt, driver.Event{
		Kind: driver.EventMediumFrag, Seqnum: 0, MatchInfo: 0x66, Length: 8,
		FragSeqnum: 0, FragLength: 4, FragPipeline: 2, Payload: []byte{1, 2, 3, 4},
	})
	assert.NilError(t, err)
	assert.Equal(t, prt.NextMatchRecvSeq, uint16(0), "an unmatched message must not advance the window until fully reassembled")

	err = p.HandleEvent(prt, driver.Event{
		Kind: driver.EventMediumFrag, Seqnum: 1, MatchInfo: 0x66, Length: 8,
		FragSeqnum: 1, FragLength: 4, FragPipeline: 2, Payload: []byte{5, 6, 7, 8},
	})
	assert.NilError(t, err)
	assert.Equal(t, prt.NextMatchRecvSeq, uint16(2), "the window advances once the whole unmatched message is reassembled")

	buf := make([]byte, 8)
	recvH := pool.Alloc(request.KindRecv)
	u, ok := p.Match.Post(match.Posted{Handle: recvH, MatchInfo: 0x66, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf}}})
	assert.Assert(t, ok, "the reassembled bytes from both fragments must be sitting in the unexpected buffer")
	assert.DeepEqual(t, u.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}, "no fragment's data may be lost while the message is unmatched")
}

func TestHandleNotifyCompletesOnceBothAckAndNotifyArrived(t *testing.T) {
	p, pool, prt, _, _ := newTestPipeline(t)

	h := pool.Alloc(request.KindSendLarge)
	req := pool.Get(h)
	req.PartnerID = int32(prt.ID)
	req.State |= request.NeedReply
	req.Payload = request.LargeSendPayload{RegionID: 4}
	req.Status.MsgLength = 2048

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventNotify, PullHandle: h.Encode(), Length: 2048})
	assert.NilError(t, err)
	assert.Assert(t, pool.Get(h).State.Has(request.Done), "NEED_ACK already clear, so NOTIFY alone must complete the send")
}

func TestHandleNotifyWaitsForAckWhenStillPending(t *testing.T) {
	p, pool, prt, _, _ := newTestPipeline(t)

	h := pool.Alloc(request.KindSendLarge)
	req := pool.Get(h)
	req.PartnerID = int32(prt.ID)
	req.State |= request.NeedReply | request.NeedAck
	req.Payload = request.LargeSendPayload{RegionID: 4}

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventNotify, PullHandle: h.Encode(), Length: 2048})
	assert.NilError(t, err)
	assert.Assert(t, !pool.Get(h).State.Has(request.Done), "an outstanding ack must defer completion")
}

func TestHandlePullDoneUsesRequestsPartnerNotDispatchedPrt(t *testing.T) {
	p, pool, prt, _, drv := newTestPipeline(t)
	other := p.Partners.GetOrCreate(2, [6]byte{2}, 0, 32*1024)
	prt.TrueSessionID = 0x11
	other.TrueSessionID = 0x22
	peer := driver.NewFake(3)
	driver.Connect(drv, peer)

	h := pool.Alloc(request.KindRecvLarge)
	req := pool.Get(h)
	req.PartnerID = int32(other.ID)
	req.State |= request.RecvPartial | request.DriverPulling
	req.Payload = request.RecvLargePayload{}

	err := p.HandleEvent(prt, driver.Event{Kind: driver.EventPullDone, PullHandle: h.Encode(), Length: 4096, RDMAID: 1})
	assert.NilError(t, err)

	assert.Assert(t, pool.Get(h).State.Has(request.Done))
	ev, ok := peer.PollUnexpected()
	assert.Assert(t, ok, "PULL_DONE must send a NOTIFY")
	assert.Equal(t, ev.SessionID, uint32(0x22), "PULL_DONE must NOTIFY the request's own partner, not the dispatched one")
}

func TestHandleAckAndNackDelegateToAckNotifier(t *testing.T) {
	p, _, prt, acks, _ := newTestPipeline(t)

	assert.NilError(t, p.HandleEvent(prt, driver.Event{Kind: driver.EventLIBAck, Seqnum: 3}))
	assert.DeepEqual(t, acks.acked, []uint16{3})

	h := request.Handle{Slot: 1, Generation: 1}
	assert.NilError(t, p.HandleEvent(prt, driver.Event{Kind: driver.EventNackLib, PullHandle: h.Encode(), NackReason: 1}))
	assert.Equal(t, len(acks.nacked), 1)
}

func TestHandleConnectEventsDelegateToHandshaker(t *testing.T) {
	p, _, prt, _, _ := newTestPipeline(t)
	hs := p.Handshake.(*fakeHandshaker)

	assert.NilError(t, p.HandleEvent(prt, driver.Event{Kind: driver.EventConnectRequest}))
	assert.NilError(t, p.HandleEvent(prt, driver.Event{Kind: driver.EventConnectReply}))
	assert.Equal(t, hs.reqs, 1)
	assert.Equal(t, hs.replies, 1)
	_ = mxerr.Success
}
