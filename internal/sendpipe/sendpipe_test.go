package sendpipe

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/match"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/seg"
)

func newTestPipeline(t *testing.T) (*Pipeline, *request.Pool, *partner.Partner, *driver.Fake) {
	t.Helper()
	pool := request.NewPool()
	partners := partner.NewTable(pool)
	drv := driver.NewFake(1)
	peer := driver.NewFake(2)
	driver.Connect(drv, peer)
	prt := partners.GetOrCreate(1, [6]byte{9}, 0, 32*1024)

	p := &Pipeline{
		Pool:           pool,
		Partners:       partners,
		Regions:        region.NewCache(drv),
		Driver:         drv,
		Cfg:            config.Load(func(string) string { return "" }),
		Resources:      &Resources{AvailExpEvents: 256, LargeSendCredits: 8, SendqFree: 64},
		NeedResourcesQ: request.NewQueue(pool, request.LinkWork),
		SelfMatch:      match.NewEngine(match.ContextConfig{}),
		DoneQ:          request.NewQueue(pool, request.LinkDone),
		UnexpSelfSendQ: request.NewQueue(pool, request.LinkWork),
	}
	return p, pool, prt, drv
}

func allocTiny(pool *request.Pool, prt *partner.Partner, data []byte) request.Handle {
	h := pool.Alloc(request.KindSendTiny)
	req := pool.Get(h)
	req.PartnerID = int32(prt.ID)
	var tp request.TinyPayload
	tp.Len = copy(tp.Data[:], data)
	req.Payload = tp
	req.MissingResources = request.ResExpEvent
	return h
}

func TestSubmitTinyCompletesImmediatelyAndConsumesExpEventCredit(t *testing.T) {
	p, pool, prt, _ := newTestPipeline(t)
	h := allocTiny(pool, prt, []byte{1, 2, 3})

	err := p.Submit(h)
	assert.NilError(t, err)

	req := pool.Get(h)
	assert.Assert(t, req.State.Has(request.Done), "TINY completes synchronously once posted")
	assert.Equal(t, req.Status.Code, mxerr.Success)
	assert.Equal(t, p.Resources.AvailExpEvents, 255)
	assert.Assert(t, prt.NonAcked.InQueue(h), "a completed-but-not-yet-acked send still lingers on non_acked_req_q")
}

func TestSubmitParksOnMissingResources(t *testing.T) {
	p, pool, prt, _ := newTestPipeline(t)
	p.Resources.AvailExpEvents = 0
	h := allocTiny(pool, prt, []byte{1})

	err := p.Submit(h)
	assert.NilError(t, err)

	req := pool.Get(h)
	assert.Assert(t, req.State.Has(request.NeedResources))
	assert.Assert(t, p.NeedResourcesQ.InQueue(h))
	assert.Assert(t, !req.State.Has(request.Done))
}

func TestSubmitQueuesBehindAnEarlierStillBlockedRequest(t *testing.T) {
	p, pool, prt, _ := newTestPipeline(t)
	p.Resources.AvailExpEvents = 0

	first := allocTiny(pool, prt, []byte{1})
	assert.NilError(t, p.Submit(first))
	assert.Assert(t, p.NeedResourcesQ.InQueue(first))

	p.Resources.AvailExpEvents = 1 // enough for a second, cheaper request alone
	second := allocTiny(pool, prt, []byte{2})
	assert.NilError(t, p.Submit(second))

	req := pool.Get(second)
	assert.Assert(t, req.State.Has(request.NeedResources), "a later request must not skip ahead of an earlier blocked one")
	assert.Assert(t, p.NeedResourcesQ.InQueue(second))
	assert.Assert(t, !req.State.Has(request.Done))
	assert.Equal(t, p.Resources.AvailExpEvents, 1, "the second request must not have consumed the credit out of order")
}

func TestRetryDelayedResumesOnceResourcesFree(t *testing.T) {
	p, pool, prt, _ := newTestPipeline(t)
	p.Resources.AvailExpEvents = 0
	h := allocTiny(pool, prt, []byte{1})
	assert.NilError(t, p.Submit(h))

	acquired, err := p.RetryDelayed(h)
	assert.NilError(t, err)
	assert.Assert(t, !acquired, "still blocked with zero exp-event credits")

	p.Resources.AvailExpEvents = 1
	acquired, err = p.RetryDelayed(h)
	assert.NilError(t, err)
	assert.Assert(t, acquired)
	req := pool.Get(h)
	assert.Assert(t, req.State.Has(request.Done))
}

func TestSubmitThrottlesWhenOutstandingSeqnumWindowFull(t *testing.T) {
	p, pool, prt, _ := newTestPipeline(t)
	prt.NextSendSeq = config.ThrottlingOffsetMax
	prt.NextAckedSendSeq = 0

	h := allocTiny(pool, prt, []byte{1})
	assert.NilError(t, p.Submit(h))

	req := pool.Get(h)
	assert.Assert(t, !req.State.Has(request.Done), "a throttled send must not complete")
	assert.Assert(t, prt.NeedSeqnum.InQueue(h))
	assert.Assert(t, prt.Throttling)
}

func TestSubmitSelfMatchesPostedRecvSynchronously(t *testing.T) {
	p, pool, _, _ := newTestPipeline(t)

	recvBuf := make([]byte, 4)
	recvH := pool.Alloc(request.KindRecv)
	recvReq := pool.Get(recvH)
	recvReq.MatchInfo = 0xABCD
	recvReq.MatchMask = 0xFFFF
	posted := match.Posted{Handle: recvH, MatchInfo: 0xABCD, MatchMask: 0xFFFF, Segs: seg.List{{Data: recvBuf}}}
	_, ok := p.SelfMatch.Post(posted)
	assert.Assert(t, !ok)

	h := pool.Alloc(request.KindSendSelf)
	req := pool.Get(h)
	req.MatchInfo = 0xABCD
	sendBuf := []byte{9, 9, 9, 9}
	req.Payload = request.SelfPayload{PeerSegs: seg.List{{Data: sendBuf}}}

	assert.NilError(t, p.Submit(h))

	assert.Assert(t, pool.Get(h).State.Has(request.Done))
	assert.Assert(t, pool.Get(recvH).State.Has(request.Done))
	assert.DeepEqual(t, recvBuf, sendBuf)
}

func TestSubmitSelfParksOnUnexpSelfSendQWhenUnmatched(t *testing.T) {
	p, pool, _, _ := newTestPipeline(t)

	h := pool.Alloc(request.KindSendSelf)
	req := pool.Get(h)
	req.MatchInfo = 0x1
	req.Payload = request.SelfPayload{PeerSegs: seg.List{{Data: []byte{1}}}}

	assert.NilError(t, p.Submit(h))

	req = pool.Get(h)
	assert.Assert(t, req.State.Has(request.UnexpectedSelfSend))
	assert.Assert(t, p.UnexpSelfSendQ.InQueue(h))
	assert.Assert(t, !req.State.Has(request.Done))
}

func TestResendReissuesWithoutConsumingNewSeqnum(t *testing.T) {
	p, pool, prt, _ := newTestPipeline(t)
	h := allocTiny(pool, prt, []byte{1, 2})
	assert.NilError(t, p.Submit(h))
	req := pool.Get(h)
	seqBefore := req.SendSeqnum

	assert.NilError(t, p.Resend(h, 42))

	req = pool.Get(h)
	assert.Equal(t, req.SendSeqnum, seqBefore, "Resend must not consume a fresh seqnum")
	assert.Equal(t, req.Resends, 2)
	assert.Equal(t, req.LastSendJiffies, uint64(42))
}
