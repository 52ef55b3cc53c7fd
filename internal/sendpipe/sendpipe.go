// Package sendpipe implements the send submission pipeline (spec.md §4.7):
// the six submission modes (SELF, TINY, SMALL, MEDIUMSQ, MEDIUMVA, LARGE),
// the fallible resource-acquisition sequence, and the seqnum throttling
// gate.
package sendpipe

import (
	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/match"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/seg"
)

// resourceOrder is the fixed acquisition order (spec.md §4.7): step 1
// (ResExpEvent) first, set by this slice rather than by the ResourceMask
// bit numbering.
var resourceOrder = []request.ResourceMask{
	request.ResExpEvent,
	request.ResLargeSendCredit,
	request.ResLargeRegion,
	request.ResPullHandle,
	request.ResSendqSlot,
}

// Resources is the endpoint's fallible global budget: the available
// expected-event credit and the large-send credit counter (spec.md §4.7
// steps 1-2).
type Resources struct {
	AvailExpEvents   int
	LargeSendCredits int
	SendqFree        int
}

// Pipeline wires the submission sequence to the endpoint's pool, partner
// table, region cache and driver.
type Pipeline struct {
	Pool      *request.Pool
	Partners  *partner.Table
	Regions   *region.Cache
	Driver    driver.Driver
	Cfg       *config.Config
	Resources *Resources

	// NeedResourcesQ holds requests parked after a MISSING_RESOURCES
	// failure, FIFO, retried by the delayed-processing pass (§4.10).
	NeedResourcesQ *request.Queue

	// SelfMatch is the endpoint's own matching engine, used for
	// SEND_SELF (spec.md §4.7 "A self-send bypasses the wire").
	SelfMatch *match.Engine

	// DoneQ is the endpoint's done queue; early-completed sends land
	// here (spec.md §4.7 "completed early... moved to done queue").
	DoneQ *request.Queue

	// UnexpSelfSendQ holds self-sends that missed matching on post and
	// wait for a later recv (spec.md §4.7 "lingers on
	// unexp_self_send_req_q until a matching recv arrives").
	UnexpSelfSendQ *request.Queue

	SessionID uint32
	MyAddr    [6]byte
}

// Submit runs the resource-acquisition sequence, the seqnum gate, and
// either the self-send shortcut or the wire post for h. It is idempotent
// across parks: calling it again for a request already holding some
// resources resumes from MissingResources rather than re-acquiring.
func (p *Pipeline) Submit(h request.Handle) error {
	req := p.Pool.Get(h)
	if req == nil {
		return mxerr.New(mxerr.BadRequest)
	}

	if req.Kind == request.KindSendSelf {
		return p.submitSelf(h, req)
	}

	// An earlier submission still waiting on NeedResourcesQ must be
	// satisfied first: letting a fresh request that happens to need less
	// jump the head-of-line request would complete sends out of
	// submission order (spec.md §4.7).
	if !p.NeedResourcesQ.Empty() || !p.acquireResources(req) {
		req.State |= request.NeedResources
		p.NeedResourcesQ.PushBack(h)
		return nil
	}
	req.State &^= request.NeedResources

	prt := p.Partners.Get(partner.ID(req.PartnerID))
	if prt == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}

	if int(prt.NextSendSeq-prt.NextAckedSendSeq) >= config.ThrottlingOffsetMax {
		prt.NeedSeqnum.PushBack(h)
		prt.Throttling = true
		return nil
	}

	return p.postToWire(h, req, prt)
}

// acquireResources runs the five-step sequence from req.MissingResources
// (fresh requests start with every bit set by the caller before first
// Submit), returning false and leaving already-acquired resources in
// place if any step still needs more.
func (p *Pipeline) acquireResources(req *request.Request) bool {
	for _, bit := range resourceOrder {
		if req.MissingResources&bit == 0 {
			continue
		}
		if !p.acquireOne(bit, req) {
			return false
		}
		req.MissingResources &^= bit
	}
	return true
}

func (p *Pipeline) acquireOne(bit request.ResourceMask, req *request.Request) bool {
	switch bit {
	case request.ResExpEvent:
		need := 1
		if sq, ok := req.Payload.(request.MediumSQPayload); ok {
			need = sq.Frags.FragsNr
		}
		if p.Resources.AvailExpEvents < need {
			return false
		}
		p.Resources.AvailExpEvents -= need
		return true
	case request.ResLargeSendCredit:
		if req.Kind != request.KindSendLarge {
			return true
		}
		if p.Resources.LargeSendCredits <= 0 {
			return false
		}
		p.Resources.LargeSendCredits--
		return true
	case request.ResLargeRegion:
		lp, ok := req.Payload.(request.LargeSendPayload)
		if !ok {
			return true
		}
		r, err := p.Regions.Get(lp.Segs, req.Handle)
		if err != nil {
			return false
		}
		lp.RegionID = r.ID
		req.Payload = lp
		return true
	case request.ResPullHandle:
		// Pulls are driven by the peer for LARGE sends; nothing to
		// acquire on the sender side.
		return true
	case request.ResSendqSlot:
		sq, ok := req.Payload.(request.MediumSQPayload)
		if !ok {
			return true
		}
		if p.Resources.SendqFree < sq.Frags.FragsNr {
			return false
		}
		p.Resources.SendqFree -= sq.Frags.FragsNr
		return true
	}
	return true
}

// RetryDelayed resumes the resource-acquisition sequence for a request
// parked on NeedResourcesQ (spec.md §4.10 process_delayed_requests),
// picking up from its remembered MissingResources mask. It reports
// acquired=false when the request is still blocked, so the scheduler can
// re-queue it at the head and stop draining this pass.
func (p *Pipeline) RetryDelayed(h request.Handle) (acquired bool, err error) {
	req := p.Pool.Get(h)
	if req == nil {
		return true, mxerr.New(mxerr.BadRequest)
	}
	if !p.acquireResources(req) {
		return false, nil
	}
	req.State &^= request.NeedResources

	prt := p.Partners.Get(partner.ID(req.PartnerID))
	if prt == nil {
		return true, mxerr.New(mxerr.PeerNotFound)
	}

	if int(prt.NextSendSeq-prt.NextAckedSendSeq) >= config.ThrottlingOffsetMax {
		prt.NeedSeqnum.PushBack(h)
		prt.Throttling = true
		return true, nil
	}

	return true, p.postToWire(h, req, prt)
}

// PostToWire runs the wire-post step for a request whose resources were
// already acquired and whose seqnum gate already passed — used by the
// throttling drain (spec.md §4.10 process_throttling_requests) once an
// ack frees up outstanding-seqnum room.
func (p *Pipeline) PostToWire(h request.Handle) error {
	req := p.Pool.Get(h)
	if req == nil {
		return mxerr.New(mxerr.BadRequest)
	}
	prt := p.Partners.Get(partner.ID(req.PartnerID))
	if prt == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	return p.postToWire(h, req, prt)
}

// Resend reissues the same command for a request already on a
// non_acked_req_q, without consuming a new seqnum (spec.md §4.9
// "Retransmit": "the ioctl is re-issued, resends++, last_send_jiffies
// updated").
func (p *Pipeline) Resend(h request.Handle, nowJiffies uint64) error {
	req := p.Pool.Get(h)
	if req == nil {
		return mxerr.New(mxerr.BadRequest)
	}
	prt := p.Partners.Get(partner.ID(req.PartnerID))
	if prt == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}

	cmd := driver.SendCmd{
		DestAddr:     prt.BoardAddr,
		DestEndpoint: prt.EndpointIndex,
		Seqnum:       req.SendSeqnum,
		PiggyAck:     prt.NextFragRecvSeq,
		MatchInfo:    req.MatchInfo,
		SessionID:    prt.TrueSessionID,
	}

	var err error
	switch req.Kind {
	case request.KindSendTiny:
		t := req.Payload.(request.TinyPayload)
		cmd.Payload = t.Data[:t.Len]
		err = p.Driver.Send(driver.SendTiny, cmd)
	case request.KindSendSmall:
		s := req.Payload.(request.SmallPayload)
		cmd.Payload = s.Buf
		err = p.Driver.Send(driver.SendSmall, cmd)
	case request.KindSendMediumSQ:
		sq := req.Payload.(request.MediumSQPayload)
		err = p.sendFragments(cmd, driver.SendMediumSQFrag, sq.Segs, sq.Frags)
	case request.KindSendMediumVA:
		va := req.Payload.(request.MediumVAPayload)
		err = p.sendFragments(cmd, driver.SendMediumVA, va.Segs, va.Frags)
	case request.KindSendLarge:
		lp := req.Payload.(request.LargeSendPayload)
		cmd.Segs = lp.Segs
		cmd.RegionID = lp.RegionID
		err = p.Driver.Send(driver.SendRNDV, cmd)
	}
	if err != nil {
		return err
	}
	req.Resends++
	req.LastSendJiffies = nowJiffies
	return nil
}

// postToWire consumes a send-seqnum, attaches the piggyback ack, issues
// the driver command, and early-completes where the spec allows it
// (spec.md §4.7 "Once gated through...").
func (p *Pipeline) postToWire(h request.Handle, req *request.Request, prt *partner.Partner) error {
	seqnum := prt.ConsumeSendSeqnum()
	req.SendSeqnum = seqnum
	piggyAck := prt.NextFragRecvSeq
	req.Resends = 1
	req.State |= request.NeedAck

	cmd := driver.SendCmd{
		DestAddr:     prt.BoardAddr,
		DestEndpoint: prt.EndpointIndex,
		Seqnum:       seqnum,
		PiggyAck:     piggyAck,
		MatchInfo:    req.MatchInfo,
		SessionID:    prt.TrueSessionID,
	}

	var err error
	switch req.Kind {
	case request.KindSendTiny:
		t := req.Payload.(request.TinyPayload)
		cmd.Payload = t.Data[:t.Len]
		err = p.Driver.Send(driver.SendTiny, cmd)
	case request.KindSendSmall:
		s := req.Payload.(request.SmallPayload)
		cmd.Payload = s.Buf
		err = p.Driver.Send(driver.SendSmall, cmd)
	case request.KindSendMediumSQ:
		sq := req.Payload.(request.MediumSQPayload)
		err = p.sendFragments(cmd, driver.SendMediumSQFrag, sq.Segs, sq.Frags)
	case request.KindSendMediumVA:
		va := req.Payload.(request.MediumVAPayload)
		err = p.sendFragments(cmd, driver.SendMediumVA, va.Segs, va.Frags)
	case request.KindSendLarge:
		lp := req.Payload.(request.LargeSendPayload)
		cmd.Segs = lp.Segs
		cmd.RegionID = lp.RegionID
		err = p.Driver.Send(driver.SendRNDV, cmd)
		req.State |= request.NeedReply
	}
	if err != nil {
		return err
	}

	prt.NonAcked.PushBack(h)

	switch req.Kind {
	case request.KindSendTiny, request.KindSendSmall, request.KindSendMediumSQ:
		request.Complete(p.DoneQ, h, request.Status{Code: mxerr.Success, MsgLength: msgLen(req), XferLength: msgLen(req)})
	}
	return nil
}

func (p *Pipeline) sendFragments(cmd driver.SendCmd, kind driver.SendKind, segs seg.List, frags request.MediumFragState) error {
	shift := frags.FragPipelineShift
	fragSize := 1 << shift
	total := segs.TotalLen()
	for i := 0; i < frags.FragsNr; i++ {
		off := i << shift
		n := fragSize
		if off+n > total {
			n = total - off
		}
		buf := make([]byte, n)
		seg.CopyRangeFromSegments(buf, segs, off)
		fc := cmd
		fc.Payload = buf[:n]
		fc.FragSeqnum = uint32(i)
		fc.FragPipeline = shift
		if err := p.Driver.Send(kind, fc); err != nil {
			return err
		}
	}
	return nil
}

func msgLen(req *request.Request) uint32 {
	switch pl := req.Payload.(type) {
	case request.TinyPayload:
		return uint32(pl.Len)
	case request.SmallPayload:
		return uint32(len(pl.Buf))
	case request.MediumSQPayload:
		return uint32(pl.Segs.TotalLen())
	case request.MediumVAPayload:
		return uint32(pl.Segs.TotalLen())
	}
	return 0
}

// submitSelf performs the in-process matching bypass (spec.md §4.7 "A
// self-send bypasses the wire entirely"): it matches directly against the
// endpoint's own posted recvs and, on a hit, copies segments to segments
// and completes both sides synchronously. On a miss, the send is parked
// on UnexpSelfSendQ until the recv pipeline's self-recv path finds it.
func (p *Pipeline) submitSelf(h request.Handle, req *request.Request) error {
	sp := req.Payload.(request.SelfPayload)
	matched, ok := p.SelfMatch.MatchSelf(req.MatchInfo)
	if !ok {
		req.State |= request.UnexpectedSelfSend
		p.UnexpSelfSendQ.PushBack(h)
		return nil
	}
	recvReq := p.Pool.Get(matched.Handle)
	n := sp.PeerSegs.TotalLen()
	if recvReq != nil {
		n = seg.CopySegsToSegs(matched.Segs, sp.PeerSegs, n)
		request.Complete(p.DoneQ, matched.Handle, request.Status{Code: mxerr.Success, MsgLength: uint32(n), XferLength: uint32(n)})
	}
	request.Complete(p.DoneQ, h, request.Status{Code: mxerr.Success, MsgLength: uint32(n), XferLength: uint32(n)})
	return nil
}
