// Package recvpipe implements the inbound event dispatch and per-partner
// fragment ordering described in spec.md §4.8: single-fragment matching
// for TINY/SMALL/RNDV, multi-fragment MEDIUM_FRAG reassembly, NOTIFY and
// PULL_DONE handling for large transfers, and the early-packet window
// that reorders packets arriving ahead of next_match_recv_seq.
package recvpipe

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

// AckNotifier is implemented by the ack/retransmit module so recvpipe can
// report "a fragment advanced the recv window" / "an obsolete fragment one
// below next_frag_recv_seq arrived" without importing it directly (avoids
// a recvpipe<->ackrt import cycle, since ack generation also consults
// partner state recvpipe owns).
type AckNotifier interface {
	NoteFragmentReceived(p *partner.Partner)
	NoteAckLoss(p *partner.Partner)
	HandleAck(p *partner.Partner, ackBefore uint16) int
	HandleNack(h request.Handle, reason uint8)
}

// Handshaker is implemented by the handshake module so recvpipe can
// dispatch CONNECT_REQUEST/CONNECT_REPLY events without importing it
// directly (handshake already depends on partner/request/driver, same
// decoupling rationale as AckNotifier).
type Handshaker interface {
	HandleConnectRequest(prt *partner.Partner, ev driver.Event) error
	HandleConnectReply(prt *partner.Partner, ev driver.Event) error
}

// Pipeline wires inbound-event dispatch to the matching engine, partner
// table, region cache, and driver.
type Pipeline struct {
	Pool     *request.Pool
	Partners *partner.Table
	Regions  *region.Cache
	Driver   driver.Driver
	Match    *match.Engine
	Acks     AckNotifier
	Handshake Handshaker

	// partialMedium holds the raw reassembly buffer for a partner's
	// in-flight MEDIUM_FRAG message, since a partner has at most one
	// partial medium message in flight at a time. Matching is attempted
	// only once the message is fully reassembled, so a recv posted
	// mid-transfer never observes a truncated buffer.
	partialMedium map[partner.ID]*mediumReassembly

	// DoneQ is the endpoint's done queue.
	DoneQ *request.Queue

	SessionID uint32
}

// mediumReassembly accumulates MEDIUM_FRAG bytes across a message's
// fragments regardless of whether a recv has been posted for it yet
// (spec.md §4.8 MEDIUM_FRAG reassembly applies even when nothing has
// claimed the message).
type mediumReassembly struct {
	matchInfo   uint64
	data        []byte
	mask        uint32
	accumulated uint32
}

func NewPipeline() *Pipeline {
	return &Pipeline{partialMedium: make(map[partner.ID]*mediumReassembly)}
}

// classify compares an inbound fragment's seqnum against the partner's
// recv window (spec.md §4.8 "Ordering per partner"). windowSeq is
// next_match_recv_seq for first/single fragments or next_frag_recv_seq for
// trailing fragments of a known partial.
type windowOutcome int

const (
	windowInOrder windowOutcome = iota
	windowEarly
	windowObsolete
)

func classify(inboundSeq, windowSeq uint16) windowOutcome {
	diff := int16(inboundSeq - windowSeq)
	switch {
	case diff == 0:
		return windowInOrder
	case diff > 0 && diff <= config.EarlyPacketOffsetMax:
		return windowEarly
	default:
		return windowObsolete
	}
}

// HandleEvent dispatches one decoded driver event to the appropriate
// handler (spec.md §4.8 dispatch table). CONNECT_REQUEST/CONNECT_REPLY
// are passed on to p.Handshake; kinds with no case here are ignored.
func (p *Pipeline) HandleEvent(prt *partner.Partner, ev driver.Event) error {
	switch ev.Kind {
	case driver.EventTiny:
		return p.handleSingleFragment(prt, ev, request.KindRecv)
	case driver.EventSmall:
		return p.handleSingleFragment(prt, ev, request.KindRecv)
	case driver.EventRNDV:
		return p.handleRNDV(prt, ev)
	case driver.EventMediumFrag:
		return p.handleMediumFrag(prt, ev)
	case driver.EventNotify:
		return p.handleNotify(prt, ev)
	case driver.EventPullDone:
		return p.handlePullDone(prt, ev)
	case driver.EventLIBAck:
		p.Acks.HandleAck(prt, ev.Seqnum)
		return nil
	case driver.EventNackLib:
		p.Acks.HandleNack(request.DecodeHandle(ev.PullHandle), ev.NackReason)
		return nil
	case driver.EventConnectRequest:
		return p.Handshake.HandleConnectRequest(prt, ev)
	case driver.EventConnectReply:
		return p.Handshake.HandleConnectReply(prt, ev)
	}
	return nil
}

// handleSingleFragment implements the TINY/SMALL path (spec.md §4.8):
// classify against next_match_recv_seq, match or buffer as unexpected,
// copy payload in, complete, advance the recv window.
func (p *Pipeline) handleSingleFragment(prt *partner.Partner, ev driver.Event, kind request.Kind) error {
	p.Acks.HandleAck(prt, ev.PiggyAck)
	switch classify(ev.Seqnum, prt.NextMatchRecvSeq) {
	case windowEarly:
		prt.EarlyRecvQ = insertEarly(prt.EarlyRecvQ, partner.EarlyPacket{
			Seqnum: ev.Seqnum, Kind: kind, MatchInfo: ev.MatchInfo, Payload: clonePayload(ev),
		})
		return nil
	case windowObsolete:
		if int16(prt.NextFragRecvSeq-ev.Seqnum) == 1 {
			p.Acks.NoteAckLoss(prt)
		}
		return nil
	}

	data := ev.Payload
	matched, ok := p.Match.Arrive(int32(prt.ID), ev.MatchInfo, ev.Length, data)
	if ok {
		n := seg.CopyToSegments(matched.Segs, data, int(ev.Length))
		request.Complete(p.DoneQ, matched.Handle, request.Status{Code: mxerr.Success, MsgLength: ev.Length, XferLength: uint32(n)})
	}
	p.advanceRecvWindow(prt)
	p.Acks.NoteFragmentReceived(prt)
	return nil
}

// handleRNDV implements the rendezvous path (spec.md §4.8): on match, the
// request becomes a RECV_LARGE with RECV_PARTIAL set and a pull is
// submitted; a miss buffers like any other unexpected message (the
// header alone, no bulk data moved until a recv is posted and the pull
// reissued — in this model we still submit the pull once the recv
// matches, so an RNDV with no posted recv is queued as an Unexpected
// carrying zero-length data and the RDMA descriptor is remembered on the
// early/unexpected record for later use).
func (p *Pipeline) handleRNDV(prt *partner.Partner, ev driver.Event) error {
	p.Acks.HandleAck(prt, ev.PiggyAck)
	switch classify(ev.Seqnum, prt.NextMatchRecvSeq) {
	case windowEarly:
		prt.EarlyRecvQ = insertEarly(prt.EarlyRecvQ, partner.EarlyPacket{
			Seqnum: ev.Seqnum, Kind: request.KindRecvLarge, MatchInfo: ev.MatchInfo,
			RDMAID: ev.RDMAID, RDMAOffset: ev.RDMAOffset,
		})
		return nil
	case windowObsolete:
		if int16(prt.NextFragRecvSeq-ev.Seqnum) == 1 {
			p.Acks.NoteAckLoss(prt)
		}
		return nil
	}

	matched, ok := p.Match.Arrive(int32(prt.ID), ev.MatchInfo, ev.Length, nil)
	p.advanceRecvWindow(prt)
	p.Acks.NoteFragmentReceived(prt)
	if !ok {
		return nil
	}

	req := p.Pool.Get(matched.Handle)
	if req == nil {
		return nil
	}
	req.Kind = request.KindRecvLarge
	req.State |= request.RecvPartial | request.DriverPulling
	rl := request.RecvLargePayload{Segs: matched.Segs, RDMAID: ev.RDMAID, RDMASeqnum: ev.RDMASeqnum, RDMAOffset: ev.RDMAOffset}
	req.Payload = rl

	localRegion, err := p.Regions.Get(matched.Segs, matched.Handle)
	if err != nil {
		return err
	}
	return p.Driver.Pull(driver.PullCmd{
		DestAddr:       prt.BoardAddr,
		DestEndpoint:   prt.EndpointIndex,
		Length:         ev.Length,
		LocalRegionID:  localRegion.ID,
		RemoteRegionID: uint8(ev.RDMAID),
		RemoteOffset:   ev.RDMAOffset,
		PullHandle:     matched.Handle.Encode(),
	})
}

// handleMediumFrag implements multi-fragment reassembly (spec.md §4.8
// MEDIUM_FRAG): per-arrival dedup via a fragment mask, raw accumulation
// into a per-partner reassembly buffer, and a single match/scatter-copy
// attempt once the accumulated length reaches msg_length. Matching is
// deferred to completion regardless of whether a recv was already posted,
// so the unexpected queue never has to hold a partially-reassembled
// message.
func (p *Pipeline) handleMediumFrag(prt *partner.Partner, ev driver.Event) error {
	p.Acks.HandleAck(prt, ev.PiggyAck)
	windowSeq := prt.NextMatchRecvSeq
	isFirst := ev.FragSeqnum == 0
	if !isFirst {
		windowSeq = prt.NextFragRecvSeq
	}

	switch classify(ev.Seqnum, windowSeq) {
	case windowEarly:
		prt.EarlyRecvQ = insertEarly(prt.EarlyRecvQ, partner.EarlyPacket{
			Seqnum: ev.Seqnum, FragSeqnum: ev.FragSeqnum, Kind: request.KindRecv,
			MatchInfo: ev.MatchInfo, Payload: clonePayload(ev),
		})
		return nil
	case windowObsolete:
		if int16(prt.NextFragRecvSeq-ev.Seqnum) == 1 {
			p.Acks.NoteAckLoss(prt)
		}
		return nil
	}

	um, exists := p.partialMedium[prt.ID]
	if !exists {
		um = &mediumReassembly{matchInfo: ev.MatchInfo, data: make([]byte, ev.Length)}
		p.partialMedium[prt.ID] = um
	}
	copyMediumFragment(um, ev)
	prt.NextFragRecvSeq = ev.Seqnum + 1

	if um.accumulated < ev.Length {
		p.Acks.NoteFragmentReceived(prt)
		return nil
	}

	// Every fragment of the message is now reassembled in um.data; only
	// now attempt the match, so a recv posted mid-transfer never sees a
	// truncated buffer and the unexpected queue never holds one either.
	delete(p.partialMedium, prt.ID)
	matched, ok := p.Match.Arrive(int32(prt.ID), um.matchInfo, ev.Length, um.data)
	if ok {
		n := seg.CopyToSegments(matched.Segs, um.data, int(ev.Length))
		request.Complete(p.DoneQ, matched.Handle, request.Status{Code: mxerr.Success, MsgLength: ev.Length, XferLength: uint32(n)})
	}
	// Each fragment consumed its own seqnum; resume after the last one.
	prt.NextMatchRecvSeq = ev.Seqnum
	p.advanceRecvWindow(prt)
	p.Acks.NoteFragmentReceived(prt)
	return nil
}

func copyMediumFragment(um *mediumReassembly, ev driver.Event) {
	bit := uint32(1) << ev.FragSeqnum
	if um.mask&bit != 0 {
		return
	}
	um.mask |= bit
	off := int(ev.FragSeqnum) << ev.FragPipeline
	n := int(ev.FragLength)
	if len(ev.Payload) > 0 {
		if n > len(ev.Payload) {
			n = len(ev.Payload)
		}
		end := off + n
		if end > len(um.data) {
			end = len(um.data)
		}
		if end > off {
			copy(um.data[off:end], ev.Payload[:end-off])
		}
	}
	um.accumulated += uint32(n)
}

// handleNotify implements spec.md §4.8 NOTIFY: a large-send's peer
// finished pulling. It clears NEED_REPLY, releases the send's region and
// large-send credit, stamps xfer_length, and completes if the send's ack
// has already arrived (NEED_ACK already cleared).
func (p *Pipeline) handleNotify(prt *partner.Partner, ev driver.Event) error {
	h := request.DecodeHandle(ev.PullHandle)
	req := p.Pool.Get(h)
	if req == nil {
		return nil
	}
	lp, ok := req.Payload.(request.LargeSendPayload)
	if !ok {
		return nil
	}
	req.State &^= request.NeedReply
	p.Regions.Put(lp.RegionID)
	req.Status.XferLength = ev.Length
	if !req.State.Has(request.NeedAck) {
		request.Complete(p.DoneQ, h, request.Status{Code: mxerr.Success, MsgLength: req.Status.MsgLength, XferLength: ev.Length})
	}
	return nil
}

// handlePullDone implements spec.md §4.8 PULL_DONE: a large-recv's pull
// completed. PULL_DONE is a self-originated completion (the driver
// reporting our own outstanding Pull finished, not a message arriving
// from a partner), so its event carries no usable SrcAddr; the partner
// to notify is read off the completing request itself rather than the
// prt the dispatch loop resolved from the event.
func (p *Pipeline) handlePullDone(prt *partner.Partner, ev driver.Event) error {
	h := request.DecodeHandle(ev.PullHandle)
	req := p.Pool.Get(h)
	if req == nil {
		return nil
	}
	if _, ok := req.Payload.(request.RecvLargePayload); !ok {
		return nil
	}
	req.State &^= (request.RecvPartial | request.DriverPulling)
	p.Regions.Put(uint8(ev.RDMAID))

	target := p.Partners.Get(partner.ID(req.PartnerID))
	if target == nil {
		target = prt
	}
	if err := p.Driver.Send(driver.SendNotify, driver.SendCmd{
		DestAddr: target.BoardAddr, DestEndpoint: target.EndpointIndex,
		SessionID: target.TrueSessionID, PiggyAck: target.NextFragRecvSeq,
	}); err != nil {
		return err
	}
	request.Complete(p.DoneQ, h, request.Status{Code: mxerr.Success, MsgLength: ev.Length, XferLength: ev.Length})
	return nil
}

// advanceRecvWindow bumps next_match_recv_seq and replays the early queue
// (spec.md §4.8 "Every time next_match_recv_seq advances... scans the
// early queue... possibly cascading").
func (p *Pipeline) advanceRecvWindow(prt *partner.Partner) {
	prt.NextMatchRecvSeq++
	prt.NextFragRecvSeq = prt.NextMatchRecvSeq
	p.replayEarly(prt)
}

func (p *Pipeline) replayEarly(prt *partner.Partner) {
	for {
		idx := -1
		for i, ep := range prt.EarlyRecvQ {
			if ep.Seqnum == prt.NextMatchRecvSeq {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		ep := prt.EarlyRecvQ[idx]
		prt.EarlyRecvQ = append(prt.EarlyRecvQ[:idx], prt.EarlyRecvQ[idx+1:]...)

		matched, ok := p.Match.Arrive(int32(prt.ID), ep.MatchInfo, uint32(len(ep.Payload)), ep.Payload)
		if ok {
			n := seg.CopyToSegments(matched.Segs, ep.Payload, len(ep.Payload))
			request.Complete(p.DoneQ, matched.Handle, request.Status{Code: mxerr.Success, MsgLength: uint32(len(ep.Payload)), XferLength: uint32(n)})
		}
		prt.NextMatchRecvSeq++
		prt.NextFragRecvSeq = prt.NextMatchRecvSeq
	}
}

// insertEarly inserts e into q in seqnum order, ties broken by FragSeqnum
// (spec.md §3 "Early packet"), and silently drops an exact duplicate.
func insertEarly(q []partner.EarlyPacket, e partner.EarlyPacket) []partner.EarlyPacket {
	for _, existing := range q {
		if existing.Seqnum == e.Seqnum && existing.FragSeqnum == e.FragSeqnum {
			return q // exact duplicate, dropped silently
		}
	}
	i := 0
	for i < len(q) {
		if q[i].Seqnum > e.Seqnum || (q[i].Seqnum == e.Seqnum && q[i].FragSeqnum > e.FragSeqnum) {
			break
		}
		i++
	}
	q = append(q, partner.EarlyPacket{})
	copy(q[i+1:], q[i:])
	q[i] = e
	return q
}

func clonePayload(ev driver.Event) []byte {
	out := make([]byte, len(ev.Payload))
	copy(out, ev.Payload)
	return out
}
