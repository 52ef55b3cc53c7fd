// Package ackrt implements ack generation and retransmission (spec.md
// §4.9): piggyback and explicit LIBACK processing, NACK_LIB handling,
// immediate/delayed ack scheduling, and the resend scan over each
// partner's non_acked_req_q.
package ackrt

import (
	"time"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/sendpipe"
	"github.com/open-mx/omx/internal/wire"
)

// Sender is the subset of sendpipe.Pipeline the ack/retransmit module
// needs: reposting throttled sends once seqnum room frees up, and
// reissuing non-acked sends on the resend timer.
type Sender interface {
	PostToWire(h request.Handle) error
	Resend(h request.Handle, nowJiffies uint64) error
}

var _ Sender = (*sendpipe.Pipeline)(nil)

// Module owns ack scheduling state that spans partners: the delayed-ack
// list (spec.md "partners_to_ack_delayed_list").
type Module struct {
	Pool     *request.Pool
	Partners *partner.Table
	Driver   driver.Driver
	Cfg      *config.Config
	Sender   Sender
	DoneQ    *request.Queue

	// SessionID is this endpoint's own session id, echoed in resent
	// CONNECT_REQUESTs (spec.md §4.11).
	SessionID uint32

	delayed []partner.ID
}

func NewModule(pool *request.Pool, partners *partner.Table, drv driver.Driver, cfg *config.Config, sender Sender, doneQ *request.Queue) *Module {
	return &Module{Pool: pool, Partners: partners, Driver: drv, Cfg: cfg, Sender: sender, DoneQ: doneQ}
}

// jiffies converts a wall-clock duration to the driver's jiffies unit
// (HZ ticks/second), the same clock LastSendJiffies/Descriptor.Jiffies
// are stamped in.
func (m *Module) jiffies(d time.Duration) uint64 {
	hz := m.Driver.Descriptor().HZ
	if hz == 0 {
		hz = 250
	}
	return uint64(d.Seconds() * float64(hz))
}

// AckDelayJiffies exposes the converted ack-delay for prepare_progress_wakeup
// (spec.md §4.12), so the endpoint's wait loop doesn't need its own copy of
// the HZ conversion.
func (m *Module) AckDelayJiffies() uint64 { return m.jiffies(m.Cfg.AckDelay) }

// NoteFragmentReceived implements the immediate/delayed ack decision
// (spec.md §4.9 "Ack generation on the receive side"). It reads the
// driver's current jiffies itself (rather than taking one as a
// parameter) so it satisfies recvpipe.AckNotifier's single-argument
// shape, matching every other inbound-event callout in that dispatch.
func (m *Module) NoteFragmentReceived(prt *partner.Partner) {
	outstanding := prt.NextFragRecvSeq - prt.LastAckedRecvSeq
	if int(outstanding) >= m.Cfg.NotAckedMax {
		prt.AckState = partner.AckImmediate
		return
	}
	if prt.AckState == partner.AckNone {
		prt.AckState = partner.AckDelayed
		prt.OldestRecvTimeNotAcked = m.Driver.Descriptor().Jiffies
		m.delayed = append(m.delayed, prt.ID)
	}
}

// NoteAckLoss implements "an obsolete fragment one-below
// next_frag_recv_seq arrives" → immediate ack (spec.md §4.9).
func (m *Module) NoteAckLoss(prt *partner.Partner) {
	prt.AckState = partner.AckImmediate
}

// FlushAcks implements the progress-pass ack emission order (spec.md
// §4.9 "The progress pass emits immediate acks first, then any delayed
// ones whose timer expired").
func (m *Module) FlushAcks(nowJiffies uint64) error {
	ackDelayJiffies := m.jiffies(m.Cfg.AckDelay)
	var stillDelayed []partner.ID
	m.Partners.Each(func(prt *partner.Partner) {
		if prt.AckState == partner.AckImmediate {
			if err := m.sendLIBAck(prt); err == nil {
				prt.AckState = partner.AckNone
			}
		}
	})
	for _, id := range m.delayed {
		prt := m.Partners.Get(id)
		if prt == nil || prt.AckState != partner.AckDelayed {
			continue
		}
		if nowJiffies-prt.OldestRecvTimeNotAcked >= ackDelayJiffies {
			if err := m.sendLIBAck(prt); err != nil {
				stillDelayed = append(stillDelayed, id)
				continue
			}
			prt.AckState = partner.AckNone
		} else {
			stillDelayed = append(stillDelayed, id)
		}
	}
	m.delayed = stillDelayed
	return nil
}

func (m *Module) sendLIBAck(prt *partner.Partner) error {
	acknum := prt.NextLIBAcknum
	err := m.Driver.SendLIBAck(driver.LIBAckCmd{
		DestAddr:     prt.BoardAddr,
		DestEndpoint: prt.EndpointIndex,
		Acknum:       acknum,
		SeqnumUpTo:   prt.NextFragRecvSeq,
		SessionID:    prt.TrueSessionID,
	})
	if err == nil {
		prt.LastAckedRecvSeq = prt.NextFragRecvSeq
		prt.NextLIBAcknum++
	}
	return err
}

// HandleAck implements spec.md §4.9 "On receiving a valid ack": every
// outstanding send with seqnum < ackBefore is acked, in FIFO order since
// NonAcked is seqnum-ordered by construction. When anything was acked it
// runs process_throttling_requests itself for that many throttled sends,
// and returns the count of newly acked requests.
func (m *Module) HandleAck(prt *partner.Partner, ackBefore uint16) int {
	acked := 0
	for {
		h := prt.NonAcked.Front()
		if !h.Valid() {
			break
		}
		req := m.Pool.Get(h)
		if req == nil {
			prt.NonAcked.PopFront()
			continue
		}
		if int16(ackBefore-req.SendSeqnum) <= 0 {
			break
		}
		prt.NonAcked.PopFront()
		m.completeAcked(req, h)
		acked++
	}
	if acked > 0 {
		prt.NextAckedSendSeq = ackBefore
		m.drainThrottled(prt, acked)
	}
	return acked
}

// completeAcked implements the per-request disposition on ack (spec.md
// §4.9): DRIVER_MEDIUMSQ_SENDING requests are stamped and left for
// SEND_MEDIUMSQ_FRAG_DONE; zombies are freed outright; everything else
// not still awaiting a reply (LARGE's NEED_REPLY) completes now.
func (m *Module) completeAcked(req *request.Request, h request.Handle) {
	if req.State.Has(request.Zombie) {
		m.Pool.Free(h)
		return
	}
	req.State &^= request.NeedAck
	if req.State.Has(request.DriverMediumSQSending) {
		req.Status.Code = mxerr.Success
		return
	}
	if req.State.Has(request.NeedReply) {
		return
	}
	if req.State.Has(request.Done) {
		return
	}
	request.Complete(m.DoneQ, h, request.Status{Code: mxerr.Success, MsgLength: req.Status.MsgLength, XferLength: req.Status.MsgLength})
}

// drainThrottled implements process_throttling_requests (spec.md §4.10):
// dequeue up to n requests from the partner's need_seqnum_send_req_q and
// wire-post each; clear the throttling flag once the queue empties.
func (m *Module) drainThrottled(prt *partner.Partner, n int) {
	for i := 0; i < n; i++ {
		h := prt.NeedSeqnum.PopFront()
		if !h.Valid() {
			break
		}
		_ = m.Sender.PostToWire(h)
	}
	if prt.NeedSeqnum.Empty() {
		prt.Throttling = false
	}
}

// HandleNack implements spec.md §4.9 NACK_LIB: complete the nacked
// request immediately with the mapped error.
func (m *Module) HandleNack(h request.Handle, reason uint8) {
	var kind mxerr.Kind
	switch wire.NackReason(reason) {
	case wire.NackBadEndpoint:
		kind = mxerr.RemoteEndpointBadID
	case wire.NackEndpointClosed:
		kind = mxerr.RemoteEndpointClosed
	case wire.NackBadSession:
		kind = mxerr.RemoteEndpointBadSession
	default:
		kind = mxerr.RemoteEndpointUnreachable
	}
	request.Complete(m.DoneQ, h, request.Status{Code: kind})
}

// canceller adapts Module to partner.Canceller for partner.Cleanup calls
// triggered by resend exhaustion.
type canceller struct{ m *Module }

func (c canceller) CancelRequest(h request.Handle, status request.Status) {
	req := c.m.Pool.Get(h)
	if req == nil {
		return
	}
	if req.State.Has(request.Zombie) {
		c.m.Pool.Free(h)
		return
	}
	request.Complete(c.m.DoneQ, h, status)
}

// ProcessResendRequests implements spec.md §4.9 "Retransmit": scans every
// partner's non_acked_req_q from oldest, resending or giving up per
// resends_max, preserving FIFO via pop-then-pushback at the tail.
func (m *Module) ProcessResendRequests(nowJiffies uint64) {
	resendDelayJiffies := m.jiffies(m.Cfg.ResendDelay)
	m.Partners.Each(func(prt *partner.Partner) {
		m.resendPartner(prt, nowJiffies, resendDelayJiffies)
		m.resendConnects(prt, nowJiffies, resendDelayJiffies)
	})
}

func (m *Module) resendPartner(prt *partner.Partner, nowJiffies, resendDelayJiffies uint64) {
	pending := request.NewQueue(m.Pool, request.LinkPartner)
	for {
		h := prt.NonAcked.Front()
		if !h.Valid() {
			break
		}
		req := m.Pool.Get(h)
		if req == nil {
			prt.NonAcked.PopFront()
			continue
		}
		if nowJiffies-req.LastSendJiffies < resendDelayJiffies {
			break
		}
		prt.NonAcked.PopFront()
		if req.Resends > m.Cfg.ResendsMax {
			// Splice back everything already resent this pass, and the
			// over-limit request itself, so Cleanup's drain is the one
			// and only place any of them gets cancelled — otherwise h
			// (already popped above) and every handle in pending would
			// be silently dropped with neither a completion nor a free.
			prt.NonAcked.SpliceBack(pending)
			prt.NonAcked.PushBack(h)
			prt.Cleanup(canceller{m}, 0)
			return
		}
		if req.State.Has(request.DriverMediumSQSending) {
			// Reacquiring frags_nr credits is the endpoint layer's job;
			// a bare resend module can't see the shared credit pool, so
			// it stops scanning this partner rather than resend blind.
			prt.NonAcked.PushFront(h)
			break
		}
		if err := m.Sender.Resend(h, nowJiffies); err != nil {
			prt.NonAcked.PushFront(h)
			break
		}
		pending.PushBack(h)
	}
	prt.NonAcked.SpliceBack(pending)
}

func (m *Module) resendConnects(prt *partner.Partner, nowJiffies, resendDelayJiffies uint64) {
	pending := request.NewQueue(m.Pool, request.LinkPartner)
	for {
		h := prt.Connect.Front()
		if !h.Valid() {
			break
		}
		req := m.Pool.Get(h)
		if req == nil {
			prt.Connect.PopFront()
			continue
		}
		if nowJiffies-req.LastSendJiffies < resendDelayJiffies {
			break
		}
		prt.Connect.PopFront()
		if req.Resends > m.Cfg.ResendsMax {
			prt.Connect.SpliceBack(pending)
			prt.Connect.PushBack(h)
			prt.Cleanup(canceller{m}, 0)
			return
		}
		cp := req.Payload.(request.ConnectPayload)
		err := m.Driver.SendConnectRequest(driver.ConnectRequestCmd{
			DestAddr:           prt.BoardAddr,
			DestEndpoint:       prt.EndpointIndex,
			SrcSessionID:       m.SessionID,
			AppKey:             cp.AppKey,
			TargetRecvSeqStart: cp.TargetRecvStart,
			ConnectSeqnum:      cp.ConnectSeqnum,
		})
		req.Resends++
		req.LastSendJiffies = nowJiffies
		if err != nil {
			prt.Connect.PushFront(h)
			break
		}
		pending.PushBack(h)
	}
	prt.Connect.SpliceBack(pending)
}
