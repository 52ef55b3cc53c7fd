// Package handshake implements the connection handshake (spec.md
// §4.11): the three-step CONNECT_REQUEST/CONNECT_REPLY exchange that
// establishes session ids and initial seqnums between two partners, plus
// the self-connect bypass.
package handshake

import (
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/request"
)

// Canceller is implemented by the endpoint to unlink a request from any
// endpoint-scoped queue before partner.Cleanup completes it (mirrors
// ackrt's use of the same partner.Canceller contract).
type Canceller = partner.Canceller

// Module owns the endpoint-scoped connect_req_q and the endpoint's own
// identity (session id, app key) used on both sides of the handshake.
type Module struct {
	Pool     *request.Pool
	Partners *partner.Table
	Driver   driver.Driver
	DoneQ    *request.Queue
	Cancel   Canceller

	SessionID uint32
	AppKey    uint32

	// EpConnectQ holds every in-flight connect request regardless of
	// partner, the endpoint-scoped half of the dual link described in
	// spec.md §4.11 step 2 ("Link request on ep.connect_req_q and
	// partner.connect_req_q"); the partner-scoped half is prt.Connect.
	EpConnectQ *request.Queue
}

func NewModule(pool *request.Pool, partners *partner.Table, drv driver.Driver, doneQ *request.Queue, cancel Canceller, sessionID, appKey uint32) *Module {
	return &Module{
		Pool:       pool,
		Partners:   partners,
		Driver:     drv,
		DoneQ:      doneQ,
		Cancel:     cancel,
		SessionID:  sessionID,
		AppKey:     appKey,
		EpConnectQ: request.NewQueue(pool, request.LinkWork),
	}
}

// Connect implements spec.md §4.11 steps 1-2: allocate a connect
// request, consume a handshake id from the partner's connect_seqnum byte,
// and send CONNECT_REQUEST. Self-connect bypasses the wire entirely.
func (m *Module) Connect(prt *partner.Partner, selfConnect bool) (request.Handle, error) {
	if selfConnect {
		m.selfConnect(prt)
		return request.Zero, nil
	}

	h := m.Pool.Alloc(request.KindConnect)
	req := m.Pool.Get(h)
	if req == nil {
		return request.Zero, mxerr.New(mxerr.BadRequest)
	}
	req.PartnerID = int32(prt.ID)

	seqnum := prt.ConnectSeqnum
	prt.ConnectSeqnum++
	req.Payload = request.ConnectPayload{
		AppKey:          m.AppKey,
		ConnectSeqnum:   seqnum,
		TargetRecvStart: prt.NextMatchRecvSeq,
	}

	if err := m.Driver.SendConnectRequest(driver.ConnectRequestCmd{
		DestAddr:           prt.BoardAddr,
		DestEndpoint:       prt.EndpointIndex,
		SrcSessionID:       m.SessionID,
		AppKey:             m.AppKey,
		TargetRecvSeqStart: prt.NextMatchRecvSeq,
		ConnectSeqnum:      seqnum,
	}); err != nil {
		m.Pool.Free(h)
		return request.Zero, err
	}
	req.Resends = 1
	m.EpConnectQ.PushBack(h)
	prt.Connect.PushBack(h)
	return h, nil
}

// selfConnect implements spec.md §4.11 "Self-connect": bypass the wire,
// set all session/seqnum fields to the endpoint's own, mark LOCAL.
func (m *Module) selfConnect(prt *partner.Partner) {
	prt.Locality = partner.LocalityLocal
	prt.TrueSessionID = m.SessionID
	prt.BackSessionID = m.SessionID
	prt.NextSendSeq = prt.NextMatchRecvSeq
	prt.NextAckedSendSeq = prt.NextMatchRecvSeq
}

// maybeSessionChange implements the session-change detection shared by
// both HandleConnectRequest and HandleConnectReply (spec.md §4.11
// "Detects session change"): if back_session_id was previously set and
// differs from the peer's new session id, the partner is cleaned up
// (disconnect=0) and its recv seqnums reset to the new epoch before the
// rest of the handshake logic proceeds.
func (m *Module) maybeSessionChange(prt *partner.Partner, peerSessionID uint32) {
	if prt.BackSessionID != 0 && prt.BackSessionID != peerSessionID {
		prt.Cleanup(m.Cancel, 0)
	}
}

// HandleConnectRequest implements spec.md §4.11 "Peer receives
// CONNECT_REQUEST": verify the app key, detect a session change, adopt
// the originator's target_recv_seqnum_start as our send seqnum, and
// reply. Reaching this handler at all means the request came off the
// wire rather than through selfConnect, so the partner is marked remote.
func (m *Module) HandleConnectRequest(prt *partner.Partner, ev driver.Event) error {
	appKey := uint32(ev.MatchInfo >> 32)
	connectSeqnum := uint8((ev.MatchInfo >> 16) & 0xff)
	targetRecvSeqStart := uint16(ev.MatchInfo & 0xffff)
	srcSessionID := ev.SessionID

	if appKey != m.AppKey {
		return m.Driver.SendConnectReply(driver.ConnectReplyCmd{
			DestAddr:          prt.BoardAddr,
			DestEndpoint:      prt.EndpointIndex,
			SrcSessionID:      m.SessionID,
			TargetSessionID:   m.SessionID,
			EchoConnectSeqnum: connectSeqnum,
			StatusCode:        1,
		})
	}

	m.maybeSessionChange(prt, srcSessionID)
	prt.Locality = partner.LocalityRemote

	prt.NextMatchRecvSeq = 0
	prt.NextFragRecvSeq = 0
	prt.LastAckedRecvSeq = 0
	prt.NextSendSeq = targetRecvSeqStart
	prt.NextAckedSendSeq = targetRecvSeqStart

	prt.BackSessionID = srcSessionID
	prt.TrueSessionID = srcSessionID

	return m.Driver.SendConnectReply(driver.ConnectReplyCmd{
		DestAddr:           prt.BoardAddr,
		DestEndpoint:       prt.EndpointIndex,
		SrcSessionID:       m.SessionID,
		TargetSessionID:    m.SessionID,
		EchoConnectSeqnum:  connectSeqnum,
		TargetRecvSeqStart: prt.NextMatchRecvSeq,
		StatusCode:         0,
	})
}

// HandleConnectReply implements spec.md §4.11 "Originator receives
// CONNECT_REPLY": find the matching connect request by (src_session_id,
// connect_seqnum) — here identity is already resolved to prt by the
// caller via src addr/endpoint, so this scans the partner's
// connect_req_q for the echoed connect_seqnum — mirror
// the session-change logic, adopt the new send-seqnum base, and complete.
func (m *Module) HandleConnectReply(prt *partner.Partner, ev driver.Event) error {
	echoConnectSeqnum := uint8((ev.MatchInfo >> 16) & 0xff)
	targetRecvSeqStart := uint16(ev.MatchInfo & 0xffff)

	h := m.findConnect(prt, echoConnectSeqnum)
	if !h.Valid() {
		return nil
	}
	req := m.Pool.Get(h)
	if req == nil {
		return nil
	}
	m.EpConnectQ.Remove(h)
	prt.Connect.Remove(h)

	m.maybeSessionChange(prt, ev.SessionID)
	prt.Locality = partner.LocalityRemote
	prt.BackSessionID = ev.SessionID
	prt.TrueSessionID = ev.SessionID

	status := request.Status{Code: mxerr.Success}
	if ev.StatusCode != 0 {
		status.Code = mxerr.RemoteEndpointBadConnectionKey
	} else {
		prt.NextSendSeq = targetRecvSeqStart
		prt.NextAckedSendSeq = targetRecvSeqStart
	}
	request.Complete(m.DoneQ, h, status)
	return nil
}

func (m *Module) findConnect(prt *partner.Partner, connectSeqnum uint8) request.Handle {
	var found request.Handle
	prt.Connect.Each(func(h request.Handle) {
		if found.Valid() {
			return
		}
		req := m.Pool.Get(h)
		if req == nil {
			return
		}
		cp, ok := req.Payload.(request.ConnectPayload)
		if ok && cp.ConnectSeqnum == connectSeqnum {
			found = h
		}
	})
	return found
}
