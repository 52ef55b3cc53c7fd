// Package partner implements per-peer session/sequence-number state
// (spec.md §3 "Partner", §4.4).
package partner

import (
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/request"
)

// ID indexes the partner table: peer_index*endpoint_max + endpoint_index
// (spec.md §4.4), computed by the caller via Index.
type ID int32

const Invalid ID = -1

func Index(peerIndex, endpointIndex, endpointMax uint32) ID {
	return ID(peerIndex*endpointMax + endpointIndex)
}

// Locality classifies where a partner lives relative to this process.
type Locality int

const (
	LocalityUnknown Locality = iota
	LocalityLocal
	LocalityRemote
)

// AckState is the ack-scheduling state for a partner's inbound traffic
// (spec.md §3, §4.9).
type AckState int

const (
	AckNone AckState = iota
	AckDelayed
	AckImmediate
)

// EarlyPacket stages an inbound fragment that arrived ahead of the
// partner's NextMatchRecvSeq (spec.md §3 "Early packet").
type EarlyPacket struct {
	Seqnum     uint16 // full 16-bit wire seqnum (epoch+ring)
	FragSeqnum uint32 // tie-break for medium fragments of the same message
	Kind       request.Kind
	MatchInfo  uint64
	Payload    []byte // raw packet payload, copied verbatim for later replay
	// RNDV-specific fields, valid only when Kind tags a rendezvous packet.
	RDMAID, RDMAOffset uint32
}

// Partner is per-peer state, keyed by ID (spec.md §3).
type Partner struct {
	ID ID

	// Identity fields: stable across Reset.
	BoardAddr     [6]byte
	EndpointIndex uint8
	Locality      Locality

	RendezvousThreshold int

	TrueSessionID uint32 // partner's value from the last processed CONNECT_REPLY
	BackSessionID uint32 // partner's value from the last CONNECT_REQUEST they sent us

	// Send-side sequence state.
	NextSendSeq      uint16
	NextAckedSendSeq uint16
	ConnectSeqnum    uint8

	// Recv-side sequence state.
	NextMatchRecvSeq uint16
	NextFragRecvSeq  uint16
	LastAckedRecvSeq uint16

	AckState             AckState
	OldestRecvTimeNotAcked uint64
	NextLIBAcknum          uint64 // monotonic counter for explicit LIBACK dedup (spec.md §4.9)

	ThrottlingCounter int // only ever zeroed by Reset; throttled state lives in Throttling and NeedSeqnum
	Throttling        bool

	// Per-partner queues (request.Queue over request.LinkPartner), owned
	// here because spec.md scopes them per-partner rather than per-
	// endpoint.
	NonAcked     *request.Queue
	Connect      *request.Queue
	PartialMedium *request.Queue
	NeedSeqnum   *request.Queue

	EarlyRecvQ []EarlyPacket
}

// New constructs a fresh Partner. Queues are built against the shared
// Pool's partner-link, matching the "up to three queues simultaneously"
// model in spec.md §4.3: a Request that is non-acked for this partner
// cannot simultaneously be need-seqnum-parked for the same partner,
// which is exactly what a single shared link field gives us — the caller
// (sendpipe/ackrt) is responsible for never linking the same handle on
// two of these queues at once.
func New(id ID, pool *request.Pool, boardAddr [6]byte, endpointIndex uint8, rendezvousThreshold int) *Partner {
	p := &Partner{
		ID:                  id,
		BoardAddr:           boardAddr,
		EndpointIndex:       endpointIndex,
		Locality:            LocalityUnknown,
		RendezvousThreshold: rendezvousThreshold,
	}
	p.NonAcked = request.NewQueue(pool, request.LinkPartner)
	p.Connect = request.NewQueue(pool, request.LinkPartner)
	p.PartialMedium = request.NewQueue(pool, request.LinkPartner)
	p.NeedSeqnum = request.NewQueue(pool, request.LinkPartner)
	return p
}

// ConsumeSendSeqnum returns the next send seqnum and advances NextSendSeq,
// the wire-post step of spec.md §4.7 ("the send-seqnum is consumed").
func (p *Partner) ConsumeSendSeqnum() uint16 {
	s := p.NextSendSeq
	p.NextSendSeq++
	return s
}

// Reset restores all volatile fields (spec.md §4.4 partner_reset):
// session ids, seqnums, ack state, and the throttling counter are
// cleared; identity fields (BoardAddr, EndpointIndex, Locality) are left
// untouched. Emptying the queues is the caller's responsibility (they
// must drain outstanding requests first, e.g. via Cleanup).
func (p *Partner) Reset() {
	p.TrueSessionID = 0
	p.BackSessionID = 0
	p.NextSendSeq = 0
	p.NextAckedSendSeq = 0
	p.ConnectSeqnum = 0
	p.NextMatchRecvSeq = 0
	p.NextFragRecvSeq = 0
	p.LastAckedRecvSeq = 0
	p.AckState = AckNone
	p.OldestRecvTimeNotAcked = 0
	p.NextLIBAcknum = 0
	p.ThrottlingCounter = 0
	p.Throttling = false
	p.EarlyRecvQ = nil
}

// Canceller lets partner.Cleanup complete/cancel a request without the
// partner package needing to know about endpoint-level queues
// (need_resources_send_req_q, driver_mediumsq_sending_req_q, etc); the
// endpoint implements it and is responsible for unlinking from every
// endpoint-scoped queue the handle might additionally be on.
type Canceller interface {
	CancelRequest(h request.Handle, status request.Status)
}

// Cleanup implements spec.md §4.4 partner_cleanup: walks every
// partner-local queue in the fixed order the spec mandates
// (non_acked_req_q before connect_req_q; partial_medium_recv_req_q after
// sends), cancels/completes every referenced request with
// REMOTE_ENDPOINT_UNREACHABLE, frees early packets, resets the partner,
// and — when disconnectLevel == 2 — signals the caller to remove the
// partner from the table (via the returned bool).
func (p *Partner) Cleanup(c Canceller, disconnectLevel int) (removeFromTable bool) {
	status := request.Status{Code: mxerr.RemoteEndpointUnreachable}

	drain := func(q *request.Queue) {
		for {
			h := q.PopFront()
			if !h.Valid() {
				break
			}
			c.CancelRequest(h, status)
		}
	}

	drain(p.NonAcked)
	drain(p.Connect)
	drain(p.NeedSeqnum)
	drain(p.PartialMedium)

	p.EarlyRecvQ = nil
	p.Reset()

	return disconnectLevel == 2
}
