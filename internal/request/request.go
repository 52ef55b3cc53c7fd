// Package request implements the request pool: allocation, state
// tagging, and the intrusive triple-queue membership described in
// spec.md §4.3 and the "Cyclic references" / "Intrusive triple-link
// membership" design notes in spec.md §9.
//
// A Request is modeled as a tagged sum: Header carries the fields every
// kind needs (state bitset, partner back-reference, the three intrusive
// links, status); Payload carries the fields specific to one Kind.
package request

import (
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/seg"
)

// Handle is a generational index: (slot, generation). It replaces the
// source's practice of passing raw request pointers as 32-bit pull
// handles over the wire (spec.md §9). Generation is bumped every time a
// slot is reused, so a stale handle from a prior occupant is rejected
// rather than silently aliased.
type Handle struct {
	Slot       uint32
	Generation uint32
}

// Zero is the invalid/unset handle, used as the "not currently queued"
// sentinel (spec.md §9: "not currently queued" must be representable).
var Zero = Handle{}

func (h Handle) Valid() bool { return h != Zero }

// Encode packs a Handle into the 64-bit wire pull handle field.
func (h Handle) Encode() uint64 {
	return uint64(h.Slot)<<32 | uint64(h.Generation)
}

// DecodeHandle unpacks a wire pull handle.
func DecodeHandle(v uint64) Handle {
	return Handle{Slot: uint32(v >> 32), Generation: uint32(v)}
}

// Kind discriminates the Request payload variants (spec.md §3).
type Kind int

const (
	KindConnect Kind = iota
	KindSendTiny
	KindSendSmall
	KindSendMediumSQ
	KindSendMediumVA
	KindSendLarge
	KindRecv
	KindRecvLarge
	KindSendSelf
	KindRecvSelfUnexpected
)

// State is a bitset over the request's lifecycle flags (spec.md §3). It
// is preserved exactly as named — it is an observability contract per
// spec.md §9.
type State uint32

const (
	NeedResources State = 1 << iota
	NeedSeqnum
	DriverMediumSQSending
	NeedAck
	NeedReply
	RecvNeedMatching
	RecvPartial
	DriverPulling
	UnexpectedRecv
	UnexpectedSelfSend
	Done
	Zombie
	Internal
)

func (s State) Has(f State) bool { return s&f != 0 }

// LinkKind selects one of the three intrusive queues a Request may be
// linked on simultaneously (spec.md §4.3: "primary work queue, a done
// queue, ..., and a partner queue").
type LinkKind int

const (
	LinkWork LinkKind = iota
	LinkDone
	LinkPartner
	numLinks
)

// link is one node of an intrusive doubly-linked list. Prev/Next are
// Handles (not pointers) resolved through the owning Pool, per the
// "arena + id back-reference" design note (spec.md §9): this keeps
// Request<->Request adjacency addressable without Partner/Endpoint
// holding owning pointers into each other.
type link struct {
	prev, next Handle
	queued     bool
}

// MatchInfo/Status describe what the matching engine and the completion
// path need regardless of Kind.
type Status struct {
	Code       mxerr.Kind
	MsgLength  uint32 // length the sender declared
	XferLength uint32 // bytes actually transferred
}

// Header carries fields common to every Kind.
type Header struct {
	Handle    Handle
	Kind      Kind
	State     State
	PartnerID int32 // -1 if not yet bound to a partner (e.g. self-send before match)
	ContextID uint32

	MatchInfo uint64
	MatchMask uint64

	SendSeqnum        uint16
	LastSendJiffies   uint64
	Resends           int
	ResendsMax        int
	MissingResources  ResourceMask
	TimeoutOverrideMs int64 // 0 = use partner/global default

	Status Status

	links [numLinks]link
}

// ResourceMask is the fallible-builder bitmask consumed by the send
// pipeline's resource-acquisition sequence in sendpipe's resourceOrder:
// ResExpEvent (the lowest bit) first, ResSendqSlot last (spec.md §4.7,
// §9 "Manual resource staging").
type ResourceMask uint8

const (
	ResExpEvent ResourceMask = 1 << iota
	ResLargeSendCredit
	ResLargeRegion
	ResPullHandle
	ResSendqSlot
)

// --- Payload variants ---

type ConnectPayload struct {
	NICID, EndpointID uint32
	AppKey            uint32
	ConnectSeqnum     uint8
	TargetRecvStart   uint16
}

type TinyPayload struct {
	Data [32]byte
	Len  int
}

type SmallPayload struct {
	Buf []byte // request-owned copy, per spec.md §4.7 SMALL buffering
}

// MediumFragState carries fragment bookkeeping. The send pipeline reads
// FragsNr and FragPipelineShift for MEDIUMSQ/MEDIUMVA sends; recvpipe does
// not fill it on receive payloads, as it reassembles in its own buffer.
type MediumFragState struct {
	FragsNr           int
	FragPipelineShift  uint8
	FragsReceivedMask uint32
	AccumulatedLen    uint32
	Cursor            *seg.Cursor
}

type MediumSQPayload struct {
	Segs  seg.List
	Frags MediumFragState
}

type MediumVAPayload struct {
	Segs  seg.List
	Frags MediumFragState
}

type LargeSendPayload struct {
	Segs       seg.List
	RegionID   uint8
	RDMASeqnum uint32
}

type RecvPayload struct {
	Segs         seg.List
	UnexpectedOK bool            // true if this recv may be satisfied from the unexpected queue
	Frags        MediumFragState // not filled by recvpipe, which reassembles mediums in its own buffer
}

type RecvLargePayload struct {
	Segs       seg.List
	RDMAID     uint32
	RDMASeqnum uint32
	RDMAOffset uint32
	Frags      MediumFragState
}

type SelfPayload struct {
	PeerSegs seg.List // the other side's segments, set once matched
}

// Request is the unit of asynchronous work (spec.md §3).
type Request struct {
	Header
	Payload any // one of the *Payload types above, selected by Kind
}
