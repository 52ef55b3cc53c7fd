// Package driver is the typed facade over the kernel driver's command and
// event rings (spec.md §4.1, §6). The kernel driver itself — Ethernet
// frame I/O, DMA, interrupt scheduling — is an external collaborator
// (spec.md §1 scope); this package only speaks the command/event contract
// in §6.1/§6.2 against it.
package driver

import (
	"github.com/open-mx/omx/internal/seg"
)

// BoardInfo is the GET_BOARD_INFO response (spec.md §6.1).
type BoardInfo struct {
	Addr      [6]byte
	Hostname  string
	IfaceName string
	MTU       int
	NUMANode  int
	Up        bool
}

// EndpointStatusFlags mirrors the descriptor page's status bits
// (spec.md §4.12 step 6).
type EndpointStatusFlags uint32

const (
	StatusUnexpectedQueueFull EndpointStatusFlags = 1 << iota
	StatusMTUMismatch
	StatusIfaceDown
	StatusIfaceRemoved
)

// Descriptor is the read-only mapped descriptor page (spec.md §3
// "Endpoint", §5 "Global (process-wide) state"): session id, user-event
// counter, status flags, wakeup jiffies, plus the process-wide jiffies/hz
// fields shared from the control device mapping.
type Descriptor struct {
	SessionID       uint32
	UserEventCount  uint64
	Status          EndpointStatusFlags
	WakeupJiffies   uint64
	Jiffies         uint64
	HZ              uint32
	ABIVersion      uint32
}

// ConnectRequestCmd/ConnectReplyCmd carry the fields named in spec.md
// §4.11/§6.3 for the SEND_CONNECT_REQUEST / SEND_CONNECT_REPLY commands.
type ConnectRequestCmd struct {
	DestAddr            [6]byte
	DestEndpoint        uint8
	SrcSessionID        uint32
	AppKey              uint32
	TargetRecvSeqStart  uint16
	ConnectSeqnum       uint8
}

type ConnectReplyCmd struct {
	DestAddr             [6]byte
	DestEndpoint         uint8
	SrcSessionID         uint32
	TargetSessionID      uint32
	EchoConnectSeqnum    uint8
	TargetRecvSeqStart   uint16
	StatusCode           uint8
}

// SendCmd is the common shape of SEND_{TINY,SMALL,MEDIUMSQ_FRAG,
// MEDIUMVA,RNDV,NOTIFY,TRUC}: a destination, piggybacked ack, match_info,
// and a payload that is either inline bytes or a (vaddr-ish) segment list
// plus, for RNDV, the registered region id.
type SendCmd struct {
	DestAddr     [6]byte
	DestEndpoint uint8
	Seqnum       uint16
	PiggyAck     uint16
	MatchInfo    uint64
	SessionID    uint32
	Payload      []byte   // inline data for TINY/SMALL/NOTIFY/TRUC
	Segs         seg.List // for MEDIUMVA/RNDV
	FragSeqnum   uint32
	FragPipeline uint8
	RegionID     uint8 // RNDV only
}

// PullCmd is the PULL command (§6.1): driver-mediated DMA read from a
// remote registered region into a local one.
type PullCmd struct {
	DestAddr      [6]byte
	DestEndpoint  uint8
	Length        uint32
	LocalRegionID uint8
	LocalOffset   uint32
	RemoteRegionID uint8
	RemoteOffset  uint32
	PullHandle    uint64
}

// LIBAckCmd/NackCmd are the explicit-ack commands (§4.9, §6.3).
type LIBAckCmd struct {
	DestAddr     [6]byte
	DestEndpoint uint8
	Acknum       uint64
	SeqnumUpTo   uint16
	SessionID    uint32
}

type NackCmd struct {
	DestAddr     [6]byte
	DestEndpoint uint8
	Reason       uint8
	SessionID    uint32
}

// EventKind enumerates the driver's inbound event kinds (spec.md §4.8).
type EventKind uint8

const (
	EventNone EventKind = iota
	EventConnectRequest
	EventConnectReply
	EventTiny
	EventSmall
	EventRNDV
	EventMediumFrag
	EventNotify
	EventPullDone
	EventLIBAck
	EventNackLib
	EventSendMediumSQFragDone
)

// Event is a decoded slot from either event ring (spec.md §6.2: each
// 64-byte slot ends in a type byte; a non-NONE read implies the rest is
// valid because the driver writes the type byte last).
type Event struct {
	Kind         EventKind
	SrcAddr      [6]byte
	SrcEndpoint  uint8
	SrcGen       uint8
	Seqnum       uint16
	PiggyAck     uint16
	MatchInfo    uint64
	SessionID    uint32
	Length       uint32
	RecvqOffset  uint32 // SMALL: offset into the mapped recv queue
	FragSeqnum   uint32
	FragLength   uint32
	FragPipeline uint8
	RDMAID       uint32
	RDMASeqnum   uint32
	RDMAOffset   uint32
	Acknum       uint64
	NackReason   uint8
	StatusCode   uint8
	PullHandle   uint64
	FragDoneOK   bool

	// Payload is the inline byte payload for TINY/SMALL/MEDIUM_FRAG
	// events, carried out-of-band from the fixed 64-byte slot: TINY
	// data rides in the slot itself (Fake copies it here for a uniform
	// Event shape), SMALL/MEDIUM_FRAG reference driver-owned memory
	// (the recv queue) that Fake models as a plain byte slice.
	Payload []byte
}

// Driver is the typed command/event facade a single open endpoint talks
// to. A concrete implementation wraps ioctl calls and the four mmap
// rings (§6.2); Fake (fake.go) is an in-memory double for tests.
type Driver interface {
	// Board / endpoint administration (control-device scoped).
	GetBoardCount() (int, error)
	GetBoardInfo(board int) (BoardInfo, error)
	GetEndpointInfo(board int, endpoint int) (open bool, err error)

	OpenEndpoint(board, endpoint int) error
	CloseEndpoint(board, endpoint int) error

	Descriptor() *Descriptor

	// Outbound commands.
	SendConnectRequest(ConnectRequestCmd) error
	SendConnectReply(ConnectReplyCmd) error
	Send(kind SendKind, cmd SendCmd) error
	Pull(PullCmd) error
	SendLIBAck(LIBAckCmd) error
	SendNack(NackCmd) error

	CreateUserRegion(id uint8, segs seg.List) error
	DestroyUserRegion(id uint8) error

	// Event rings.
	PollExpected() (Event, bool)
	PollUnexpected() (Event, bool)

	// Blocking wait (spec.md §4.12 "Sleeping"): returns when the event
	// index advances, jiffiesExpire is crossed, or WakeupAll is called.
	WaitEvent(jiffiesExpire uint64) error
	WakeupAll()

	GetCounters() (Counters, error)
}

// SendKind selects which SEND_* ioctl to issue.
type SendKind uint8

const (
	SendTiny SendKind = iota
	SendSmall
	SendMediumSQFrag
	SendMediumVA
	SendRNDV
	SendNotify
	SendTruc
)

// Counters is the GET_COUNTERS response (spec.md §6.1), administrative.
type Counters struct {
	SendTinyCount, SendSmallCount, SendMediumCount, SendLargeCount uint64
	RecvTinyCount, RecvSmallCount, RecvMediumCount, RecvLargeCount uint64
	RetransmitCount, NackCount, DroppedEarlyCount                 uint64
}
