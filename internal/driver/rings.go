package driver

import "encoding/binary"

// EventSlotSize is the fixed 64-byte slot size for both event rings
// (spec.md §6.2): "each 64-byte slot ends in a type byte (NONE = 0
// indicates empty)... The last byte is written by the driver after all
// other fields, so a non-NONE read implies the rest is valid."
const EventSlotSize = 64

// Ring is a lock-free single-consumer view over one of the two mmap'd
// event rings. It does not itself perform the mmap syscall — callers
// construct it over whatever []byte view OpenEndpoint obtained (spec.md
// §6.2) — which keeps this type testable without a real device file.
type Ring struct {
	mem       []byte
	slotSize  int
	slotCount int
	cursor    int
}

func NewRing(mem []byte, slotSize int) *Ring {
	if slotSize <= 0 {
		slotSize = EventSlotSize
	}
	return &Ring{mem: mem, slotSize: slotSize, slotCount: len(mem) / slotSize}
}

// slotAt returns the slotSize-byte view of slot i; its last byte is the
// type byte the driver writes last.
func (r *Ring) slotAt(i int) []byte {
	off := i * r.slotSize
	return r.mem[off : off+r.slotSize]
}

// Poll returns the slot at the consumer cursor if its type byte is
// non-NONE, advances the cursor, and zeroes the slot so the driver may
// refill it (spec.md §4.12 step 1/2: "zero out each consumed slot").
// Returns ok=false (without advancing) when the ring is empty.
func (r *Ring) Poll() (slot []byte, ok bool) {
	if r.slotCount == 0 {
		return nil, false
	}
	s := r.slotAt(r.cursor)
	if s[r.slotSize-1] == 0 {
		return nil, false
	}
	out := make([]byte, r.slotSize)
	copy(out, s)
	for i := range s {
		s[i] = 0
	}
	r.cursor = (r.cursor + 1) % r.slotCount
	return out, true
}

// DecodeEvent parses a raw 64-byte event-ring slot into an Event. Layout:
//
//	[0]      kind (EventKind)
//	[1:7]    src board address
//	[7]      src endpoint index
//	[8]      src generation
//	[9:11]   lib seqnum
//	[11:13]  piggyback ack
//	[13:21]  match_info (big-32-then-little-32, matching wire.Header)
//	[21:25]  session id
//	[25:29]  length
//	[29:33]  recvq_offset / frag_seqnum / rdma_id (kind-dependent, see below)
//	[33:37]  frag_length / rdma_seqnum
//	[37]     frag_pipeline
//	[38:42]  rdma_offset
//	[42:50]  acknum
//	[50]     nack_reason
//	[51]     status_code
//	[52:60]  pull_handle
//	[63]     type byte (kind, duplicated for the ring's own framing)
func DecodeEvent(slot []byte) Event {
	_ = slot[EventSlotSize-1]
	var e Event
	e.Kind = EventKind(slot[0])
	copy(e.SrcAddr[:], slot[1:7])
	e.SrcEndpoint = slot[7]
	e.SrcGen = slot[8]
	e.Seqnum = binary.LittleEndian.Uint16(slot[9:11])
	e.PiggyAck = binary.LittleEndian.Uint16(slot[11:13])
	hi := binary.LittleEndian.Uint32(slot[13:17])
	lo := binary.LittleEndian.Uint32(slot[17:21])
	e.MatchInfo = uint64(hi)<<32 | uint64(lo)
	e.SessionID = binary.LittleEndian.Uint32(slot[21:25])
	e.Length = binary.LittleEndian.Uint32(slot[25:29])

	switch e.Kind {
	case EventSmall:
		e.RecvqOffset = binary.LittleEndian.Uint32(slot[29:33])
	case EventMediumFrag, EventSendMediumSQFragDone:
		e.FragSeqnum = binary.LittleEndian.Uint32(slot[29:33])
		e.FragLength = binary.LittleEndian.Uint32(slot[33:37])
		e.FragPipeline = slot[37]
	case EventRNDV, EventPullDone:
		e.RDMAID = binary.LittleEndian.Uint32(slot[29:33])
		e.RDMASeqnum = binary.LittleEndian.Uint32(slot[33:37])
		e.RDMAOffset = binary.LittleEndian.Uint32(slot[38:42])
	}

	e.Acknum = binary.LittleEndian.Uint64(slot[42:50])
	e.NackReason = slot[50]
	e.StatusCode = slot[51]
	e.PullHandle = binary.LittleEndian.Uint64(slot[52:60])
	e.FragDoneOK = slot[60] != 0
	return e
}

// EncodeEvent is the reverse of DecodeEvent, used by Fake (and by a real
// driver's test harness) to synthesize ring traffic.
func EncodeEvent(e Event) []byte {
	slot := make([]byte, EventSlotSize)
	slot[0] = byte(e.Kind)
	copy(slot[1:7], e.SrcAddr[:])
	slot[7] = e.SrcEndpoint
	slot[8] = e.SrcGen
	binary.LittleEndian.PutUint16(slot[9:11], e.Seqnum)
	binary.LittleEndian.PutUint16(slot[11:13], e.PiggyAck)
	binary.LittleEndian.PutUint32(slot[13:17], uint32(e.MatchInfo>>32))
	binary.LittleEndian.PutUint32(slot[17:21], uint32(e.MatchInfo))
	binary.LittleEndian.PutUint32(slot[21:25], e.SessionID)
	binary.LittleEndian.PutUint32(slot[25:29], e.Length)

	switch e.Kind {
	case EventSmall:
		binary.LittleEndian.PutUint32(slot[29:33], e.RecvqOffset)
	case EventMediumFrag, EventSendMediumSQFragDone:
		binary.LittleEndian.PutUint32(slot[29:33], e.FragSeqnum)
		binary.LittleEndian.PutUint32(slot[33:37], e.FragLength)
		slot[37] = e.FragPipeline
	case EventRNDV, EventPullDone:
		binary.LittleEndian.PutUint32(slot[29:33], e.RDMAID)
		binary.LittleEndian.PutUint32(slot[33:37], e.RDMASeqnum)
		binary.LittleEndian.PutUint32(slot[38:42], e.RDMAOffset)
	}

	binary.LittleEndian.PutUint64(slot[42:50], e.Acknum)
	slot[50] = e.NackReason
	slot[51] = e.StatusCode
	binary.LittleEndian.PutUint64(slot[52:60], e.PullHandle)
	if e.FragDoneOK {
		slot[60] = 1
	}
	slot[EventSlotSize-1] = byte(e.Kind)
	return slot
}
