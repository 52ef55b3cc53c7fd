// Package wire implements the on-the-wire packet header and per-type
// trailers exchanged over the dedicated EtherType, and the seqnum
// wraparound arithmetic used throughout the runtime.
package wire

import (
	"encoding/binary"
	"fmt"
)

// EtherType is the dedicated EtherType carried after the Ethernet header.
const EtherType = 0x86DF

// PacketType identifies the kind of protocol packet.
type PacketType uint8

const (
	TypeTiny PacketType = iota + 1
	TypeSmall
	TypeMediumFrag
	TypeRNDV
	TypeNotify
	TypePullRequest
	TypePullReply
	TypeConnectRequest
	TypeConnectReply
	TypeLIBAck
	TypeNackLib
	TypeTruc
)

func (t PacketType) String() string {
	switch t {
	case TypeTiny:
		return "TINY"
	case TypeSmall:
		return "SMALL"
	case TypeMediumFrag:
		return "MEDIUM_FRAG"
	case TypeRNDV:
		return "RNDV"
	case TypeNotify:
		return "NOTIFY"
	case TypePullRequest:
		return "PULL_REQUEST"
	case TypePullReply:
		return "PULL_REPLY"
	case TypeConnectRequest:
		return "CONNECT_REQUEST"
	case TypeConnectReply:
		return "CONNECT_REPLY"
	case TypeLIBAck:
		return "LIBACK"
	case TypeNackLib:
		return "NACK_LIB"
	case TypeTruc:
		return "TRUC"
	default:
		return fmt.Sprintf("PacketType(%d)", int(t))
	}
}

// HeaderLen is the fixed size of Header on the wire, in bytes:
// type(1) + dst_ep(1) + src_ep(1) + src_gen(1) + length(2) + pad(2) +
// seqnum(2) + piggyack(2) + match_info(8) + session_id(4) = 24.
const HeaderLen = 24

// Seqnum is a 16-bit wire sequence number: the high 2 bits are the
// session epoch, the low 14 bits are the ring sequence number (§3).
type Seqnum uint16

const (
	SeqnumBits  = 14
	SeqnumMask  = (1 << SeqnumBits) - 1
	EpochMask   = ^uint16(SeqnumMask)
	EpochShift  = SeqnumBits
)

func MakeSeqnum(epoch uint8, n uint16) Seqnum {
	return Seqnum((uint16(epoch&0x3) << EpochShift) | (n & SeqnumMask))
}

func (s Seqnum) Epoch() uint8 { return uint8(uint16(s) >> EpochShift) }
func (s Seqnum) N() uint16    { return uint16(s) & SeqnumMask }

// Diff returns later-earlier as a signed 16-bit quantity, following the
// pack's wraparound-subtraction idiom (cf. kcp's _itimediff): the result
// is positive iff later is ahead of earlier on the ring, taking wraparound
// into account. Callers compare full 16-bit Seqnums (epoch+seqnum) this
// way per spec.md's "cast the difference to 16-bit" guidance.
func Diff(later, earlier Seqnum) int16 {
	return int16(uint16(later) - uint16(earlier))
}

// Header is the fixed protocol header present on every wire packet.
type Header struct {
	Type        PacketType
	DstEndpoint uint8
	SrcEndpoint uint8
	SrcGen      uint8
	Length      uint16
	Seqnum      Seqnum
	PiggyAck    Seqnum
	MatchInfo   uint64
	SessionID   uint32
}

// Encode writes h into buf[:HeaderLen]. buf must be at least HeaderLen
// bytes. All multi-byte fields are little-endian except the two
// match_info halves, which are written high-32-then-low-32 (§6.3) to ease
// parsing on 32-bit hosts.
func (h *Header) Encode(buf []byte) {
	_ = buf[HeaderLen-1]
	buf[0] = byte(h.Type)
	buf[1] = h.DstEndpoint
	buf[2] = h.SrcEndpoint
	buf[3] = h.SrcGen
	binary.LittleEndian.PutUint16(buf[4:6], h.Length)
	binary.LittleEndian.PutUint16(buf[6:8], 0) // pad
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.Seqnum))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(h.PiggyAck))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.MatchInfo>>32))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.MatchInfo))
	binary.LittleEndian.PutUint32(buf[20:24], h.SessionID)
}

// Decode parses a Header from buf[:HeaderLen].
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	var h Header
	h.Type = PacketType(buf[0])
	h.DstEndpoint = buf[1]
	h.SrcEndpoint = buf[2]
	h.SrcGen = buf[3]
	h.Length = binary.LittleEndian.Uint16(buf[4:6])
	h.Seqnum = Seqnum(binary.LittleEndian.Uint16(buf[8:10]))
	h.PiggyAck = Seqnum(binary.LittleEndian.Uint16(buf[10:12]))
	hi := binary.LittleEndian.Uint32(buf[12:16])
	lo := binary.LittleEndian.Uint32(buf[16:20])
	h.MatchInfo = uint64(hi)<<32 | uint64(lo)
	h.SessionID = binary.LittleEndian.Uint32(buf[20:24])
	return h, nil
}

// MediumFragTrailer extends Header for TypeMediumFrag packets.
type MediumFragTrailer struct {
	FragLength   uint32
	FragSeqnum   uint32
	FragPipeline uint8
}

const MediumFragTrailerLen = 9

func (t *MediumFragTrailer) Encode(buf []byte) {
	_ = buf[MediumFragTrailerLen-1]
	binary.LittleEndian.PutUint32(buf[0:4], t.FragLength)
	binary.LittleEndian.PutUint32(buf[4:8], t.FragSeqnum)
	buf[8] = t.FragPipeline
}

func DecodeMediumFragTrailer(buf []byte) (MediumFragTrailer, error) {
	if len(buf) < MediumFragTrailerLen {
		return MediumFragTrailer{}, fmt.Errorf("wire: short medium-frag trailer")
	}
	return MediumFragTrailer{
		FragLength:   binary.LittleEndian.Uint32(buf[0:4]),
		FragSeqnum:   binary.LittleEndian.Uint32(buf[4:8]),
		FragPipeline: buf[8],
	}, nil
}

// PullRequestTrailer extends Header for TypePullRequest packets.
type PullRequestTrailer struct {
	Length         uint32
	PullerRDMAID   uint32
	PullerOffset   uint32
	PulledRDMAID   uint32
	PulledOffset   uint32
	SrcPullHandle  uint64 // generational (slot<<32|generation), see internal/request.Handle
}

const PullRequestTrailerLen = 4 + 4 + 4 + 4 + 4 + 8

func (t *PullRequestTrailer) Encode(buf []byte) {
	_ = buf[PullRequestTrailerLen-1]
	binary.LittleEndian.PutUint32(buf[0:4], t.Length)
	binary.LittleEndian.PutUint32(buf[4:8], t.PullerRDMAID)
	binary.LittleEndian.PutUint32(buf[8:12], t.PullerOffset)
	binary.LittleEndian.PutUint32(buf[12:16], t.PulledRDMAID)
	binary.LittleEndian.PutUint32(buf[16:20], t.PulledOffset)
	binary.LittleEndian.PutUint64(buf[20:28], t.SrcPullHandle)
}

func DecodePullRequestTrailer(buf []byte) (PullRequestTrailer, error) {
	if len(buf) < PullRequestTrailerLen {
		return PullRequestTrailer{}, fmt.Errorf("wire: short pull-request trailer")
	}
	return PullRequestTrailer{
		Length:        binary.LittleEndian.Uint32(buf[0:4]),
		PullerRDMAID:  binary.LittleEndian.Uint32(buf[4:8]),
		PullerOffset:  binary.LittleEndian.Uint32(buf[8:12]),
		PulledRDMAID:  binary.LittleEndian.Uint32(buf[12:16]),
		PulledOffset:  binary.LittleEndian.Uint32(buf[16:20]),
		SrcPullHandle: binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// ConnectTrailer extends Header for TypeConnectRequest/TypeConnectReply.
// StatusCode and TargetSessionID are only meaningful on a reply.
type ConnectTrailer struct {
	AppKey               uint32
	ConnectSeqnum        uint8
	SrcSessionID         uint32
	TargetSessionID       uint32 // reply only
	TargetRecvSeqnumStart uint16
	StatusCode            uint8 // reply only: 0 = ok, 1 = BAD_KEY
}

const ConnectTrailerLen = 4 + 1 + 4 + 4 + 2 + 1

func (t *ConnectTrailer) Encode(buf []byte) {
	_ = buf[ConnectTrailerLen-1]
	binary.LittleEndian.PutUint32(buf[0:4], t.AppKey)
	buf[4] = t.ConnectSeqnum
	binary.LittleEndian.PutUint32(buf[5:9], t.SrcSessionID)
	binary.LittleEndian.PutUint32(buf[9:13], t.TargetSessionID)
	binary.LittleEndian.PutUint16(buf[13:15], t.TargetRecvSeqnumStart)
	buf[15] = t.StatusCode
}

func DecodeConnectTrailer(buf []byte) (ConnectTrailer, error) {
	if len(buf) < ConnectTrailerLen {
		return ConnectTrailer{}, fmt.Errorf("wire: short connect trailer")
	}
	return ConnectTrailer{
		AppKey:                binary.LittleEndian.Uint32(buf[0:4]),
		ConnectSeqnum:         buf[4],
		SrcSessionID:          binary.LittleEndian.Uint32(buf[5:9]),
		TargetSessionID:       binary.LittleEndian.Uint32(buf[9:13]),
		TargetRecvSeqnumStart: binary.LittleEndian.Uint16(buf[13:15]),
		StatusCode:            buf[15],
	}, nil
}

// LIBAckTrailer extends Header for TypeLIBAck packets (carried generically
// as a "truc" payload per §6.3). Acknum is widened to 64 bits per the
// Open Question in spec.md §9 (non-wrap-safe 32-bit was flagged as a
// possible future concern).
type LIBAckTrailer struct {
	Acknum          uint64
	LibSeqnumUpTo   Seqnum
	SessionID       uint32
}

const LIBAckTrailerLen = 8 + 2 + 4

func (t *LIBAckTrailer) Encode(buf []byte) {
	_ = buf[LIBAckTrailerLen-1]
	binary.LittleEndian.PutUint64(buf[0:8], t.Acknum)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(t.LibSeqnumUpTo))
	binary.LittleEndian.PutUint32(buf[10:14], t.SessionID)
}

func DecodeLIBAckTrailer(buf []byte) (LIBAckTrailer, error) {
	if len(buf) < LIBAckTrailerLen {
		return LIBAckTrailer{}, fmt.Errorf("wire: short liback trailer")
	}
	return LIBAckTrailer{
		Acknum:        binary.LittleEndian.Uint64(buf[0:8]),
		LibSeqnumUpTo: Seqnum(binary.LittleEndian.Uint16(buf[8:10])),
		SessionID:     binary.LittleEndian.Uint32(buf[10:14]),
	}, nil
}

// NackReason enumerates the NACK_LIB reason codes (§4.9).
type NackReason uint8

const (
	NackBadEndpoint NackReason = iota
	NackEndpointClosed
	NackBadSession
)

func (r NackReason) String() string {
	switch r {
	case NackBadEndpoint:
		return "BAD_ENDPT"
	case NackEndpointClosed:
		return "ENDPT_CLOSED"
	case NackBadSession:
		return "BAD_SESSION"
	default:
		return fmt.Sprintf("NackReason(%d)", int(r))
	}
}
