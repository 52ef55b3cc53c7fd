// Package match implements the matching engine (spec.md §4.6): per-context
// expected-recv queues, an unexpected-handler callout, and the unexpected
// buffer/queue pair that backs iprobe/irecv ordering guarantees.
package match

import (
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/seg"
)

// MaxCtxidBits bounds the context-id field width (spec.md §4.6 "ctxid_bits
// (≤ 16)").
const MaxCtxidBits = 16

// ContextConfig is the endpoint-wide context-id carve-out: ctxid is derived
// as (match_info >> shift) & ((1<<bits)-1).
type ContextConfig struct {
	Shift uint
	Bits  uint
}

func (c ContextConfig) mask() uint64 {
	if c.Bits == 0 {
		return 0
	}
	return (uint64(1)<<c.Bits - 1) << c.Shift
}

func (c ContextConfig) ctxid(matchInfo uint64) uint64 {
	if c.Bits == 0 {
		return 0
	}
	return (matchInfo >> c.Shift) & (uint64(1)<<c.Bits - 1)
}

// coversCtxid reports whether a posted mask covers every context-id bit, so
// the engine can decide between the per-context lane and the wildcard lane
// (spec.md §4.6).
func (c ContextConfig) coversCtxid(mask uint64) bool {
	m := c.mask()
	return mask&m == m
}

// Posted is a posted (unmatched) recv: the segments to fill plus the match
// key and a back-reference to its Request handle.
type Posted struct {
	Handle    request.Handle
	MatchInfo uint64
	MatchMask uint64
	Segs      seg.List
}

// Unexpected is a buffered inbound message that arrived before any recv was
// posted to match it (spec.md §4.6 step 3): a single heap-allocated segment
// sized to msg_length.
type Unexpected struct {
	SrcPartner int32
	MatchInfo  uint64
	MsgLength  uint32
	Data       []byte
}

// lane holds one context's queues plus the wildcard lane shares the same
// shape with ctxid unused.
type lane struct {
	posted     []Posted
	unexpected []Unexpected
}

// HandlerResult is the unexpected handler's return value (spec.md §4.6
// step 2).
type HandlerResult int

const (
	HandlerFinished HandlerResult = iota
	HandlerContinue
)

// Handler is the foreign unexpected-message callout. It runs with the
// endpoint lock released by the caller (Engine itself does not lock;
// callers serialize access).
type Handler func(srcPartner int32, matchInfo uint64, msgLength uint32, data []byte) HandlerResult

// Engine is one endpoint's matching state: per-context lanes plus the
// wildcard lane, and an optional unexpected handler.
type Engine struct {
	cfg     ContextConfig
	lanes   map[uint64]*lane
	wild    lane
	Handler Handler
}

func NewEngine(cfg ContextConfig) *Engine {
	return &Engine{cfg: cfg, lanes: make(map[uint64]*lane)}
}

// ValidateMask reports whether mask covers every context-id bit (spec.md
// §7 BAD_MATCHING_FOR_CONTEXT_ID_MASK: "posted mask does not cover the
// context-id bits"). Engines configured with zero context-id bits accept
// every mask.
func (e *Engine) ValidateMask(mask uint64) bool {
	return ValidMask(e.cfg, mask)
}

// ValidMask is the free-function form of ValidateMask, usable before an
// Engine exists (e.g. validating a recv's mask against the endpoint's
// configured ContextConfig at the public API boundary).
func ValidMask(cfg ContextConfig, mask uint64) bool {
	return cfg.Bits == 0 || cfg.coversCtxid(mask)
}

func (e *Engine) laneFor(matchInfo uint64, mask uint64) *lane {
	if e.cfg.Bits == 0 || !e.cfg.coversCtxid(mask) {
		return &e.wild
	}
	ctx := e.cfg.ctxid(matchInfo)
	l, ok := e.lanes[ctx]
	if !ok {
		l = &lane{}
		e.lanes[ctx] = l
	}
	return l
}

// matchesOne reports whether inbound matchInfo satisfies a posted
// (matchInfo, mask) pair (spec.md §4.6: "incoming_match_info & mask ==
// posted_match_info").
func matchesOne(postedInfo, postedMask, inbound uint64) bool {
	return inbound&postedMask == postedInfo
}

// Post registers a recv. A message arrives tagged with exactly one
// context-id, so arrived messages are buffered in exactly one place: the
// lane for their own context (lanes[0] when the engine carves out no
// context-id bits). A context-specific recv therefore only needs to check
// its own lane; a recv whose mask does not cover the context-id bits is a
// wildcard and must check every context's buffer, since it can match a
// message from any of them. If nothing matched, the Posted is queued for
// future arrivals.
func (e *Engine) Post(p Posted) (Unexpected, bool) {
	if u, l, idx := e.findUnexpected(p.MatchInfo, p.MatchMask); idx >= 0 {
		l.unexpected = removeUnexpected(l.unexpected, idx)
		return u, true
	}
	l := e.laneFor(p.MatchInfo, p.MatchMask)
	l.posted = append(l.posted, p)
	return Unexpected{}, false
}

// findUnexpected locates a buffered Unexpected matching (matchInfo, mask)
// without removing it. When mask covers the context-id bits, only that
// context's lane is searched; otherwise every lane is, since a wildcard
// recv has no context to narrow the search by.
func (e *Engine) findUnexpected(matchInfo, mask uint64) (Unexpected, *lane, int) {
	if e.cfg.Bits != 0 && e.cfg.coversCtxid(mask) {
		ctx := e.cfg.ctxid(matchInfo)
		l, ok := e.lanes[ctx]
		if !ok {
			return Unexpected{}, nil, -1
		}
		if idx := findUnexpected(l.unexpected, matchInfo, mask); idx >= 0 {
			return l.unexpected[idx], l, idx
		}
		return Unexpected{}, nil, -1
	}
	for _, l := range e.lanes {
		if idx := findUnexpected(l.unexpected, matchInfo, mask); idx >= 0 {
			return l.unexpected[idx], l, idx
		}
	}
	return Unexpected{}, nil, -1
}

func findUnexpected(us []Unexpected, matchInfo, mask uint64) int {
	for i, u := range us {
		if matchesOne(matchInfo, mask, u.MatchInfo) {
			return i
		}
	}
	return -1
}

func removeUnexpected(us []Unexpected, idx int) []Unexpected {
	return append(us[:idx], us[idx+1:]...)
}

// Cancel removes a posted recv that has not yet matched (spec.md §4.12
// "cancel succeeds only while the request is still in its pre-posted
// state"). Returns false if it already matched or was never posted.
func (e *Engine) Cancel(h request.Handle) bool {
	for _, l := range e.lanes {
		if removePosted(l, h) {
			return true
		}
	}
	return removePosted(&e.wild, h)
}

func removePosted(l *lane, h request.Handle) bool {
	for i, p := range l.posted {
		if p.Handle == h {
			l.posted = append(l.posted[:i], l.posted[i+1:]...)
			return true
		}
	}
	return false
}

// Arrive matches an inbound message against posted recvs, falling back to
// the unexpected handler and then the unexpected buffer (spec.md §4.6
// steps 1-3). matched is zero-valued when the message was buffered or
// handled rather than matched against a posted recv.
func (e *Engine) Arrive(srcPartner int32, matchInfo uint64, msgLength uint32, data []byte) (matched Posted, ok bool) {
	ctx := e.cfg.ctxid(matchInfo)
	if l, found := e.lanes[ctx]; found {
		if idx := findPosted(l.posted, matchInfo); idx >= 0 {
			matched = l.posted[idx]
			l.posted = append(l.posted[:idx], l.posted[idx+1:]...)
			return matched, true
		}
	}
	if idx := findPosted(e.wild.posted, matchInfo); idx >= 0 {
		matched = e.wild.posted[idx]
		e.wild.posted = append(e.wild.posted[:idx], e.wild.posted[idx+1:]...)
		return matched, true
	}

	if e.Handler != nil {
		if e.Handler(srcPartner, matchInfo, msgLength, data) == HandlerFinished {
			return Posted{}, false
		}
		// CONTINUE: re-attempt matching once more before buffering.
		if l, found := e.lanes[ctx]; found {
			if idx := findPosted(l.posted, matchInfo); idx >= 0 {
				matched = l.posted[idx]
				l.posted = append(l.posted[:idx], l.posted[idx+1:]...)
				return matched, true
			}
		}
		if idx := findPosted(e.wild.posted, matchInfo); idx >= 0 {
			matched = e.wild.posted[idx]
			e.wild.posted = append(e.wild.posted[:idx], e.wild.posted[idx+1:]...)
			return matched, true
		}
	}

	buf := make([]byte, msgLength)
	copy(buf, data)
	u := Unexpected{SrcPartner: srcPartner, MatchInfo: matchInfo, MsgLength: msgLength, Data: buf}
	l := e.laneForInbound(ctx)
	l.unexpected = append(l.unexpected, u)
	return Posted{}, false
}

func (e *Engine) laneForInbound(ctx uint64) *lane {
	l, ok := e.lanes[ctx]
	if !ok {
		l = &lane{}
		e.lanes[ctx] = l
	}
	return l
}

func findPosted(ps []Posted, matchInfo uint64) int {
	for i, p := range ps {
		if matchesOne(p.MatchInfo, p.MatchMask, matchInfo) {
			return i
		}
	}
	return -1
}

// MatchSelf looks for an already-posted recv matching matchInfo without
// touching the unexpected buffers and without queuing anything on a miss
// — used by the self-send path (spec.md §4.7), which parks on its own
// unexp_self_send_req_q rather than the matching engine's unexpected
// queues when nothing matches yet.
func (e *Engine) MatchSelf(matchInfo uint64) (Posted, bool) {
	ctx := e.cfg.ctxid(matchInfo)
	if l, found := e.lanes[ctx]; found {
		if idx := findPosted(l.posted, matchInfo); idx >= 0 {
			p := l.posted[idx]
			l.posted = append(l.posted[:idx], l.posted[idx+1:]...)
			return p, true
		}
	}
	if idx := findPosted(e.wild.posted, matchInfo); idx >= 0 {
		p := e.wild.posted[idx]
		e.wild.posted = append(e.wild.posted[:idx], e.wild.posted[idx+1:]...)
		return p, true
	}
	return Posted{}, false
}

// Probe reports whether an unexpected message matching (matchInfo, mask)
// is currently buffered, without consuming it (spec.md iprobe/irecv FIFO
// agreement, invariant 5).
func (e *Engine) Probe(matchInfo, mask uint64) (Unexpected, bool) {
	u, _, idx := e.findUnexpected(matchInfo, mask)
	return u, idx >= 0
}
