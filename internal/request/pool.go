package request

// Pool is a slot arena of Requests, indexed by Handle.Slot and guarded by
// Handle.Generation (spec.md §9 "Cyclic references" design note: the
// Endpoint owns Requests by slot-indexed arena; everything else refers to
// them by Handle, not by pointer).
//
// Pool is not internally synchronized: spec.md §5 places a single mutex
// around every endpoint operation, and Pool is always reached through
// that lock.
type Pool struct {
	slots      []slot
	freeList   []uint32
	allocCount int // debug accounting counter, spec.md §4.3
}

type slot struct {
	req  Request
	live bool
}

func NewPool() *Pool {
	return &Pool{}
}

// Alloc heap-allocates (grows the arena if needed) and zero-initializes a
// new Request of the given Kind, returning its Handle. Payload is left
// nil; callers set it to the appropriate *XPayload immediately.
func (p *Pool) Alloc(kind Kind) Handle {
	var idx uint32
	if n := len(p.freeList); n > 0 {
		idx = p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
	} else {
		idx = uint32(len(p.slots))
		p.slots = append(p.slots, slot{})
	}
	gen := p.slots[idx].req.Handle.Generation + 1
	p.slots[idx] = slot{live: true}
	h := Handle{Slot: idx, Generation: gen}
	p.slots[idx].req = Request{Header: Header{Handle: h, Kind: kind, PartnerID: -1}}
	p.allocCount++
	return h
}

// Get resolves a Handle to its Request, or nil if the handle is stale
// (slot reused) or out of range.
func (p *Pool) Get(h Handle) *Request {
	if !h.Valid() || int(h.Slot) >= len(p.slots) {
		return nil
	}
	s := &p.slots[h.Slot]
	if !s.live || s.req.Handle.Generation != h.Generation {
		return nil
	}
	return &s.req
}

// Free releases a Request's slot back to the pool. The caller must have
// already unlinked it from every queue it might be on.
func (p *Pool) Free(h Handle) {
	r := p.Get(h)
	if r == nil {
		return
	}
	p.slots[h.Slot].live = false
	p.freeList = append(p.freeList, h.Slot)
	p.allocCount--
}

// AllocCount returns the debug outstanding-allocation counter.
func (p *Pool) AllocCount() int { return p.allocCount }
