package request

// Queue is an intrusive FIFO over one of a Request's three link fields
// (spec.md §4.3). O(1) PushBack/PopFront/Remove, resolved through the
// owning Pool so Requests never need to store raw pointers to one
// another (spec.md §9 design notes).
type Queue struct {
	pool       *Pool
	which      LinkKind
	head, tail Handle
	length     int
}

func NewQueue(pool *Pool, which LinkKind) *Queue {
	return &Queue{pool: pool, which: which}
}

func (q *Queue) Len() int { return q.length }

func (q *Queue) Empty() bool { return q.length == 0 }

func (q *Queue) Front() Handle { return q.head }

// InQueue reports whether h is currently linked on this queue.
func (q *Queue) InQueue(h Handle) bool {
	r := q.pool.Get(h)
	return r != nil && r.links[q.which].queued
}

// PushBack links h at the tail. h must not already be linked on this
// queue.
func (q *Queue) PushBack(h Handle) {
	r := q.pool.Get(h)
	if r == nil || r.links[q.which].queued {
		return
	}
	r.links[q.which] = link{prev: q.tail, next: Zero, queued: true}
	if q.tail.Valid() {
		if t := q.pool.Get(q.tail); t != nil {
			t.links[q.which].next = h
		}
	} else {
		q.head = h
	}
	q.tail = h
	q.length++
}

// PushFront links h at the head (used for FIFO-head requeue during the
// delayed-request scheduler, spec.md §4.10, and for notify-send
// prepending, spec.md §4.7).
func (q *Queue) PushFront(h Handle) {
	r := q.pool.Get(h)
	if r == nil || r.links[q.which].queued {
		return
	}
	r.links[q.which] = link{prev: Zero, next: q.head, queued: true}
	if q.head.Valid() {
		if hh := q.pool.Get(q.head); hh != nil {
			hh.links[q.which].prev = h
		}
	} else {
		q.tail = h
	}
	q.head = h
	q.length++
}

// Remove unlinks h from the queue, wherever it sits. No-op if h is not
// linked on this queue.
func (q *Queue) Remove(h Handle) {
	r := q.pool.Get(h)
	if r == nil || !r.links[q.which].queued {
		return
	}
	l := r.links[q.which]
	if l.prev.Valid() {
		if p := q.pool.Get(l.prev); p != nil {
			p.links[q.which].next = l.next
		}
	} else {
		q.head = l.next
	}
	if l.next.Valid() {
		if n := q.pool.Get(l.next); n != nil {
			n.links[q.which].prev = l.prev
		}
	} else {
		q.tail = l.prev
	}
	r.links[q.which] = link{}
	q.length--
}

// PopFront removes and returns the head Handle, or Zero if empty.
func (q *Queue) PopFront() Handle {
	h := q.head
	if !h.Valid() {
		return Zero
	}
	q.Remove(h)
	return h
}

// Each calls fn for every Handle currently on the queue, in order, front
// to back. fn must not mutate this queue's linkage for handles other than
// the current one (it may safely Remove the current handle from a
// *different* queue).
func (q *Queue) Each(fn func(Handle)) {
	for h := q.head; h.Valid(); {
		r := q.pool.Get(h)
		if r == nil {
			break
		}
		next := r.links[q.which].next
		fn(h)
		h = next
	}
}

// SpliceBack appends all of other's entries to the tail of q and empties
// other, preserving relative order. Used by the resend scheduler to
// re-queue resent requests at the tail while a single pass is in
// progress (spec.md §4.9: "re-queued at the tail... via a temporary list
// spliced at the end").
func (q *Queue) SpliceBack(other *Queue) {
	for {
		h := other.PopFront()
		if !h.Valid() {
			break
		}
		q.PushBack(h)
	}
}
