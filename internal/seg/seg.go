// Package seg implements multi-segment buffer descriptors, the segment
// copy helpers, and a resumable scatter cursor (spec.md §4.2). No caller
// in the module constructs a Cursor; recvpipe reassembles MEDIUM_FRAG
// messages into a flat buffer with plain offset copies.
package seg

// Segment is a single contiguous chunk of a (possibly multi-segment)
// message buffer.
type Segment struct {
	Data []byte
}

// List is an ordered list of segments, bounded by MaxSegments at the
// caller (internal/config.MaxSegments); List itself imposes no limit so
// it stays reusable from tests.
type List []Segment

// Clone returns a List sharing the same underlying byte slices (reference
// semantics, per spec.md §4.2 "clone with reference semantics" — no data
// is copied, only the slice-of-slices header).
func (l List) Clone() List {
	out := make(List, len(l))
	copy(out, l)
	return out
}

// TotalLen returns the sum of all segment lengths.
func (l List) TotalLen() int {
	n := 0
	for _, s := range l {
		n += len(s.Data)
	}
	return n
}

// CopyFromSegments copies up to length bytes from segs into dst, starting
// at the beginning of segs, saturating at length and at len(dst).
func CopyFromSegments(dst []byte, segs List, length int) int {
	copied := 0
	for _, s := range segs {
		if copied >= length || copied >= len(dst) {
			break
		}
		remaining := length - copied
		if remaining > len(dst)-copied {
			remaining = len(dst) - copied
		}
		n := len(s.Data)
		if n > remaining {
			n = remaining
		}
		copy(dst[copied:copied+n], s.Data[:n])
		copied += n
	}
	return copied
}

// CopyRangeFromSegments copies len(dst) bytes starting at absolute offset
// off within segs into dst, used by the send pipeline to slice out one
// fragment's worth of bytes from a multi-segment message (spec.md §4.7
// medium fragmentation).
func CopyRangeFromSegments(dst []byte, segs List, off int) int {
	pos := 0
	copied := 0
	for _, s := range segs {
		if copied >= len(dst) {
			break
		}
		segEnd := pos + len(s.Data)
		if segEnd <= off {
			pos = segEnd
			continue
		}
		start := 0
		if off > pos {
			start = off - pos
		}
		avail := len(s.Data) - start
		n := len(dst) - copied
		if n > avail {
			n = avail
		}
		copy(dst[copied:copied+n], s.Data[start:start+n])
		copied += n
		pos = segEnd
	}
	return copied
}

// CopyToSegments copies up to length bytes from src into segs, saturating
// at length and at segs' total capacity.
func CopyToSegments(segs List, src []byte, length int) int {
	copied := 0
	for _, s := range segs {
		if copied >= length || copied >= len(src) {
			break
		}
		remaining := length - copied
		if remaining > len(src)-copied {
			remaining = len(src) - copied
		}
		n := len(s.Data)
		if n > remaining {
			n = remaining
		}
		copy(s.Data[:n], src[copied:copied+n])
		copied += n
	}
	return copied
}

// CopySegsToSegs copies up to length bytes from src segments into dst
// segments, saturating at length.
func CopySegsToSegs(dst, src List, length int) int {
	copied := 0
	var si, soff int
	for _, d := range dst {
		if copied >= length {
			break
		}
		doff := 0
		for doff < len(d.Data) && copied < length {
			for si < len(src) && soff >= len(src[si].Data) {
				si++
				soff = 0
			}
			if si >= len(src) {
				return copied
			}
			n := len(d.Data) - doff
			if m := len(src[si].Data) - soff; m < n {
				n = m
			}
			if r := length - copied; r < n {
				n = r
			}
			copy(d.Data[doff:doff+n], src[si].Data[soff:soff+n])
			doff += n
			soff += n
			copied += n
		}
	}
	return copied
}

// Cursor is the resumable scatter cursor described in spec.md §4.2: given
// an absolute message offset, it advances to the start of the fragment
// within dst, copies the fragment's bytes, and is left ready for the next
// contiguous chunk. It must recover correctly when fragments arrive out
// of order by validating against the last scanned offset and re-seeking
// from segment zero when the new offset does not continue it.
type Cursor struct {
	dst        List
	curSeg     int
	offInSeg   int
	scanOffset int // absolute offset the cursor is currently positioned at
}

// NewCursor creates a cursor positioned at the start of dst.
func NewCursor(dst List) *Cursor {
	return &Cursor{dst: dst}
}

// seekTo repositions the cursor to absolute offset off, scanning from
// segment zero. Used both for the initial seek and for out-of-order
// recovery.
func (c *Cursor) seekTo(off int) {
	seg, rem := 0, off
	for seg < len(c.dst) && rem > len(c.dst[seg].Data) {
		rem -= len(c.dst[seg].Data)
		seg++
	}
	c.curSeg = seg
	c.offInSeg = rem
	c.scanOffset = off
}

// Put copies src into dst starting at absolute message offset off,
// returning the number of bytes actually copied (saturating at the
// remaining capacity of dst). If off does not continue the cursor's
// current scan position, the cursor re-seeks from segment zero first.
func (c *Cursor) Put(off int, src []byte) int {
	if off != c.scanOffset {
		c.seekTo(off)
	}
	copied := 0
	remaining := src
	for len(remaining) > 0 && c.curSeg < len(c.dst) {
		segData := c.dst[c.curSeg].Data
		avail := len(segData) - c.offInSeg
		if avail <= 0 {
			c.curSeg++
			c.offInSeg = 0
			continue
		}
		n := len(remaining)
		if n > avail {
			n = avail
		}
		copy(segData[c.offInSeg:c.offInSeg+n], remaining[:n])
		c.offInSeg += n
		copied += n
		remaining = remaining[n:]
		if c.offInSeg == len(segData) {
			c.curSeg++
			c.offInSeg = 0
		}
	}
	c.scanOffset = off + copied
	return copied
}
