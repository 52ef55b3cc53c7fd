// Package region implements the large-message region cache (spec.md
// §4.5): a fixed 256-slot pool of pinned multi-segment buffer
// registrations, reference-counted and LRU-reused when contiguous.
package region

import (
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/seg"
)

const MaxRegions = 256

// ID is the 8-bit region identifier drawn from the fixed-size slot array
// (spec.md §3 "Region").
type ID = uint8

// Driver is the subset of the driver command set (§6.1) the region cache
// needs: pin/unpin a multi-segment buffer under a caller-chosen id.
type Driver interface {
	CreateUserRegion(id ID, segs seg.List) error
	DestroyUserRegion(id ID) error
}

// Region is a handle to a pinned buffer registered for pull/reply
// (spec.md §3 "Region").
type Region struct {
	ID         ID
	UseCount   int
	LastSeqnum uint32
	Segments   seg.List
	Reserver   request.Handle // Zero = unreserved
	Contiguous bool
}

// Cache is the region slot pool plus its two live lists (contiguous vs.
// vectorial) and an LRU unused-list of contiguous regions awaiting reuse
// or eviction (spec.md §4.5).
type Cache struct {
	driver Driver

	slots    [MaxRegions]*Region
	freeList []ID

	contiguous []ID // live contiguous regions (use_count may be 0, see unused)
	vectorial  []ID // live vectorial regions; never cached/reused

	unused []ID // LRU order, front = oldest (eviction candidate)
}

func NewCache(driver Driver) *Cache {
	c := &Cache{driver: driver}
	for i := MaxRegions - 1; i >= 0; i-- {
		c.freeList = append(c.freeList, ID(i))
	}
	return c
}

func isContiguous(segs seg.List) bool {
	return len(segs) == 1
}

// Get searches the contiguous list for a registered superset region
// matching the first segment and whose Reserver is either unset or equal
// to reserver; on a hit it bumps UseCount and returns it. On a miss it
// allocates a fresh slot (evicting the LRU front of the unused list if
// the pool is exhausted), registers it with the driver, and links it onto
// the contiguous or vectorial list as appropriate (spec.md §4.5
// get_region).
func (c *Cache) Get(segs seg.List, reserver request.Handle) (*Region, error) {
	if isContiguous(segs) {
		want := segs[0]
		for _, id := range c.contiguous {
			r := c.slots[id]
			if r == nil || len(r.Segments) != 1 {
				continue
			}
			have := r.Segments[0]
			if !sameBacking(have.Data, want.Data) || len(have.Data) < len(want.Data) {
				continue
			}
			if r.Reserver.Valid() && r.Reserver != reserver {
				continue
			}
			if r.UseCount == 0 {
				c.unlinkUnused(id)
			}
			r.UseCount++
			return r, nil
		}
	}

	id, err := c.allocSlot()
	if err != nil {
		return nil, err
	}
	if err := c.driver.CreateUserRegion(id, segs); err != nil {
		c.freeList = append(c.freeList, id)
		return nil, err
	}
	r := &Region{ID: id, UseCount: 1, Segments: segs, Reserver: reserver, Contiguous: isContiguous(segs)}
	c.slots[id] = r
	if r.Contiguous {
		c.contiguous = append(c.contiguous, id)
	} else {
		c.vectorial = append(c.vectorial, id)
	}
	return r, nil
}

// sameBacking reports whether two byte slices address the same
// underlying memory starting point — the "(vaddr, len)" comparison
// spec.md §4.5 describes. Go has no portable vaddr; comparing the slice
// headers' data pointers is the idiomatic equivalent.
func sameBacking(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	return &a[0] == &b[0]
}

func (c *Cache) allocSlot() (ID, error) {
	if n := len(c.freeList); n > 0 {
		id := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		return id, nil
	}
	if len(c.unused) > 0 {
		id := c.unused[0]
		c.unused = c.unused[1:]
		c.evict(id)
		return id, nil
	}
	return 0, mxerr.New(mxerr.NoResources)
}

func (c *Cache) evict(id ID) {
	r := c.slots[id]
	if r == nil {
		return
	}
	_ = c.driver.DestroyUserRegion(id)
	c.removeFromList(&c.contiguous, id)
	c.removeFromList(&c.vectorial, id)
	c.slots[id] = nil
}

func (c *Cache) removeFromList(list *[]ID, id ID) {
	for i, v := range *list {
		if v == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (c *Cache) unlinkUnused(id ID) {
	for i, v := range c.unused {
		if v == id {
			c.unused = append(c.unused[:i], c.unused[i+1:]...)
			return
		}
	}
}

// Put decrements a region's use count (spec.md §4.5 put_region). When it
// reaches zero and the region is contiguous, the region moves to the LRU
// unused-list rather than being freed immediately; vectorial regions are
// destroyed and their slot returned to the free list right away, since
// they are never cached.
func (c *Cache) Put(id ID) {
	r := c.slots[id]
	if r == nil {
		return
	}
	r.UseCount--
	if r.UseCount > 0 {
		return
	}
	if r.Contiguous {
		c.unused = append(c.unused, id)
		return
	}
	c.evict(id)
	c.freeList = append(c.freeList, id)
}

// Reserve marks region id exclusively held by reserver (spec.md §4.5:
// rendezvous serialization). The caller must already hold a reference
// (UseCount > 0) on the region.
func (c *Cache) Reserve(id ID, reserver request.Handle) {
	if r := c.slots[id]; r != nil {
		r.Reserver = reserver
	}
}

// Release clears a region's reserver, allowing other pulls to reserve it.
func (c *Cache) Release(id ID) {
	if r := c.slots[id]; r != nil {
		r.Reserver = request.Zero
	}
}

// Lookup returns the region for id, or nil.
func (c *Cache) Lookup(id ID) *Region { return c.slots[id] }

// Stats reports counters useful for GET_COUNTERS / the Prometheus
// collector (SPEC_FULL.md §C.1).
type Stats struct {
	Contiguous int
	Vectorial  int
	Unused     int
	Free       int
}

func (c *Cache) Stats() Stats {
	return Stats{
		Contiguous: len(c.contiguous),
		Vectorial:  len(c.vectorial),
		Unused:     len(c.unused),
		Free:       len(c.freeList),
	}
}
