package partner

import "github.com/open-mx/omx/internal/request"

// Table is the endpoint's partner table (spec.md §4.4), indexed by ID.
// Entries are created on demand from either an outbound connect or an
// inbound message referring to an unknown peer.
type Table struct {
	pool    *request.Pool
	entries map[ID]*Partner
}

func NewTable(pool *request.Pool) *Table {
	return &Table{pool: pool, entries: make(map[ID]*Partner)}
}

func (t *Table) Get(id ID) *Partner { return t.entries[id] }

// GetOrCreate returns the existing partner for id, or constructs one via
// New using the supplied identity fields.
func (t *Table) GetOrCreate(id ID, boardAddr [6]byte, endpointIndex uint8, rendezvousThreshold int) *Partner {
	if p, ok := t.entries[id]; ok {
		return p
	}
	p := New(id, t.pool, boardAddr, endpointIndex, rendezvousThreshold)
	t.entries[id] = p
	return p
}

// Remove deletes id from the table (disconnect_level == 2 in Cleanup).
func (t *Table) Remove(id ID) { delete(t.entries, id) }

// Each calls fn for every live partner. Safe against fn removing the
// current partner from the table.
func (t *Table) Each(fn func(*Partner)) {
	for _, p := range t.entries {
		fn(p)
	}
}

// Len reports the number of live partners.
func (t *Table) Len() int { return len(t.entries) }
