package partner

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/request"
)

func TestIndexStride(t *testing.T) {
	assert.Equal(t, Index(0, 3, 32), ID(3))
	assert.Equal(t, Index(1, 0, 32), ID(32))
	assert.Equal(t, Index(2, 5, 32), ID(69))
}

func TestConsumeSendSeqnumAdvances(t *testing.T) {
	pool := request.NewPool()
	p := New(1, pool, [6]byte{}, 0, 32*1024)
	assert.Equal(t, p.ConsumeSendSeqnum(), uint16(0))
	assert.Equal(t, p.ConsumeSendSeqnum(), uint16(1))
	assert.Equal(t, p.NextSendSeq, uint16(2))
}

func TestResetClearsVolatileStateButKeepsIdentity(t *testing.T) {
	pool := request.NewPool()
	p := New(7, pool, [6]byte{1, 2, 3, 4, 5, 6}, 3, 32*1024)
	p.Locality = LocalityRemote
	p.TrueSessionID = 99
	p.NextSendSeq = 42
	p.AckState = AckImmediate
	p.Throttling = true

	p.Reset()

	assert.Equal(t, p.TrueSessionID, uint32(0))
	assert.Equal(t, p.NextSendSeq, uint16(0))
	assert.Equal(t, p.AckState, AckNone)
	assert.Assert(t, !p.Throttling)

	assert.Equal(t, p.ID, ID(7))
	assert.DeepEqual(t, p.BoardAddr, [6]byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, p.EndpointIndex, uint8(3))
	assert.Equal(t, p.Locality, LocalityRemote, "Reset must not touch identity fields")
}

type recordingCanceller struct {
	cancelled []request.Handle
}

func (c *recordingCanceller) CancelRequest(h request.Handle, status request.Status) {
	c.cancelled = append(c.cancelled, h)
}

func TestCleanupDrainsQueuesInOrderAndResets(t *testing.T) {
	pool := request.NewPool()
	p := New(1, pool, [6]byte{}, 0, 32*1024)

	nonAcked := pool.Alloc(request.KindSendTiny)
	conn := pool.Alloc(request.KindConnect)
	p.NonAcked.PushBack(nonAcked)
	p.Connect.PushBack(conn)
	p.Throttling = true

	c := &recordingCanceller{}
	removeFromTable := p.Cleanup(c, 0)

	assert.Assert(t, !removeFromTable, "disconnectLevel 0 must not signal table removal")
	assert.DeepEqual(t, c.cancelled, []request.Handle{nonAcked, conn})
	assert.Assert(t, !p.Throttling, "Cleanup must Reset the partner")
}

func TestCleanupLevel2SignalsRemoval(t *testing.T) {
	pool := request.NewPool()
	p := New(1, pool, [6]byte{}, 0, 32*1024)
	c := &recordingCanceller{}
	assert.Assert(t, p.Cleanup(c, 2))
}
