package omx

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
)

func newTestEndpoints(t *testing.T) (a, b *Endpoint) {
	t.Helper()
	cfg := config.Load(func(string) string { return "" })

	drvA := driver.NewFake(1)
	drvB := driver.NewFake(2)
	driver.Connect(drvA, drvB)

	a, err := Open(drvA, cfg, 0, 0, 42, ContextConfig{}, nil)
	assert.NilError(t, err)
	b, err = Open(drvB, cfg, 0, 1, 42, ContextConfig{}, nil)
	assert.NilError(t, err)
	return a, b
}

// connectSync drives initiator.Connect to completion against responder,
// pumping responder.Progress from the test goroutine since nothing else
// would service its side of the handshake.
func connectSync(t *testing.T, initiator, responder *Endpoint, responderIndex uint8) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- initiator.Connect(responder.addr, responderIndex, 2*time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		responder.Progress()
		select {
		case err := <-done:
			assert.NilError(t, err)
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connect did not complete in time")
}

func TestConnectHandshakeCompletesBothSides(t *testing.T) {
	a, b := newTestEndpoints(t)
	connectSync(t, a, b, 1)

	prt := a.partners.Get(a.partnerID(b.addr, 1))
	assert.Assert(t, prt != nil)
	assert.Equal(t, prt.TrueSessionID, uint32(2), "a must adopt b's session id from the CONNECT_REPLY")
}

func TestSendRecvTinyRoundTrip(t *testing.T) {
	a, b := newTestEndpoints(t)
	connectSync(t, a, b, 1)

	recvBuf := make([]byte, 4)
	rh, err := b.Recv(0xABCD, 0xFFFF, recvBuf)
	assert.NilError(t, err)

	sh, err := a.Send(b.addr, 1, 0xABCD, []byte{1, 2, 3, 4})
	assert.NilError(t, err)

	status, err := a.Wait(sh, 2*time.Second)
	assert.NilError(t, err)
	assert.Equal(t, status.Code, Success)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.Progress()
		if st, ok := b.Test(rh); ok {
			assert.Equal(t, st.Code, Success)
			assert.DeepEqual(t, recvBuf, []byte{1, 2, 3, 4})
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("recv did not complete in time")
}

func TestSendToSelfBypassesWire(t *testing.T) {
	a, _ := newTestEndpoints(t)
	assert.NilError(t, a.Connect(a.addr, 0, time.Second), "self-connect must resolve immediately, bypassing the wire")

	buf := make([]byte, 3)
	rh, err := a.Recv(0x1, 0xFFFF, buf)
	assert.NilError(t, err)

	sh, err := a.Send(a.addr, 0, 0x1, []byte{7, 8, 9})
	assert.NilError(t, err)

	st, err := a.Wait(sh, time.Second)
	assert.NilError(t, err)
	assert.Equal(t, st.Code, Success)

	st, ok := a.Test(rh)
	assert.Assert(t, ok)
	assert.Equal(t, st.Code, Success)
	assert.DeepEqual(t, buf, []byte{7, 8, 9})
}

func TestProbeSeesUnexpectedMessageWithoutConsuming(t *testing.T) {
	a, b := newTestEndpoints(t)
	connectSync(t, a, b, 1)

	_, err := a.Send(b.addr, 1, 0x77, []byte{1, 1})
	assert.NilError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.Progress()
		if _, ok := b.Probe(0x77, 0xFFFF); ok {
			_, ok2 := b.Probe(0x77, 0xFFFF)
			assert.Assert(t, ok2, "probe must not consume the unexpected message")
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("unexpected message never arrived")
}

func TestCountersAndWarningsReflectEndpointState(t *testing.T) {
	a, b := newTestEndpoints(t)
	connectSync(t, a, b, 1)

	c := a.Counters()
	assert.Equal(t, c.InstanceTag, a.instanceTag)
	assert.Assert(t, len(a.Warnings()) == 0, "a freshly connected endpoint has nothing to warn about")

	a.driver.Descriptor().Status |= driver.StatusMTUMismatch
	assert.NilError(t, a.Progress(), "Progress must latch the status flag before Warnings can see it")

	warns := a.Warnings()
	assert.Assert(t, len(warns) == 1)
	assert.Equal(t, warns[0], "MTU mismatch detected with a peer")
}

func TestCancelRecvMarksCancelled(t *testing.T) {
	a, _ := newTestEndpoints(t)

	buf := make([]byte, 2)
	rh, err := a.Recv(0x1, 0xFFFF, buf)
	assert.NilError(t, err)

	assert.NilError(t, a.Cancel(rh))
	st, ok := a.Test(rh)
	assert.Assert(t, ok)
	assert.Equal(t, st.Code, KindCancelled)
}
