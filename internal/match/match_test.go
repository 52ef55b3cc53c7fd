package match

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/seg"
)

func TestPostMatchesBufferedUnexpected(t *testing.T) {
	e := NewEngine(ContextConfig{})
	matched, ok := e.Arrive(1, 0xAAAA, 4, []byte{1, 2, 3, 4})
	assert.Assert(t, !ok, "nothing posted yet, should buffer")
	_ = matched

	buf := make([]byte, 4)
	p := Posted{Handle: request.Handle{Slot: 1, Generation: 1}, MatchInfo: 0xAAAA, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf}}}
	u, ok := e.Post(p)
	assert.Assert(t, ok, "posted recv should find the buffered unexpected message")
	assert.DeepEqual(t, u.Data, []byte{1, 2, 3, 4})
}

func TestArriveMatchesPostedRecv(t *testing.T) {
	e := NewEngine(ContextConfig{})
	buf := make([]byte, 4)
	p := Posted{Handle: request.Handle{Slot: 2, Generation: 1}, MatchInfo: 0x1234, MatchMask: 0xFFFF, Segs: seg.List{{Data: buf}}}
	_, ok := e.Post(p)
	assert.Assert(t, !ok)

	matched, ok := e.Arrive(1, 0x1234, 4, []byte{9, 8, 7, 6})
	assert.Assert(t, ok, "arrival should match the posted recv")
	assert.Equal(t, matched.Handle, p.Handle)
}

func TestCancelRemovesPostedOnly(t *testing.T) {
	e := NewEngine(ContextConfig{})
	p := Posted{Handle: request.Handle{Slot: 3, Generation: 1}, MatchInfo: 0x1, MatchMask: 0xFFFF}
	e.Post(p)
	assert.Assert(t, e.Cancel(p.Handle))
	assert.Assert(t, !e.Cancel(p.Handle), "a second cancel of the same handle must fail")
}

func TestProbeDoesNotConsume(t *testing.T) {
	e := NewEngine(ContextConfig{})
	e.Arrive(1, 0x42, 8, make([]byte, 8))

	_, ok := e.Probe(0x42, 0xFFFF)
	assert.Assert(t, ok)
	_, ok = e.Probe(0x42, 0xFFFF)
	assert.Assert(t, ok, "probe must not consume the unexpected message")
}

func TestValidMaskRequiresContextIDCoverage(t *testing.T) {
	cfg := ContextConfig{Shift: 48, Bits: 8}
	assert.Assert(t, !ValidMask(cfg, 0x0000FFFFFFFFFFFF), "mask missing the context-id bits must be rejected")
	assert.Assert(t, ValidMask(cfg, 0x00FFFFFFFFFFFFFF), "mask covering the context-id bits must be accepted")
	assert.Assert(t, ValidMask(ContextConfig{}, 0), "an engine with no context-id bits accepts any mask")
}

func TestMatchSelfDoesNotTouchUnexpectedBuffers(t *testing.T) {
	e := NewEngine(ContextConfig{})
	_, ok := e.MatchSelf(0x7)
	assert.Assert(t, !ok)

	p := Posted{Handle: request.Handle{Slot: 4, Generation: 1}, MatchInfo: 0x7, MatchMask: 0xFFFF}
	e.Post(p)
	got, ok := e.MatchSelf(0x7)
	assert.Assert(t, ok)
	assert.Equal(t, got.Handle, p.Handle)
}

func TestHandlerContinueRematchesBeforeBuffering(t *testing.T) {
	e := NewEngine(ContextConfig{})
	var postedLate Posted
	e.Handler = func(srcPartner int32, matchInfo uint64, msgLength uint32, data []byte) HandlerResult {
		postedLate = Posted{Handle: request.Handle{Slot: 5, Generation: 1}, MatchInfo: matchInfo, MatchMask: 0xFFFF, Segs: seg.List{{Data: make([]byte, int(msgLength))}}}
		e.Post(postedLate)
		return HandlerContinue
	}

	matched, ok := e.Arrive(1, 0x99, 4, []byte{1, 2, 3, 4})
	assert.Assert(t, ok, "CONTINUE handler posting a matching recv should be picked up on re-attempt")
	assert.Equal(t, matched.Handle, postedLate.Handle)
}

func TestPostWithContextIDDoesNotCrossContextsOrDoubleDeliver(t *testing.T) {
	cfg := ContextConfig{Shift: 0, Bits: 4}
	e := NewEngine(cfg)

	_, ok := e.Arrive(1, 0x1, 4, []byte{1, 2, 3, 4})
	assert.Assert(t, !ok, "nothing posted yet, should buffer under context 1")

	other := Posted{Handle: request.Handle{Slot: 1, Generation: 1}, MatchInfo: 0x2, MatchMask: 0xFFFF}
	_, ok = e.Post(other)
	assert.Assert(t, !ok, "a recv for a different context must not see another context's buffered message")

	own := Posted{Handle: request.Handle{Slot: 2, Generation: 1}, MatchInfo: 0x1, MatchMask: 0xFFFF}
	u, ok := e.Post(own)
	assert.Assert(t, ok, "a recv for the arriving message's own context must match it")
	assert.DeepEqual(t, u.Data, []byte{1, 2, 3, 4})

	again := Posted{Handle: request.Handle{Slot: 3, Generation: 1}, MatchInfo: 0x1, MatchMask: 0xFFFF}
	_, ok = e.Post(again)
	assert.Assert(t, !ok, "the message must not still be buffered anywhere after its first match")
}

func TestHandlerFinishedConsumesWithoutBuffering(t *testing.T) {
	e := NewEngine(ContextConfig{})
	called := false
	e.Handler = func(srcPartner int32, matchInfo uint64, msgLength uint32, data []byte) HandlerResult {
		called = true
		return HandlerFinished
	}
	_, ok := e.Arrive(1, 0x55, 4, []byte{1, 2, 3, 4})
	assert.Assert(t, !ok)
	assert.Assert(t, called)

	_, ok = e.Probe(0x55, 0xFFFF)
	assert.Assert(t, !ok, "a FINISHED handler must not leave the message in the unexpected buffer")
}
