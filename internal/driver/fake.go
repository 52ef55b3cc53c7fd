package driver

import (
	"sync"

	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/seg"
)

// Fake is an in-memory Driver double used by package tests and by
// integration tests that string two endpoints together without a real
// kernel module, following the teacher's habit of shipping a mock
// alongside the real syscall-backed implementation (pkg/linux/
// mock_tcpinfo.go). Two Fakes can be cross-wired with Connect so sends on
// one appear as inbound events on the other, entirely in-process.
type Fake struct {
	mu   sync.Mutex
	desc Descriptor

	peer *Fake // cross-wired endpoint, nil until Connect

	expected   []Event
	unexpected []Event

	regions map[uint8]seg.List

	wake chan struct{}

	boards []BoardInfo

	counters Counters

	myEndpoint uint8
}

func NewFake(sessionID uint32) *Fake {
	return &Fake{
		desc:    Descriptor{SessionID: sessionID, ABIVersion: LibABIVersion, HZ: 250},
		regions: make(map[uint8]seg.List),
		wake:    make(chan struct{}, 1),
		boards:  []BoardInfo{{Addr: [6]byte{0, 1, 2, 3, 4, 5}, Hostname: "localhost", IfaceName: "fake0", MTU: 1500, Up: true}},
	}
}

// Connect cross-wires two fakes: a Send on one enqueues an Event on the
// other's unexpected ring (the real driver would do this via the NIC and
// the peer's kernel module).
func Connect(a, b *Fake) {
	a.peer = b
	b.peer = a
}

func (f *Fake) GetBoardCount() (int, error) { return len(f.boards), nil }

func (f *Fake) GetBoardInfo(board int) (BoardInfo, error) {
	if board < 0 || board >= len(f.boards) {
		return BoardInfo{}, mxerr.New(mxerr.BoardNotFound)
	}
	return f.boards[board], nil
}

func (f *Fake) GetEndpointInfo(board, endpoint int) (bool, error) { return true, nil }

func (f *Fake) OpenEndpoint(board, endpoint int) error {
	f.myEndpoint = uint8(endpoint)
	return nil
}
func (f *Fake) CloseEndpoint(board, endpoint int) error { return nil }

func (f *Fake) Descriptor() *Descriptor { return &f.desc }

// srcStamp fills the fields every peer-originated event needs for
// progress.Resolver to find (or create) the right partner table entry
// (spec.md §4.4): the sender's own board address and endpoint index.
func (f *Fake) srcStamp() (addr [6]byte, endpoint uint8) {
	if len(f.boards) > 0 {
		addr = f.boards[0].Addr
	}
	return addr, f.myEndpoint
}

func (f *Fake) SendConnectRequest(cmd ConnectRequestCmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	addr, endpoint := f.srcStamp()
	f.peer.pushUnexpectedLocked(Event{
		Kind:        EventConnectRequest,
		SrcAddr:     addr,
		SrcEndpoint: endpoint,
		SessionID:   cmd.SrcSessionID,
		MatchInfo:   uint64(cmd.AppKey)<<32 | uint64(cmd.ConnectSeqnum)<<16 | uint64(cmd.TargetRecvSeqStart),
		StatusCode:  0,
	})
	return nil
}

func (f *Fake) SendConnectReply(cmd ConnectReplyCmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	addr, endpoint := f.srcStamp()
	f.peer.pushUnexpectedLocked(Event{
		Kind:        EventConnectReply,
		SrcAddr:     addr,
		SrcEndpoint: endpoint,
		SessionID:   cmd.SrcSessionID,
		MatchInfo:   uint64(cmd.TargetSessionID)<<32 | uint64(cmd.EchoConnectSeqnum)<<16 | uint64(cmd.TargetRecvSeqStart),
		StatusCode:  cmd.StatusCode,
	})
	return nil
}

func (f *Fake) Send(kind SendKind, cmd SendCmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	var e Event
	e.SrcAddr, e.SrcEndpoint = f.srcStamp()
	e.Seqnum = cmd.Seqnum
	e.PiggyAck = cmd.PiggyAck
	e.MatchInfo = cmd.MatchInfo
	e.SessionID = cmd.SessionID
	switch kind {
	case SendTiny:
		e.Kind, e.Length = EventTiny, uint32(len(cmd.Payload))
		e.Payload = cmd.Payload
	case SendSmall:
		e.Kind, e.Length = EventSmall, uint32(len(cmd.Payload))
		e.Payload = cmd.Payload
	case SendMediumSQFrag, SendMediumVA:
		e.Kind = EventMediumFrag
		e.Length = uint32(cmd.Segs.TotalLen())
		e.FragSeqnum = cmd.FragSeqnum
		e.FragLength = uint32(len(cmd.Payload))
		e.FragPipeline = cmd.FragPipeline
		e.Payload = cmd.Payload
	case SendRNDV:
		e.Kind = EventRNDV
		e.Length = uint32(cmd.Segs.TotalLen())
		e.RDMAID = uint32(cmd.RegionID)
	case SendNotify:
		e.Kind = EventNotify
	case SendTruc:
		e.Kind = EventNackLib
	}
	f.counters.bump(kind)
	f.peer.pushUnexpectedLocked(e)
	return nil
}

func (f *Fake) Pull(cmd PullCmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	remote, ok := f.peer.regions[cmd.RemoteRegionID]
	if !ok {
		f.pushExpectedLocked(Event{Kind: EventPullDone, StatusCode: 1, RDMAID: uint32(cmd.LocalRegionID)})
		return nil
	}
	local, ok := f.regions[cmd.LocalRegionID]
	if ok {
		n := seg.CopySegsToSegs(local, remote, int(cmd.Length))
		_ = n
	}
	f.pushExpectedLocked(Event{Kind: EventPullDone, RDMAID: uint32(cmd.LocalRegionID), Length: cmd.Length, PullHandle: cmd.PullHandle})
	addr, endpoint := f.srcStamp()
	f.peer.pushExpectedLocked(Event{Kind: EventNotify, SrcAddr: addr, SrcEndpoint: endpoint, RDMAID: uint32(cmd.RemoteRegionID)})
	return nil
}

func (f *Fake) SendLIBAck(cmd LIBAckCmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	addr, endpoint := f.srcStamp()
	f.peer.pushUnexpectedLocked(Event{Kind: EventLIBAck, SrcAddr: addr, SrcEndpoint: endpoint, Acknum: cmd.Acknum, Seqnum: cmd.SeqnumUpTo, SessionID: cmd.SessionID})
	return nil
}

func (f *Fake) SendNack(cmd NackCmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return mxerr.New(mxerr.PeerNotFound)
	}
	addr, endpoint := f.srcStamp()
	f.peer.pushUnexpectedLocked(Event{Kind: EventNackLib, SrcAddr: addr, SrcEndpoint: endpoint, NackReason: cmd.Reason, SessionID: cmd.SessionID})
	return nil
}

func (f *Fake) CreateUserRegion(id uint8, segs seg.List) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[id] = segs
	return nil
}

func (f *Fake) DestroyUserRegion(id uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, id)
	return nil
}

func (f *Fake) pushExpectedLocked(e Event) {
	f.expected = append(f.expected, e)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fake) pushUnexpectedLocked(e Event) {
	f.unexpected = append(f.unexpected, e)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fake) PollExpected() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.expected) == 0 {
		return Event{}, false
	}
	e := f.expected[0]
	f.expected = f.expected[1:]
	return e, true
}

func (f *Fake) PollUnexpected() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.unexpected) == 0 {
		return Event{}, false
	}
	e := f.unexpected[0]
	f.unexpected = f.unexpected[1:]
	return e, true
}

func (f *Fake) WaitEvent(jiffiesExpire uint64) error {
	<-f.wake
	return nil
}

func (f *Fake) WakeupAll() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fake) GetCounters() (Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters, nil
}

func (c *Counters) bump(kind SendKind) {
	switch kind {
	case SendTiny:
		c.SendTinyCount++
	case SendSmall:
		c.SendSmallCount++
	case SendMediumSQFrag, SendMediumVA:
		c.SendMediumCount++
	case SendRNDV:
		c.SendLargeCount++
	}
}
