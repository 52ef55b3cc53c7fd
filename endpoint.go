package omx

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/open-mx/omx/internal/ackrt"
	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/handshake"
	"github.com/open-mx/omx/internal/match"
	"github.com/open-mx/omx/internal/metrics"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/progress"
	"github.com/open-mx/omx/internal/recvpipe"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/request"
	"github.com/open-mx/omx/internal/sched"
	"github.com/open-mx/omx/internal/sendpipe"
	"github.com/open-mx/omx/internal/seg"
)

// Initial resource-credit pool sizes (spec.md §5 "Shared resources"); the
// spec leaves exact figures to the implementation.
const (
	initialExpEventCredits  = 256
	initialLargeSendCredits = 8
	initialSendqSlots       = 64

	// mediumFragPipelineShift picks a 4096-byte fragment size for
	// MEDIUMSQ sends, matching the pipeline value used in spec.md's S2
	// reassembly scenario.
	mediumFragPipelineShift = 12
)

// Endpoint is a local communication handle bound to one (board, index)
// pair (spec.md §3 "Endpoint", §5 "Concurrency & Resource Model"): a
// single mutex serializes every public entry point, matching the
// cooperative single-threaded-per-endpoint scheduling model.
type Endpoint struct {
	mu      sync.Mutex
	closed  bool
	board   int
	index   int
	addr    [6]byte
	cfg     *config.Config
	driver  driver.Driver
	log     *logrus.Entry

	instanceTag string

	pool     *request.Pool
	partners *partner.Table
	regions  *region.Cache
	match    *match.Engine

	doneQ          *request.Queue
	needResourcesQ *request.Queue
	unexpSelfSendQ *request.Queue

	sendPipe     *sendpipe.Pipeline
	recvPipe     *recvpipe.Pipeline
	acks         *ackrt.Module
	sched        *sched.Scheduler
	handshakeMod *handshake.Module
	progressLoop *progress.Loop

	collector *metrics.EndpointCollector

	peerIndex     map[[6]byte]uint32
	nextPeerIndex uint32
	nextRDMASeqnum uint32

	zombieCount int
}

// Open attaches an endpoint at (board, index), wiring every internal
// package together (spec.md §3, §4). appKey gates the handshake (spec.md
// §4.11, S6); ctxCfg carves the context-id range out of match_info
// (spec.md §4.6). collector may be nil to skip Prometheus registration.
func Open(drv driver.Driver, cfg *config.Config, board, index int, appKey uint32, ctxCfg ContextConfig, collector *metrics.EndpointCollector) (*Endpoint, error) {
	if err := drv.OpenEndpoint(board, index); err != nil {
		return nil, err
	}
	info, err := drv.GetBoardInfo(board)
	if err != nil {
		_ = drv.CloseEndpoint(board, index)
		return nil, err
	}

	pool := request.NewPool()
	partners := partner.NewTable(pool)
	regions := region.NewCache(drv)
	matchEngine := match.NewEngine(ctxCfg)

	doneQ := request.NewQueue(pool, request.LinkDone)
	needResourcesQ := request.NewQueue(pool, request.LinkWork)
	unexpSelfSendQ := request.NewQueue(pool, request.LinkWork)

	sessionID := drv.Descriptor().SessionID

	sendPipe := &sendpipe.Pipeline{
		Pool:     pool,
		Partners: partners,
		Regions:  regions,
		Driver:   drv,
		Cfg:      cfg,
		Resources: &sendpipe.Resources{
			AvailExpEvents:   initialExpEventCredits,
			LargeSendCredits: initialLargeSendCredits,
			SendqFree:        initialSendqSlots,
		},
		NeedResourcesQ: needResourcesQ,
		SelfMatch:      matchEngine,
		DoneQ:          doneQ,
		UnexpSelfSendQ: unexpSelfSendQ,
		SessionID:      sessionID,
		MyAddr:         info.Addr,
	}

	recvPipe := recvpipe.NewPipeline()
	recvPipe.Pool = pool
	recvPipe.Partners = partners
	recvPipe.Regions = regions
	recvPipe.Driver = drv
	recvPipe.Match = matchEngine
	recvPipe.DoneQ = doneQ
	recvPipe.SessionID = sessionID

	acks := ackrt.NewModule(pool, partners, drv, cfg, sendPipe, doneQ)
	acks.SessionID = sessionID
	recvPipe.Acks = acks

	schedMod := sched.NewScheduler(needResourcesQ, sendPipe)

	ep := &Endpoint{
		board:          board,
		index:          index,
		addr:           info.Addr,
		cfg:            cfg,
		driver:         drv,
		instanceTag:    xid.New().String(),
		pool:           pool,
		partners:       partners,
		regions:        regions,
		match:          matchEngine,
		doneQ:          doneQ,
		needResourcesQ: needResourcesQ,
		unexpSelfSendQ: unexpSelfSendQ,
		sendPipe:       sendPipe,
		acks:           acks,
		sched:          schedMod,
		collector:      collector,
		peerIndex:      make(map[[6]byte]uint32),
	}
	ep.log = logrus.WithFields(logrus.Fields{"endpoint": ep.instanceTag, "board": board, "index": index})

	ep.handshakeMod = handshake.NewModule(pool, partners, drv, doneQ, ep, sessionID, appKey)
	recvPipe.Handshake = ep.handshakeMod
	ep.recvPipe = recvPipe

	ep.progressLoop = &progress.Loop{
		Driver:  drv,
		Recv:    recvPipe,
		Acks:    acks,
		Sched:   schedMod,
		Resolve: ep.resolvePartner,
		Log:     ep.log,
	}

	if collector != nil {
		collector.Register(ep.instanceTag, ep)
	}
	return ep, nil
}

// Close detaches the endpoint from the driver (spec.md §3 close_endpoint).
// It is safe to call more than once.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil
	}
	ep.closed = true
	if ep.collector != nil {
		ep.collector.Unregister(ep.instanceTag)
	}
	return ep.driver.CloseEndpoint(ep.board, ep.index)
}

// Progress runs one non-blocking event-loop pass (spec.md §4.12). Callers
// that want to drive progress without posting or waiting on a request
// (e.g. a background pump goroutine) use this directly.
func (ep *Endpoint) Progress() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.progressLoop.Tick()
}

// Connect performs the three-step handshake with (addr, endpointIndex)
// (spec.md §4.11), blocking up to timeout (0 = block indefinitely).
// Connecting to the endpoint's own (board, index) takes the self-connect
// bypass and returns immediately.
func (ep *Endpoint) Connect(addr [6]byte, endpointIndex uint8, timeout time.Duration) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return mxerr.New(mxerr.BadEndpoint)
	}

	id := ep.partnerID(addr, endpointIndex)
	prt := ep.partners.GetOrCreate(id, addr, endpointIndex, ep.cfg.RendezvousThresh)
	self := addr == ep.addr && int(endpointIndex) == ep.index

	h, err := ep.handshakeMod.Connect(prt, self)
	if err != nil {
		return err
	}
	if self {
		return nil
	}
	_, err = ep.waitLocked(h, timeout)
	return err
}

// Send posts an isend to (addr, endpointIndex) (spec.md §4.7): the
// submission mode (SELF/TINY/SMALL/MEDIUMSQ/LARGE) is chosen from the
// payload length and the partner's locality. The returned Handle is
// observed via Test or Wait.
func (ep *Endpoint) Send(addr [6]byte, endpointIndex uint8, matchInfo uint64, bufs ...[]byte) (request.Handle, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return request.Zero, mxerr.New(mxerr.BadEndpoint)
	}

	id := ep.partnerID(addr, endpointIndex)
	prt := ep.partners.GetOrCreate(id, addr, endpointIndex, ep.cfg.RendezvousThresh)
	if prt.Locality == partner.LocalityUnknown {
		return request.Zero, mxerr.New(mxerr.PeerNotFound)
	}

	segs := toSegs(bufs)
	length := segs.TotalLen()

	kind := request.KindSendTiny
	switch {
	case prt.Locality == partner.LocalityLocal:
		kind = request.KindSendSelf
	case length <= config.DefaultTinyMax:
		kind = request.KindSendTiny
	case length <= config.DefaultSmallMax:
		kind = request.KindSendSmall
	case length <= ep.cfg.RendezvousThresh:
		kind = request.KindSendMediumSQ
	default:
		kind = request.KindSendLarge
	}

	h := ep.pool.Alloc(kind)
	req := ep.pool.Get(h)
	req.PartnerID = int32(id)
	req.MatchInfo = matchInfo
	req.MissingResources = request.ResExpEvent | request.ResLargeSendCredit | request.ResLargeRegion | request.ResPullHandle | request.ResSendqSlot
	req.Status.MsgLength = uint32(length)

	switch kind {
	case request.KindSendSelf:
		req.Payload = request.SelfPayload{PeerSegs: segs}
	case request.KindSendTiny:
		var tp request.TinyPayload
		tp.Len = copy(tp.Data[:], flatten(bufs))
		req.Payload = tp
	case request.KindSendSmall:
		req.Payload = request.SmallPayload{Buf: flatten(bufs)}
	case request.KindSendMediumSQ:
		fragSize := 1 << mediumFragPipelineShift
		fragsNr := (length + fragSize - 1) / fragSize
		req.Payload = request.MediumSQPayload{
			Segs:  segs,
			Frags: request.MediumFragState{FragsNr: fragsNr, FragPipelineShift: mediumFragPipelineShift},
		}
	case request.KindSendLarge:
		ep.nextRDMASeqnum++
		req.Payload = request.LargeSendPayload{Segs: segs, RDMASeqnum: ep.nextRDMASeqnum}
	}

	if err := ep.sendPipe.Submit(h); err != nil {
		ep.pool.Free(h)
		return request.Zero, err
	}
	return h, nil
}

// Recv posts an irecv (spec.md §4.6): it checks the unexpected buffers
// (wire and self-send) for an already-arrived match and leaves the recv
// queued as posted only when neither has one.
func (ep *Endpoint) Recv(matchInfo, matchMask uint64, bufs ...[]byte) (request.Handle, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return request.Zero, mxerr.New(mxerr.BadEndpoint)
	}
	if matchInfo & ^matchMask != 0 {
		return request.Zero, mxerr.New(mxerr.BadMatchMask)
	}
	if !ep.match.ValidateMask(matchMask) {
		return request.Zero, mxerr.New(mxerr.BadMatchingForContextIDMask)
	}

	segs := toSegs(bufs)
	h := ep.pool.Alloc(request.KindRecv)
	req := ep.pool.Get(h)
	req.MatchInfo = matchInfo
	req.MatchMask = matchMask
	req.Payload = request.RecvPayload{Segs: segs}

	posted := match.Posted{Handle: h, MatchInfo: matchInfo, MatchMask: matchMask, Segs: segs}
	if u, ok := ep.match.Post(posted); ok {
		n := seg.CopyToSegments(segs, u.Data, len(u.Data))
		status := request.Status{Code: mxerr.Success, MsgLength: u.MsgLength, XferLength: uint32(n)}
		if uint32(n) < u.MsgLength {
			status.Code = mxerr.MessageTruncated
		}
		request.Complete(ep.doneQ, h, status)
		return h, nil
	}

	if sh, sp, ok := ep.checkSelfUnexpected(posted); ok {
		ep.match.Cancel(h)
		n := seg.CopySegsToSegs(segs, sp.PeerSegs, sp.PeerSegs.TotalLen())
		status := request.Status{Code: mxerr.Success, MsgLength: uint32(sp.PeerSegs.TotalLen()), XferLength: uint32(n)}
		request.Complete(ep.doneQ, h, status)
		request.Complete(ep.doneQ, sh, status)
		return h, nil
	}

	return h, nil
}

// Test is the non-blocking observation of a request's completion
// (spec.md §3 test). On a completed request it reaps the slot (freeing
// it, or zombifying a still-unacked send) exactly once.
func (ep *Endpoint) Test(h request.Handle) (request.Status, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	req := ep.pool.Get(h)
	if req == nil || !req.State.Has(request.Done) {
		return request.Status{}, false
	}
	status := req.Status
	ep.reap(h, req)
	return status, true
}

// Wait blocks, pumping the progress loop, until h completes or timeout
// elapses (0 = block indefinitely) (spec.md §5 "Suspension points").
func (ep *Endpoint) Wait(h request.Handle, timeout time.Duration) (request.Status, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.waitLocked(h, timeout)
}

// Probe implements iprobe (spec.md §4.6): reports whether an unexpected
// message matching (matchInfo, matchMask) is buffered, without consuming
// it.
func (ep *Endpoint) Probe(matchInfo, matchMask uint64) (msgLength uint32, ok bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	u, ok := ep.match.Probe(matchInfo, matchMask)
	if !ok {
		return 0, false
	}
	return u.MsgLength, true
}

// Cancel implements spec.md §5 "Cancellation": only a not-yet-matched
// recv or a not-yet-replied connect can be cancelled; everything else
// (in particular, sends) returns BAD_REQUEST.
func (ep *Endpoint) Cancel(h request.Handle) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	req := ep.pool.Get(h)
	if req == nil {
		return mxerr.New(mxerr.BadRequest)
	}

	switch req.Kind {
	case request.KindRecv, request.KindRecvLarge:
		if !ep.match.Cancel(h) {
			return mxerr.New(mxerr.BadRequest)
		}
		request.Complete(ep.doneQ, h, request.Status{Code: mxerr.Cancelled})
		return nil
	case request.KindConnect:
		if !ep.handshakeMod.EpConnectQ.InQueue(h) {
			return mxerr.New(mxerr.BadRequest)
		}
		ep.handshakeMod.EpConnectQ.Remove(h)
		if prt := ep.partners.Get(partner.ID(req.PartnerID)); prt != nil {
			prt.Connect.Remove(h)
		}
		request.Complete(ep.doneQ, h, request.Status{Code: mxerr.Cancelled})
		return nil
	default:
		return mxerr.New(mxerr.BadRequest)
	}
}

// CancelRequest implements partner.Canceller and handshake.Canceller: it
// is invoked for requests discovered on a partner-scoped queue during
// Cleanup, and must also strip any endpoint-scoped linkage (work queues
// use a link slot independent of the partner-scoped one) before the slot
// can safely be freed or zombified.
func (ep *Endpoint) CancelRequest(h request.Handle, status request.Status) {
	req := ep.pool.Get(h)
	if req == nil {
		return
	}
	ep.needResourcesQ.Remove(h)
	ep.unexpSelfSendQ.Remove(h)
	ep.handshakeMod.EpConnectQ.Remove(h)

	if req.State.Has(request.Zombie) {
		ep.pool.Free(h)
		return
	}
	request.Complete(ep.doneQ, h, status)
}

// MetricsSnapshot implements metrics.Source.
func (ep *Endpoint) MetricsSnapshot() metrics.Snapshot {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	counters, _ := ep.driver.GetCounters()
	regionStats := ep.regions.Stats()
	throttling := 0
	ep.partners.Each(func(p *partner.Partner) {
		if p.Throttling {
			throttling++
		}
	})

	return metrics.Snapshot{
		InstanceTag: ep.instanceTag,
		BoardAddr:   fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", ep.addr[0], ep.addr[1], ep.addr[2], ep.addr[3], ep.addr[4], ep.addr[5]),
		EndpointIdx: uint8(ep.index),

		SendTinyCount: counters.SendTinyCount, SendSmallCount: counters.SendSmallCount,
		SendMediumCount: counters.SendMediumCount, SendLargeCount: counters.SendLargeCount,
		RecvTinyCount: counters.RecvTinyCount, RecvSmallCount: counters.RecvSmallCount,
		RecvMediumCount: counters.RecvMediumCount, RecvLargeCount: counters.RecvLargeCount,
		RetransmitCount: counters.RetransmitCount, NackCount: counters.NackCount,
		DroppedEarlyCount: counters.DroppedEarlyCount,

		AvailExpEvents:   ep.sendPipe.Resources.AvailExpEvents,
		LargeSendCredits: ep.sendPipe.Resources.LargeSendCredits,
		SendqFree:        ep.sendPipe.Resources.SendqFree,
		ZombieCount:      ep.zombieCount,

		RegionsContiguous: regionStats.Contiguous,
		RegionsVectorial:  regionStats.Vectorial,
		RegionsUnused:     regionStats.Unused,
		RegionsFree:       regionStats.Free,

		PartnersThrottling: throttling,
	}
}

// Counters returns a snapshot of the endpoint's countable state
// (SPEC_FULL.md §C.1, spec.md §6.1 GET_COUNTERS): the same data this
// endpoint publishes through the Prometheus collector when one is
// registered, as a direct call for a caller that has no scraper.
func (ep *Endpoint) Counters() Counters {
	return ep.MetricsSnapshot()
}

// Warnings reports the recoverable conditions the event loop already logs
// (spec.md §4.12 step 6), plus nonzero driver counters a caller would
// otherwise only see by diffing Counters (SPEC_FULL.md §C.2), mirroring
// the teacher's Conn.Warnings() checking Reconnects and Retransmits.
func (ep *Endpoint) Warnings() []string {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	warns := ep.progressLoop.Warnings()
	counters, _ := ep.driver.GetCounters()
	if counters.RetransmitCount > 0 {
		warns = append(warns, "retransmits="+strconv.FormatUint(counters.RetransmitCount, 10))
	}
	if counters.NackCount > 0 {
		warns = append(warns, "nacks="+strconv.FormatUint(counters.NackCount, 10))
	}
	if counters.DroppedEarlyCount > 0 {
		warns = append(warns, "dropped_early="+strconv.FormatUint(counters.DroppedEarlyCount, 10))
	}
	if ep.zombieCount > 0 {
		warns = append(warns, "zombies="+strconv.Itoa(ep.zombieCount))
	}
	return warns
}

// checkSelfUnexpected scans unexpSelfSendQ for a self-send whose
// match_info satisfies posted (spec.md §4.7 "lingers on
// unexp_self_send_req_q until a matching recv arrives").
func (ep *Endpoint) checkSelfUnexpected(posted match.Posted) (request.Handle, request.SelfPayload, bool) {
	var found request.Handle
	ep.unexpSelfSendQ.Each(func(h request.Handle) {
		if found.Valid() {
			return
		}
		req := ep.pool.Get(h)
		if req == nil {
			return
		}
		if req.MatchInfo&posted.MatchMask == posted.MatchInfo {
			found = h
		}
	})
	if !found.Valid() {
		return request.Zero, request.SelfPayload{}, false
	}
	req := ep.pool.Get(found)
	sp := req.Payload.(request.SelfPayload)
	ep.unexpSelfSendQ.Remove(found)
	return found, sp, true
}

// reap disposes of an observed-complete request: a send still awaiting
// its wire ack zombifies (spec.md §3 "Zombie request") up to zombie_max,
// otherwise the slot is freed immediately.
func (ep *Endpoint) reap(h request.Handle, req *request.Request) {
	if req.State.Has(request.NeedAck) && ep.zombieCount < ep.cfg.ZombieMax {
		request.Zombify(ep.doneQ, h)
		ep.zombieCount++
		return
	}
	ep.doneQ.Remove(h)
	ep.pool.Free(h)
}

// waitLocked implements the blocking suspension points (spec.md §5): it
// ticks progress, checks for completion, and otherwise releases the
// endpoint mutex around the driver's blocking wait_event ioctl before
// reacquiring it — mirroring "the mutex is released around blocking
// wait_event ioctl calls".
func (ep *Endpoint) waitLocked(h request.Handle, timeout time.Duration) (request.Status, error) {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ep.progressLoop.Tick(); err != nil {
			return request.Status{}, err
		}
		req := ep.pool.Get(h)
		if req == nil {
			return request.Status{}, mxerr.New(mxerr.BadRequest)
		}
		if req.State.Has(request.Done) {
			status := req.Status
			ep.reap(h, req)
			return status, nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return request.Status{}, mxerr.New(mxerr.Timeout)
		}

		wake, ok := ep.progressLoop.WakeupJiffies(ep.partners, ep.acks.AckDelayJiffies())
		if !ok {
			wake = ep.driver.Descriptor().Jiffies + ep.acks.AckDelayJiffies()
		}

		ep.mu.Unlock()
		sleepErr := ep.progressLoop.Sleep(ep.cfg.WaitSpin, wake)
		ep.mu.Lock()
		if sleepErr != nil {
			return request.Status{}, sleepErr
		}
	}
}

// resolvePartner implements progress.Resolver: map an inbound event's
// source address to its partner.Table entry, creating one on first
// contact (spec.md §4.4).
func (ep *Endpoint) resolvePartner(ev driver.Event) *partner.Partner {
	id := ep.partnerID(ev.SrcAddr, ev.SrcEndpoint)
	return ep.partners.GetOrCreate(id, ev.SrcAddr, ev.SrcEndpoint, ep.cfg.RendezvousThresh)
}

// partnerID assigns a stable small peer index to addr on first sight and
// derives the partner.ID from it (spec.md §4.4).
func (ep *Endpoint) partnerID(addr [6]byte, endpointIndex uint8) partner.ID {
	idx, ok := ep.peerIndex[addr]
	if !ok {
		idx = ep.nextPeerIndex
		ep.nextPeerIndex++
		ep.peerIndex[addr] = idx
	}
	return partner.Index(idx, uint32(endpointIndex), EndpointMax)
}

func toSegs(bufs [][]byte) seg.List {
	out := make(seg.List, len(bufs))
	for i, b := range bufs {
		out[i] = seg.Segment{Data: b}
	}
	return out
}

func flatten(bufs [][]byte) []byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}
