// Package progress implements the cooperative event loop (spec.md
// §4.12): draining both event rings, driving the resend/delayed/ack
// passes, and polling descriptor status flags.
package progress

import (
	"github.com/sirupsen/logrus"

	"github.com/open-mx/omx/internal/ackrt"
	"github.com/open-mx/omx/internal/driver"
	"github.com/open-mx/omx/internal/partner"
	"github.com/open-mx/omx/internal/recvpipe"
	"github.com/open-mx/omx/internal/sched"
)

// Resolver maps an inbound event's source address to the partner it
// belongs to, creating a table entry on first contact (spec.md §4.4
// "Entries are created on demand"). The endpoint owns this because only
// it knows the endpoint-max stride and rendezvous threshold needed to
// compute a partner.ID and construct a fresh Partner.
type Resolver func(ev driver.Event) *partner.Partner

// Loop is one endpoint's progress() driver (spec.md §4.12).
type Loop struct {
	Driver   driver.Driver
	Recv     *recvpipe.Pipeline
	Acks     *ackrt.Module
	Sched    *sched.Scheduler
	Resolve  Resolver
	Log      *logrus.Entry

	warnedStatus driver.EndpointStatusFlags
}

// Tick runs one full progress pass: both event rings, resend scan,
// delayed-request scan, ack flush, and status-flag poll (spec.md §4.12
// steps 1-6). It returns an error for a hard abort condition
// (IFACE_REMOVED) and for a failure of the delayed-request or ack-flush
// pass; an error from handling one event is logged and absorbed so one
// bad event never wedges the loop.
func (l *Loop) Tick() error {
	if err := l.drainRing(l.Driver.PollUnexpected); err != nil {
		return err
	}
	if err := l.drainRing(l.Driver.PollExpected); err != nil {
		return err
	}

	now := l.Driver.Descriptor().Jiffies
	l.Acks.ProcessResendRequests(now)
	if err := l.Sched.ProcessDelayedRequests(); err != nil {
		return err
	}
	if err := l.Acks.FlushAcks(now); err != nil {
		return err
	}

	return l.checkStatus()
}

func (l *Loop) drainRing(poll func() (driver.Event, bool)) error {
	for {
		ev, ok := poll()
		if !ok {
			return nil
		}
		prt := l.Resolve(ev)
		if prt == nil {
			continue
		}
		if err := l.Recv.HandleEvent(prt, ev); err != nil {
			if l.Log != nil {
				l.Log.WithFields(logrus.Fields{"event": ev.Kind, "partner": prt.ID}).Warn(err)
			}
		}
	}
}

// checkStatus implements spec.md §4.12 step 6: warn on a recoverable
// condition, abort on IFACE_REMOVED. Each warnable bit logs once per
// transition so a stuck condition doesn't spam every tick.
func (l *Loop) checkStatus() error {
	status := l.Driver.Descriptor().Status

	warnable := []struct {
		bit driver.EndpointStatusFlags
		msg string
	}{
		{driver.StatusUnexpectedQueueFull, "unexpected event queue full, peer traffic may stall"},
		{driver.StatusMTUMismatch, "MTU mismatch detected with a peer"},
		{driver.StatusIfaceDown, "network interface is down"},
	}
	for _, w := range warnable {
		if status&w.bit != 0 && l.warnedStatus&w.bit == 0 && l.Log != nil {
			l.Log.Warn(w.msg)
		}
	}
	l.warnedStatus = status & (driver.StatusUnexpectedQueueFull | driver.StatusMTUMismatch | driver.StatusIfaceDown)

	if status&driver.StatusIfaceRemoved != 0 {
		if l.Log != nil {
			l.Log.Error("network interface removed, aborting endpoint")
		}
		return driverRemovedError{}
	}
	return nil
}

// Warnings reports the warnable status conditions currently latched by
// checkStatus, without emitting a new log line for each call. Mirrors the
// teacher's Conn.Warnings(): the same conditions the loop already logs,
// surfaced as a queryable list for a caller that wants to poll instead of
// scrape logs.
func (l *Loop) Warnings() []string {
	var warns []string
	if l.warnedStatus&driver.StatusUnexpectedQueueFull != 0 {
		warns = append(warns, "unexpected event queue full, peer traffic may stall")
	}
	if l.warnedStatus&driver.StatusMTUMismatch != 0 {
		warns = append(warns, "MTU mismatch detected with a peer")
	}
	if l.warnedStatus&driver.StatusIfaceDown != 0 {
		warns = append(warns, "network interface is down")
	}
	return warns
}

type driverRemovedError struct{}

func (driverRemovedError) Error() string { return "omx: network interface removed" }

// WakeupJiffies implements the delayed-ack half of prepare_progress_wakeup
// (spec.md §4.12): the soonest delayed-ack expiry across every partner.
// The resend/connect-resend half needs each non-acked request's
// LastSendJiffies, which lives in internal/request; the endpoint computes
// that half itself (it already walks the pool for other bookkeeping) and
// takes the minimum of the two before calling Sleep. ok is false when no
// partner currently has a delayed ack pending.
func (l *Loop) WakeupJiffies(partners *partner.Table, ackDelayJiffies uint64) (wake uint64, ok bool) {
	partners.Each(func(p *partner.Partner) {
		if p.AckState != partner.AckDelayed {
			return
		}
		candidate := p.OldestRecvTimeNotAcked + ackDelayJiffies
		if !ok || candidate < wake {
			wake, ok = candidate, true
		}
	})
	return wake, ok
}

// Sleep blocks until the driver reports a new event, the computed
// wakeup deadline passes, or an explicit WakeupAll fires (spec.md §4.12
// "Sleeping"). waitSpin busy-polls instead, yielding between checks via
// a zero-timeout WaitEvent so another goroutine sharing the process can
// still make progress (spec.md "waitspin... alternating lock
// release/reacquire" — here modeled as a non-blocking poll loop since
// the endpoint lock is the caller's responsibility, not this package's).
func (l *Loop) Sleep(waitSpin bool, jiffiesExpire uint64) error {
	if waitSpin {
		return l.Driver.WaitEvent(l.Driver.Descriptor().Jiffies)
	}
	return l.Driver.WaitEvent(jiffiesExpire)
}
