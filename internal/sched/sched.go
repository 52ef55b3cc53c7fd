// Package sched implements the delayed-request scheduler (spec.md
// §4.10): draining need_resources_send_req_q strictly FIFO, re-queuing a
// still-blocked request at the head and stopping so a small downstream
// request never starves an earlier large one.
package sched

import (
	"github.com/open-mx/omx/internal/request"
)

// Retrier is the subset of sendpipe.Pipeline the scheduler needs.
type Retrier interface {
	RetryDelayed(h request.Handle) (acquired bool, err error)
}

// Scheduler owns the endpoint's need_resources_send_req_q.
type Scheduler struct {
	Queue   *request.Queue
	Sender  Retrier
}

func NewScheduler(queue *request.Queue, sender Retrier) *Scheduler {
	return &Scheduler{Queue: queue, Sender: sender}
}

// ProcessDelayedRequests implements process_delayed_requests (spec.md
// §4.10): pop the head, retry its resource acquisition, and either move
// on (acquired) or push it back to the head and stop (still blocked).
func (s *Scheduler) ProcessDelayedRequests() error {
	for {
		h := s.Queue.Front()
		if !h.Valid() {
			return nil
		}
		s.Queue.PopFront()
		acquired, err := s.Sender.RetryDelayed(h)
		if !acquired {
			s.Queue.PushFront(h)
			return nil
		}
		if err != nil {
			return err
		}
	}
}
