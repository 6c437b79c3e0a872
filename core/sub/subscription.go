// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sub

import (
	"errors"
	"sync"
	"time"

	"github.com/pepper-iot/nats-client-go/core/msg"
	"github.com/pepper-iot/nats-client-go/pkg/log"
)

var (
	// ErrSlowConsumer reports a pending-queue overflow; the offending
	// message was dropped and the subscription remains usable.
	ErrSlowConsumer = errors.New("slow consumer, messages dropped")
	// ErrSubscriptionClosed is returned by blocking calls once the
	// subscription has been removed.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrSyncRequired is returned when NextMsg is called on a
	// subscription that dispatches to a handler.
	ErrSyncRequired = errors.New("illegal call on an async subscription")
	// ErrNextTimeout is returned when no message arrived in time.
	ErrNextTimeout = errors.New("timeout waiting for message")
	// ErrMaxMessages is returned after an auto-unsubscribe threshold
	// has been delivered.
	ErrMaxMessages = errors.New("maximum messages delivered")
	// ErrDrainTimeout is returned when a drain deadline elapsed with
	// messages still pending.
	ErrDrainTimeout = errors.New("drain timed out with messages pending")
)

// Default pending-queue bounds.
const (
	DefaultPendingMsgsLimit  = 8192
	DefaultPendingBytesLimit = 8 * 1024 * 1024

	// hardPendingMsgsCap bounds the queue when the message limit is
	// configured unlimited; the queue is a channel and needs a
	// capacity.
	hardPendingMsgsCap = 1 << 20
)

// Filter is one link of a subscription's interceptor chain, run on the
// reader path in registration order. Returning true marks the message
// handled: it is suppressed and never reaches the pending queue.
type Filter func(*msg.Message) bool

// Owner is the slice of the connection a subscription needs for
// deregistration. Satisfied by manage.Client.
type Owner interface {
	SendUnsubscribe(sid uint64, max int) error
	Forget(sid uint64)
}

// Config configures a subscription at creation.
type Config struct {
	Subject string
	Queue   string

	// Handler, when set, selects dispatched (async) delivery: a single
	// worker invokes it serially. When nil the subscription is
	// synchronous and consumed via NextMsg.
	Handler func(*msg.Message)

	// PendingMsgsLimit and PendingBytesLimit bound the pending queue.
	// Zero selects the defaults; -1 disables the respective limit.
	PendingMsgsLimit  int
	PendingBytesLimit int

	// Filters is the interceptor chain, in execution order.
	Filters []Filter

	// ErrorCB receives slow-consumer and dispatch errors. Never called
	// from the reader path with locks held.
	ErrorCB func(*Subscription, error)
}

// SetDefaults returns a copy of the config with zero values defaulted.
func (c Config) SetDefaults() Config {
	if c.PendingMsgsLimit == 0 {
		c.PendingMsgsLimit = DefaultPendingMsgsLimit
	}
	if c.PendingBytesLimit == 0 {
		c.PendingBytesLimit = DefaultPendingBytesLimit
	}
	return c
}

// Subscription is interest in a subject, registered under a
// connection-local sid. Messages flow reader → pending queue → user.
type Subscription struct {
	SID     uint64
	Subject string
	Queue   string

	owner   Owner
	cfg     Config
	filters []Filter

	mu       sync.Mutex
	mch      chan *msg.Message
	pBytes   int
	received uint64 // offered and queued, drives the auto-unsub check
	max      uint64 // auto-unsubscribe threshold, 0 = none
	sc       bool   // slow-consumer latch
	closed   bool
	draining bool
	done     chan struct{}

	delivered uint64 // dequeued by the user side, under mu
}

// New builds a subscription. The caller registers it and sends the SUB
// frame; a non-nil Handler starts the dispatch worker.
func New(sid uint64, cfg Config, owner Owner) *Subscription {
	cfg = cfg.SetDefaults()

	capMsgs := cfg.PendingMsgsLimit
	if capMsgs < 0 {
		capMsgs = hardPendingMsgsCap
	}
	s := &Subscription{
		SID:     sid,
		Subject: cfg.Subject,
		Queue:   cfg.Queue,
		owner:   owner,
		cfg:     cfg,
		filters: cfg.Filters,
		mch:     make(chan *msg.Message, capMsgs),
		done:    make(chan struct{}),
	}
	if cfg.Handler != nil {
		go s.dispatch()
	}
	return s
}

// IsSync reports whether the subscription is consumed via NextMsg.
func (s *Subscription) IsSync() bool { return s.cfg.Handler == nil }

// Pending returns the queued message and byte counts.
func (s *Subscription) Pending() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mch), s.pBytes
}

// Delivered returns how many messages have been handed to the user.
func (s *Subscription) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// SetMax arms the auto-unsubscribe threshold.
func (s *Subscription) SetMax(max uint64) {
	s.mu.Lock()
	s.max = max
	s.mu.Unlock()
}

// Offer routes an inbound message into the subscription from the reader
// path. The filter chain runs first; a handled message is suppressed.
// Overflow drops the message, latches the slow-consumer state, and
// reports it once per threshold crossing.
func (s *Subscription) Offer(m *msg.Message) {
	for _, f := range s.filters {
		if f(m) {
			return
		}
	}

	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return
	}
	if s.max > 0 && s.received >= s.max {
		s.mu.Unlock()
		return
	}

	size := m.Size()
	over := len(s.mch) == cap(s.mch) ||
		(s.cfg.PendingBytesLimit > 0 && s.pBytes+size > s.cfg.PendingBytesLimit)
	if over {
		first := !s.sc
		s.sc = true
		s.mu.Unlock()
		if first {
			log.Warnf("slow consumer on %q (sid %d), dropping message", s.Subject, s.SID)
			s.reportErr(ErrSlowConsumer)
		}
		return
	}

	s.sc = false
	s.received++
	s.pBytes += size
	s.mch <- m // never blocks: len checked against cap under mu
	s.mu.Unlock()
}

// Inject enqueues a synthetic message, bypassing filters, limits, and
// the auto-unsub check. Used by monitors that must wake a blocked
// consumer (heartbeat alarms).
func (s *Subscription) Inject(m *msg.Message) {
	s.mu.Lock()
	if s.closed || len(s.mch) == cap(s.mch) {
		s.mu.Unlock()
		return
	}
	s.mch <- m
	s.mu.Unlock()
}

// NextMsg blocks until a message is available, the timeout elapses, or
// the subscription closes. A zero or negative timeout means no wait.
// Only one goroutine may call NextMsg at a time.
func (s *Subscription) NextMsg(timeout time.Duration) (*msg.Message, error) {
	s.mu.Lock()
	if !s.IsSync() {
		s.mu.Unlock()
		return nil, ErrSyncRequired
	}
	if s.max > 0 && s.delivered >= s.max {
		s.mu.Unlock()
		return nil, ErrMaxMessages
	}
	s.mu.Unlock()

	// Drain queued messages ahead of the closed check so a drain or
	// close never strands deliverable messages.
	select {
	case m := <-s.mch:
		return s.took(m), nil
	default:
	}

	if timeout <= 0 {
		select {
		case <-s.done:
			return nil, ErrSubscriptionClosed
		default:
			return nil, ErrNextTimeout
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case m := <-s.mch:
		return s.took(m), nil
	case <-s.done:
		// Late arrivals may have raced the close.
		select {
		case m := <-s.mch:
			return s.took(m), nil
		default:
		}
		return nil, ErrSubscriptionClosed
	case <-t.C:
		return nil, ErrNextTimeout
	}
}

// took settles accounting for a dequeued message.
func (s *Subscription) took(m *msg.Message) *msg.Message {
	s.mu.Lock()
	s.pBytes -= m.Size()
	if s.pBytes < 0 {
		s.pBytes = 0
	}
	s.delivered++
	reachedMax := s.max > 0 && s.delivered >= s.max
	s.mu.Unlock()

	if reachedMax {
		// Threshold consumed; the server forgets the subscription on
		// its own, mirror it locally.
		s.close()
	}
	return m
}

// dispatch is the single worker of an async subscription. Handler
// invocations are serial; workers of different subscriptions run in
// parallel.
func (s *Subscription) dispatch() {
	for {
		select {
		case m := <-s.mch:
			s.cfg.Handler(s.took(m))
		case <-s.done:
			for {
				select {
				case m := <-s.mch:
					s.cfg.Handler(s.took(m))
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe removes interest immediately. No further messages are
// queued; messages already pending remain deliverable.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.mu.Unlock()

	err := s.owner.SendUnsubscribe(s.SID, 0)
	s.close()
	return err
}

// AutoUnsubscribe asks the server to remove the subscription after max
// messages and arms the matching local threshold.
func (s *Subscription) AutoUnsubscribe(max int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.max = uint64(max)
	s.mu.Unlock()
	return s.owner.SendUnsubscribe(s.SID, max)
}

// Drain stops new local deliveries, unsubscribes on the server, and
// waits until the pending queue empties or the timeout elapses.
func (s *Subscription) Drain(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.draining = true
	s.mu.Unlock()

	err := s.owner.SendUnsubscribe(s.SID, 0)

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		empty := len(s.mch) == 0
		s.mu.Unlock()
		if empty {
			s.close()
			return err
		}
		if !time.Now().Before(deadline) {
			s.close()
			return ErrDrainTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close tears the subscription down locally without touching the wire.
// Used when the connection itself is going away.
func (s *Subscription) Close() { s.close() }

// Done unblocks when the subscription has closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.owner.Forget(s.SID)
}

func (s *Subscription) reportErr(err error) {
	if s.cfg.ErrorCB != nil {
		s.cfg.ErrorCB(s, err)
	}
}
