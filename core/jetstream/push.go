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

package jetstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/core/msg"
	"github.com/pepper-iot/nats-client-go/core/sub"
	"github.com/pepper-iot/nats-client-go/pkg/log"
)

// PushConfig configures a push-mode bound subscription: the server
// delivers on its own initiative to the deliver subject, pacing itself
// with flow-control requests and idle heartbeats.
type PushConfig struct {
	// DeliverSubject is the consumer's configured delivery subject.
	DeliverSubject string
	// Queue joins a deliver group.
	Queue string
	// Handler selects dispatched delivery; nil is synchronous.
	Handler func(*msg.Message)
	// IdleHeartbeat arms the inactivity monitor when positive.
	IdleHeartbeat time.Duration
	// MessageAlarm raises the alarm period above three heartbeats.
	MessageAlarm time.Duration
	// GapDetection enables consumer-sequence gap events.
	GapDetection bool
}

// PushSubscription is a subscription bound to a push consumer, with
// the flow-control and heartbeat managers installed.
type PushSubscription struct {
	js  *JetStream
	sub *sub.Subscription
	cfg PushConfig

	lastActive int64

	// Reader-path state; the filter chain is single-threaded.
	fcReplied   map[string]struct{}
	expectedSeq uint64

	gapPending atomic.Pointer[GapError]

	mu      sync.Mutex
	hbTimer *time.Timer
	alarm   time.Duration
	alarmed bool
}

// SubscribePush binds a subscription to a push consumer's deliver
// subject. Flow-control requests are answered exactly once per distinct
// reply subject; idle heartbeats feed the inactivity monitor.
func (js *JetStream) SubscribePush(cfg PushConfig) (*PushSubscription, error) {
	ps := &PushSubscription{
		js:        js,
		cfg:       cfg,
		fcReplied: make(map[string]struct{}),
	}
	ps.touch()

	filters := []sub.Filter{ps.touchFilter, ps.controlFilter}
	if cfg.GapDetection {
		filters = append(filters, ps.gapFilter)
	}

	handler := cfg.Handler
	if handler != nil {
		// Async mode: unknown statuses were already routed to the
		// error listener by the control filter; the handler sees data
		// only.
		userHandler := handler
		handler = func(m *msg.Message) {
			if m == heartbeatAlarm || m.IsStatus() {
				return
			}
			userHandler(m)
		}
	}

	s, err := js.nc.SubscribeWith(sub.Config{
		Subject: cfg.DeliverSubject,
		Queue:   cfg.Queue,
		Handler: handler,
		Filters: filters,
	})
	if err != nil {
		return nil, err
	}
	ps.sub = s

	if cfg.IdleHeartbeat > 0 {
		ps.armHeartbeat()
	}
	return ps, nil
}

// NextMsg blocks for the next message of a synchronous push
// subscription. Status conditions surface as errors: unknown statuses
// as *StatusError, a missed heartbeat window as ErrHeartbeatAlarm, gap
// events as *GapError (the subscription stays usable).
func (ps *PushSubscription) NextMsg(timeout time.Duration) (*msg.Message, error) {
	if ge := ps.gapPending.Swap(nil); ge != nil {
		return nil, ge
	}
	m, err := ps.sub.NextMsg(timeout)
	if err != nil {
		if err == sub.ErrNextTimeout {
			return nil, manage.ErrTimeout
		}
		return nil, err
	}
	if m == heartbeatAlarm {
		return nil, ErrHeartbeatAlarm
	}
	if m.IsStatus() {
		return nil, &StatusError{Code: m.Status, Description: m.StatusText}
	}
	return m, nil
}

// Unsubscribe removes the subscription.
func (ps *PushSubscription) Unsubscribe() error {
	ps.stopHeartbeat()
	return ps.sub.Unsubscribe()
}

// Drain unsubscribes and waits up to timeout for queued messages.
func (ps *PushSubscription) Drain(timeout time.Duration) error {
	ps.stopHeartbeat()
	return ps.sub.Drain(timeout)
}

func (ps *PushSubscription) touch() {
	atomic.StoreInt64(&ps.lastActive, time.Now().UnixNano())
}

func (ps *PushSubscription) touchFilter(*msg.Message) bool {
	ps.touch()
	return false
}

// controlFilter handles 100-class control traffic: flow-control
// requests are answered with an empty reply exactly once per distinct
// reply subject, idle heartbeats are absorbed. Unknown statuses pass
// to the queue in sync mode and go to the error listener in async
// mode.
func (ps *PushSubscription) controlFilter(m *msg.Message) bool {
	if !m.IsStatus() {
		return false
	}
	if m.Status == msg.StatusControl {
		if m.StatusText == msg.DescFlowControl && m.Reply != "" {
			if _, dup := ps.fcReplied[m.Reply]; !dup {
				ps.fcReplied[m.Reply] = struct{}{}
				if len(ps.fcReplied) > 1024 {
					// Reply subjects are unique per request; the set
					// only needs to cover in-flight ones.
					ps.fcReplied = map[string]struct{}{m.Reply: {}}
				}
				if err := ps.js.nc.Publish(m.Reply, nil); err != nil {
					log.Debugf("flow control reply: %v", err)
				}
			}
		}
		return true
	}
	if ps.cfg.Handler != nil {
		ps.js.asyncErrs.Send(&StatusError{Code: m.Status, Description: m.StatusText})
		return true
	}
	return false
}

func (ps *PushSubscription) gapFilter(m *msg.Message) bool {
	if m.IsStatus() {
		return false
	}
	meta, err := m.Metadata()
	if err != nil {
		return false
	}
	if ps.expectedSeq != 0 && meta.ConsumerSeq != ps.expectedSeq+1 {
		ge := &GapError{
			Stream:      meta.Stream,
			Consumer:    meta.Consumer,
			ExpectedSeq: ps.expectedSeq + 1,
			ReceivedSeq: meta.ConsumerSeq,
		}
		log.Warnf("%v", ge)
		ps.gapPending.Store(ge)
		ps.js.asyncErrs.Send(ge)
	}
	ps.expectedSeq = meta.ConsumerSeq
	return false
}

func (ps *PushSubscription) armHeartbeat() {
	alarm := ps.cfg.IdleHeartbeat * defaultAlarmFactor
	if ps.cfg.MessageAlarm > alarm {
		alarm = ps.cfg.MessageAlarm
	}
	if alarm < heartbeatFloor {
		alarm = heartbeatFloor
	}
	ps.mu.Lock()
	ps.alarm = alarm
	ps.hbTimer = time.AfterFunc(alarm, ps.checkHeartbeat)
	ps.mu.Unlock()
}

func (ps *PushSubscription) stopHeartbeat() {
	ps.mu.Lock()
	if ps.hbTimer != nil {
		ps.hbTimer.Stop()
		ps.hbTimer = nil
	}
	ps.mu.Unlock()
}

func (ps *PushSubscription) checkHeartbeat() {
	ps.mu.Lock()
	alarm := ps.alarm
	ps.mu.Unlock()

	last := time.Unix(0, atomic.LoadInt64(&ps.lastActive))
	since := time.Since(last)
	if since < alarm {
		ps.mu.Lock()
		if ps.hbTimer != nil {
			ps.hbTimer = time.AfterFunc(alarm-since, ps.checkHeartbeat)
		}
		ps.mu.Unlock()
		return
	}

	ps.mu.Lock()
	fire := !ps.alarmed
	ps.alarmed = true
	ps.hbTimer = nil
	ps.mu.Unlock()
	if !fire {
		return
	}
	log.Warnf("heartbeat alarm on %q after %v of inactivity", ps.cfg.DeliverSubject, since)
	ps.js.asyncErrs.Send(ErrHeartbeatAlarm)
	ps.sub.Inject(heartbeatAlarm)
}
