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
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/core/msg"
	"github.com/pepper-iot/nats-client-go/core/sub"
	"github.com/pepper-iot/nats-client-go/pkg/log"
)

// PullRequest is the JSON body of a pull: a request for up to Batch
// messages (and up to MaxBytes payload bytes when set) delivered to the
// subscription's inbox. Durations are nanoseconds on the wire.
type PullRequest struct {
	Batch         int           `json:"batch"`
	MaxBytes      int           `json:"max_bytes,omitempty"`
	Expires       time.Duration `json:"expires,omitempty"`
	IdleHeartbeat time.Duration `json:"idle_heartbeat,omitempty"`
	NoWait        bool          `json:"no_wait,omitempty"`
}

// Validate enforces the request invariants locally, before any wire
// activity. The server rejects the same combinations with a 400-class
// status; failing here keeps the round trip.
func (r PullRequest) Validate() error {
	if r.Batch < 1 {
		return &manage.ValidationError{Reason: "pull batch must be at least 1"}
	}
	if r.MaxBytes < 0 {
		return &manage.ValidationError{Reason: "pull max_bytes cannot be negative"}
	}
	if r.Expires < 0 {
		return &manage.ValidationError{Reason: "pull expires cannot be negative"}
	}
	if r.IdleHeartbeat < 0 {
		return &manage.ValidationError{Reason: "pull idle_heartbeat cannot be negative"}
	}
	if r.IdleHeartbeat > 0 {
		if r.NoWait {
			return &manage.ValidationError{Reason: "pull cannot combine no_wait with idle_heartbeat"}
		}
		if r.Expires == 0 {
			return &manage.ValidationError{Reason: "pull idle_heartbeat requires expires"}
		}
		if r.IdleHeartbeat > r.Expires/2 {
			return &manage.ValidationError{Reason: "pull idle_heartbeat cannot exceed half of expires"}
		}
	}
	return nil
}

// State is the pull subscription's lifecycle position.
type State int32

const (
	// StateIdle has no outstanding pull.
	StateIdle State = iota
	// StateActive has at least one outstanding pull budget.
	StateActive
	// StateFailed saw a fatal status or heartbeat alarm; no further
	// pulls may be issued.
	StateFailed
	// StateTerminated has been unsubscribed or drained.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// endKind classifies how a pull stopped yielding messages.
type endKind int

const (
	endNone endKind = iota
	// endDrained exhausted the local budget.
	endDrained
	// endNoMessages is the 404 answer to a no-wait pull.
	endNoMessages
	// endExpired is the 408 answer when expires elapsed.
	endExpired
	// endMaxBytes is the 409 answer when the next message would cross
	// the byte budget. Expected, not an error.
	endMaxBytes
)

// nextResult is the tagged variant a pull consumer steps on: exactly
// one of msg, end, err is meaningful.
type nextResult struct {
	msg *msg.Message
	end endKind
	err error
}

// heartbeatAlarm is injected into the pending queue to wake a blocked
// consumer when the monitor fires.
var heartbeatAlarm = &msg.Message{Kind: msg.KindProtocol}

// PullSubscription binds an inbox subscription to a named
// stream/consumer pair and issues pull requests against it.
type PullSubscription struct {
	js          *JetStream
	stream      string
	consumer    string
	nextSubject string
	inbox       string
	sub         *sub.Subscription
	opts        pullSubOpts

	// Outstanding budgets, additive across overlapping pulls.
	pendingMsgs  int64
	pendingBytes int64
	trackBytes   int32

	lastActive int64 // unixnano of the last frame for this inbox

	gapPending atomic.Pointer[GapError]
	expectedSeq uint64 // reader-path only

	mu          sync.Mutex
	state       State
	stateErr    error
	hbTimer     *time.Timer
	alarmPeriod time.Duration
}

type pullSubOpts struct {
	messageAlarm      time.Duration
	gapDetection      bool
	pendingMsgsLimit  int
	pendingBytesLimit int
}

// PullSubOpt customizes a pull subscription.
type PullSubOpt func(*pullSubOpts) error

// WithMessageAlarm raises the heartbeat alarm period above the default
// of three idle-heartbeat intervals.
func WithMessageAlarm(d time.Duration) PullSubOpt {
	return func(o *pullSubOpts) error {
		if d <= 0 {
			return &manage.ValidationError{Reason: "message alarm must be positive"}
		}
		o.messageAlarm = d
		return nil
	}
}

// WithGapDetection enables consumer-sequence gap events.
func WithGapDetection() PullSubOpt {
	return func(o *pullSubOpts) error {
		o.gapDetection = true
		return nil
	}
}

// WithPendingLimits bounds the inbox pending queue.
func WithPendingLimits(msgs, bytes int) PullSubOpt {
	return func(o *pullSubOpts) error {
		o.pendingMsgsLimit = msgs
		o.pendingBytesLimit = bytes
		return nil
	}
}

// PullSubscribe binds a pull subscription to stream/consumer. The
// subscription listens on a fresh inbox; messages arrive only in
// response to pulls.
func (js *JetStream) PullSubscribe(stream, consumer string, opts ...PullSubOpt) (*PullSubscription, error) {
	if err := validateName("stream", stream); err != nil {
		return nil, err
	}
	if err := validateName("consumer", consumer); err != nil {
		return nil, err
	}
	var o pullSubOpts
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	p := &PullSubscription{
		js:          js,
		stream:      stream,
		consumer:    consumer,
		nextSubject: js.apiSubj(fmt.Sprintf(apiRequestNextT, stream, consumer)),
		inbox:       js.nc.NewInbox(),
		opts:        o,
	}
	p.touch()

	s, err := js.nc.SubscribeWith(sub.Config{
		Subject:           p.inbox,
		Filters:           p.filters(),
		PendingMsgsLimit:  o.pendingMsgsLimit,
		PendingBytesLimit: o.pendingBytesLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "pull subscribe")
	}
	p.sub = s
	return p, nil
}

// Stream returns the bound stream name.
func (p *PullSubscription) Stream() string { return p.stream }

// Consumer returns the bound consumer name.
func (p *PullSubscription) Consumer() string { return p.consumer }

// State returns the current lifecycle state.
func (p *PullSubscription) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pending returns the outstanding message and byte budgets.
func (p *PullSubscription) Pending() (int64, int64) {
	return atomic.LoadInt64(&p.pendingMsgs), atomic.LoadInt64(&p.pendingBytes)
}

// Pull requests a batch with the server's default expiry.
func (p *PullSubscription) Pull(batch int) error {
	return p.PullWith(PullRequest{Batch: batch})
}

// PullExpiresIn requests a batch that the server abandons with a 408
// after expires.
func (p *PullSubscription) PullExpiresIn(batch int, expires time.Duration) error {
	return p.PullWith(PullRequest{Batch: batch, Expires: expires})
}

// PullNoWait requests a batch that terminates with a 404 rather than
// waiting for messages.
func (p *PullSubscription) PullNoWait(batch int) error {
	return p.PullWith(PullRequest{Batch: batch, NoWait: true})
}

// PullWith issues a fully specified pull request. Budgets accumulate
// across overlapping pulls.
func (p *PullSubscription) PullWith(req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	switch p.state {
	case StateTerminated:
		p.mu.Unlock()
		return ErrPullTerminated
	case StateFailed:
		p.mu.Unlock()
		return ErrPullFailed
	}
	p.state = StateActive
	if req.IdleHeartbeat > 0 {
		p.armHeartbeatLocked(req.IdleHeartbeat)
	}
	p.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	p.addBudget(req)
	if err := p.js.nc.PublishRequest(p.nextSubject, p.inbox, body); err != nil {
		p.dropBudget(req)
		return errors.Wrap(err, "pull request")
	}
	log.Debugf("pull %s/%s batch=%d max_bytes=%d no_wait=%v", p.stream, p.consumer, req.Batch, req.MaxBytes, req.NoWait)
	return nil
}

// AckNext acknowledges m and requests the next batch in the same
// publish, keeping the consumer pipeline full across batch boundaries.
func (p *PullSubscription) AckNext(m *msg.Message, req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	switch p.state {
	case StateTerminated:
		p.mu.Unlock()
		return ErrPullTerminated
	case StateFailed:
		p.mu.Unlock()
		return ErrPullFailed
	}
	p.state = StateActive
	if req.IdleHeartbeat > 0 {
		p.armHeartbeatLocked(req.IdleHeartbeat)
	}
	p.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	p.addBudget(req)
	if err := m.AckNext(p.inbox, body); err != nil {
		p.dropBudget(req)
		return err
	}
	return nil
}

func (p *PullSubscription) addBudget(req PullRequest) {
	atomic.AddInt64(&p.pendingMsgs, int64(req.Batch))
	if req.MaxBytes > 0 {
		atomic.StoreInt32(&p.trackBytes, 1)
		atomic.AddInt64(&p.pendingBytes, int64(req.MaxBytes))
	}
}

func (p *PullSubscription) dropBudget(req PullRequest) {
	atomic.AddInt64(&p.pendingMsgs, -int64(req.Batch))
	if req.MaxBytes > 0 {
		atomic.AddInt64(&p.pendingBytes, -int64(req.MaxBytes))
	}
}

func (p *PullSubscription) tracking() bool {
	return atomic.LoadInt32(&p.trackBytes) == 1
}

// next steps the pull state machine: it blocks up to timeout and
// reports exactly one of a message, an end condition, or an error.
// Single-consumer, like the sync subscription underneath.
func (p *PullSubscription) next(timeout time.Duration) nextResult {
	deadline := time.Now().Add(timeout)

	for {
		if ge := p.gapPending.Swap(nil); ge != nil {
			return nextResult{err: ge}
		}

		p.mu.Lock()
		st, serr := p.state, p.stateErr
		p.mu.Unlock()
		switch st {
		case StateTerminated:
			return nextResult{err: ErrPullTerminated}
		case StateFailed:
			if serr == nil {
				serr = ErrPullFailed
			}
			return nextResult{err: serr}
		case StateIdle:
			return nextResult{end: endDrained}
		}

		m, err := p.sub.NextMsg(time.Until(deadline))
		switch err {
		case nil:
		case sub.ErrNextTimeout:
			return nextResult{err: manage.ErrTimeout}
		case sub.ErrSubscriptionClosed:
			p.terminate()
			return nextResult{err: ErrPullTerminated}
		default:
			return nextResult{err: err}
		}

		if m == heartbeatAlarm {
			p.fail(ErrHeartbeatAlarm)
			return nextResult{err: ErrHeartbeatAlarm}
		}
		if m.IsStatus() {
			if res, terminal := p.processStatus(m); terminal {
				return res
			}
			continue
		}

		return nextResult{msg: p.tookMsg(m)}
	}
}

// tookMsg settles budgets for a delivered message and moves the state
// machine back to idle once the pull is drained.
func (p *PullSubscription) tookMsg(m *msg.Message) *msg.Message {
	msgs := atomic.AddInt64(&p.pendingMsgs, -1)
	var bytes int64
	if p.tracking() {
		bytes = atomic.AddInt64(&p.pendingBytes, -int64(m.Size()))
	}
	if msgs <= 0 || (p.tracking() && bytes <= 0) {
		p.endPull()
	}
	return m
}

// processStatus classifies a terminal protocol status. The bool result
// is false for statuses the consumer should keep waiting through.
func (p *PullSubscription) processStatus(m *msg.Message) (nextResult, bool) {
	switch m.Status {
	case msg.StatusControl:
		// Stray control message that passed the filters; arrival
		// already touched the monitor.
		return nextResult{}, false

	case msg.StatusNoMessages:
		p.endPull()
		return nextResult{end: endNoMessages}, true

	case msg.StatusRequestTimeout:
		p.endPull()
		return nextResult{end: endExpired}, true

	case msg.StatusConflict:
		se := &StatusError{Code: m.Status, Description: m.StatusText}
		if m.StatusText == descMsgSizeExceedsBytes {
			// The server never sends a payload that would cross the
			// byte budget; this is the expected end of a max-bytes
			// pull.
			p.endPull()
			return nextResult{end: endMaxBytes}, true
		}
		if se.Warning() {
			p.endPull()
			return nextResult{err: se}, true
		}
		p.fail(se)
		return nextResult{err: se}, true

	case msg.StatusNoResponders:
		se := &StatusError{Code: m.Status, Description: "no responders"}
		p.fail(se)
		return nextResult{err: se}, true

	default:
		se := &StatusError{Code: m.Status, Description: m.StatusText}
		p.fail(se)
		return nextResult{err: se}, true
	}
}

// endPull zeroes the budgets and returns to idle: the pull is over and
// a new one may be issued.
func (p *PullSubscription) endPull() {
	atomic.StoreInt64(&p.pendingMsgs, 0)
	atomic.StoreInt64(&p.pendingBytes, 0)

	p.mu.Lock()
	if p.state == StateActive {
		p.state = StateIdle
	}
	p.stopHeartbeatLocked()
	p.mu.Unlock()
}

// fail latches a fatal condition: no further pulls.
func (p *PullSubscription) fail(err error) {
	atomic.StoreInt64(&p.pendingMsgs, 0)
	atomic.StoreInt64(&p.pendingBytes, 0)

	p.mu.Lock()
	if p.state != StateTerminated && p.state != StateFailed {
		p.state = StateFailed
		p.stateErr = err
	}
	p.stopHeartbeatLocked()
	p.mu.Unlock()
}

func (p *PullSubscription) terminate() {
	p.mu.Lock()
	p.state = StateTerminated
	p.stopHeartbeatLocked()
	p.mu.Unlock()
}

// Unsubscribe removes the inbox subscription; outstanding pulls are
// abandoned.
func (p *PullSubscription) Unsubscribe() error {
	p.terminate()
	return p.sub.Unsubscribe()
}

// Drain unsubscribes and waits up to timeout for queued messages to be
// consumed.
func (p *PullSubscription) Drain(timeout time.Duration) error {
	err := p.sub.Drain(timeout)
	p.terminate()
	return err
}
