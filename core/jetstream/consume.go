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
	"time"

	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/core/msg"
	"github.com/pepper-iot/nats-client-go/pkg/log"
)

// MessagesContext is the lazy sequence over a long-running consume. It
// keeps the server's in-flight budget topped up: once the consumed
// share of a batch crosses the threshold, the next pull is issued
// before the current one drains.
type MessagesContext struct {
	c    *Consumer
	p    *PullSubscription
	opts ConsumeOptions

	mu            sync.Mutex
	stopped       bool
	finished      bool
	finishErr     error
	consumedMsgs  int
	consumedBytes int
}

// Messages starts a long-running consume and returns its iterator.
func (c *Consumer) Messages(opts ConsumeOptions) (*MessagesContext, error) {
	opts = opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p, err := c.acquire()
	if err != nil {
		return nil, err
	}

	it := &MessagesContext{c: c, p: p, opts: opts}
	if err := p.PullWith(it.fullRequest()); err != nil {
		c.release(p)
		_ = p.Unsubscribe()
		return nil, err
	}
	return it, nil
}

func (it *MessagesContext) fullRequest() PullRequest {
	return PullRequest{
		Batch:         it.opts.BatchSize,
		MaxBytes:      it.opts.BatchBytes,
		Expires:       it.opts.Expires,
		IdleHeartbeat: it.opts.IdleHeartbeat,
	}
}

// Next blocks up to timeout for the next message. The pull pipeline is
// refilled underneath: normal pull expiry repulls immediately, status
// warnings are reported and skipped over, and the threshold repull
// runs on each delivered message. After Stop has drained, Next returns
// ErrConsumerStopped. Call from one goroutine at a time.
func (it *MessagesContext) Next(timeout time.Duration) (*msg.Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		it.mu.Lock()
		if it.finished {
			ferr := it.finishErr
			it.mu.Unlock()
			if ferr == nil {
				ferr = ErrConsumerStopped
			}
			return nil, ferr
		}
		it.mu.Unlock()

		res := it.p.next(time.Until(deadline))
		switch {
		case res.msg != nil:
			it.noteConsumed(res.msg)
			return res.msg, nil

		case res.err == nil:
			// Drained or benign pull end: either the consume is
			// winding down, or the pipeline needs a fresh pull.
			if it.Stopped() {
				it.finish(nil)
				return nil, ErrConsumerStopped
			}
			if err := it.repullFull(); err != nil {
				it.finish(err)
				return nil, err
			}

		case res.err == manage.ErrTimeout:
			// The caller's timeout, not a pull condition.
			return nil, manage.ErrTimeout

		default:
			if se, ok := res.err.(*StatusError); ok && se.Warning() {
				it.c.js.asyncErrs.Send(se)
				log.Warnf("pull warning on %s/%s: %v", it.c.stream, it.c.name, se)
				if it.Stopped() {
					it.finish(nil)
					return nil, ErrConsumerStopped
				}
				if err := it.repullFull(); err != nil {
					it.finish(err)
					return nil, err
				}
				continue
			}
			if ge, ok := res.err.(*GapError); ok {
				// The subscription stays usable with the new
				// sequence baseline.
				return nil, ge
			}
			it.finish(res.err)
			return nil, res.err
		}
	}
}

// Stop ends the consume cooperatively: no new pulls are issued, the
// current pull keeps delivering until its budget is exhausted or the
// heartbeat alarm fires, then the subscription is removed.
func (it *MessagesContext) Stop() {
	it.mu.Lock()
	it.stopped = true
	it.mu.Unlock()
}

// Stopped reports whether Stop has been called.
func (it *MessagesContext) Stopped() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stopped
}

// noteConsumed advances the threshold accounting and issues the
// overlapping repull for the consumed amount once the threshold is
// crossed.
func (it *MessagesContext) noteConsumed(m *msg.Message) {
	it.mu.Lock()
	it.consumedMsgs++
	it.consumedBytes += m.Size()

	repull := false
	var nMsgs, nBytes int
	if !it.stopped {
		thresholdMsgs := it.opts.BatchSize * it.opts.ThresholdPercent / 100
		if thresholdMsgs < 1 {
			thresholdMsgs = 1
		}
		repull = it.consumedMsgs >= thresholdMsgs
		if !repull && it.opts.BatchBytes > 0 {
			thresholdBytes := it.opts.BatchBytes * it.opts.ThresholdPercent / 100
			repull = it.consumedBytes >= thresholdBytes
		}
		if repull {
			nMsgs, nBytes = it.consumedMsgs, it.consumedBytes
			it.consumedMsgs, it.consumedBytes = 0, 0
		}
	}
	it.mu.Unlock()

	if !repull {
		return
	}
	req := PullRequest{
		Batch:         nMsgs,
		Expires:       it.opts.Expires,
		IdleHeartbeat: it.opts.IdleHeartbeat,
	}
	if it.opts.BatchBytes > 0 {
		req.MaxBytes = nBytes
	}
	if err := it.p.PullWith(req); err != nil && err != ErrPullFailed && err != ErrPullTerminated {
		it.c.js.asyncErrs.Send(err)
	}
}

// repullFull restarts the pipeline with a full batch after a pull
// ended.
func (it *MessagesContext) repullFull() error {
	it.mu.Lock()
	it.consumedMsgs, it.consumedBytes = 0, 0
	it.mu.Unlock()
	return it.p.PullWith(it.fullRequest())
}

func (it *MessagesContext) finish(err error) {
	it.mu.Lock()
	if it.finished {
		it.mu.Unlock()
		return
	}
	it.finished = true
	it.finishErr = err
	it.mu.Unlock()

	it.c.release(it.p)
	_ = it.p.Unsubscribe()
}

// ConsumeContext is the handle of a callback consume.
type ConsumeContext struct {
	it   *MessagesContext
	done chan struct{}
}

// Consume starts a long-running consume dispatching each message to
// handler on a dedicated goroutine. Terminal conditions are reported
// through the context's error channel and close Done.
func (c *Consumer) Consume(handler func(*msg.Message), opts ConsumeOptions) (*ConsumeContext, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	it, err := c.Messages(opts)
	if err != nil {
		return nil, err
	}

	cc := &ConsumeContext{it: it, done: make(chan struct{})}
	go cc.loop(handler)
	return cc, nil
}

func (cc *ConsumeContext) loop(handler func(*msg.Message)) {
	defer close(cc.done)
	for {
		m, err := cc.it.Next(cc.it.opts.Expires)
		switch {
		case err == nil:
			handler(m)
		case err == manage.ErrTimeout:
			// Idle; the iterator keeps the pipeline full.
		case err == ErrConsumerStopped:
			return
		default:
			if _, ok := err.(*GapError); ok {
				continue
			}
			cc.it.c.js.asyncErrs.Send(err)
			return
		}
	}
}

// Stop winds the consume down cooperatively; Done closes once the
// current pull has drained.
func (cc *ConsumeContext) Stop() { cc.it.Stop() }

// Done unblocks when the consume goroutine has exited.
func (cc *ConsumeContext) Done() <-chan struct{} { return cc.done }
