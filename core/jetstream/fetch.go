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
	"time"

	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/core/msg"
)

// Fetch is the cursor over one bounded pull: at most the requested
// number of messages, fewer when max-bytes or expires cuts it short.
type Fetch struct {
	c        *Consumer
	p        *PullSubscription
	deadline time.Time

	done bool
	err  error // surfaced once by the Next call after finishing
}

// Fetch issues a single pull for up to maxMessages and returns a
// cursor over its results. The wall-clock deadline is the pull's
// expires plus a small grace for the terminating status to arrive.
func (c *Consumer) Fetch(maxMessages int, opts ...FetchOpt) (*Fetch, error) {
	o := fetchOpts{expires: DefaultExpires}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.noWait {
		o.expires = 0
	}

	req := PullRequest{
		Batch:         maxMessages,
		MaxBytes:      o.maxBytes,
		Expires:       o.expires,
		IdleHeartbeat: o.heartbeat,
		NoWait:        o.noWait,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, err := c.acquire()
	if err != nil {
		return nil, err
	}
	if err := p.PullWith(req); err != nil {
		c.release(p)
		_ = p.Unsubscribe()
		return nil, err
	}

	wait := c.js.timeout
	if o.expires > 0 {
		wait = o.expires + fetchGrace(o.expires)
	}
	return &Fetch{c: c, p: p, deadline: time.Now().Add(wait)}, nil
}

// FetchNoWait issues a pull for the messages already available: up to
// maxMessages, ending immediately when the stream runs dry.
func (c *Consumer) FetchNoWait(maxMessages int, opts ...FetchOpt) (*Fetch, error) {
	return c.Fetch(maxMessages, append(opts, FetchNoWait())...)
}

// fetchGrace extends the wall-clock deadline past expires just enough
// for the server's terminating status to arrive.
func fetchGrace(expires time.Duration) time.Duration {
	g := expires / 20
	if g < 10*time.Millisecond {
		g = 10 * time.Millisecond
	}
	return g
}

// Next returns the fetch's next message. A nil message with a nil
// error means the fetch is complete. Fatal statuses and heartbeat
// alarms finish the fetch and are returned once; Next returns nil, nil
// thereafter. Call from one goroutine at a time.
func (f *Fetch) Next() (*msg.Message, error) {
	if f.done {
		err := f.err
		f.err = nil
		return nil, err
	}

	remaining := time.Until(f.deadline)
	if remaining <= 0 {
		f.finish(nil)
		return nil, nil
	}

	res := f.p.next(remaining)
	switch {
	case res.msg != nil:
		return res.msg, nil

	case res.err == nil:
		// Budget drained, 404, 408, or max-bytes: the fetch is simply
		// over.
		f.finish(nil)
		return nil, nil

	case res.err == manage.ErrTimeout:
		// Deadline elapsed without the server's terminating status.
		f.finish(nil)
		return nil, nil

	default:
		f.finish(nil)
		if se, ok := res.err.(*StatusError); ok && se.Warning() {
			return nil, se
		}
		return nil, res.err
	}
}

func (f *Fetch) finish(err error) {
	f.done = true
	f.err = err
	f.c.release(f.p)
	_ = f.p.Unsubscribe()
}
