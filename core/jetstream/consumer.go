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
	"fmt"
	"sync"
	"time"
)

// Consumer references a named stream/consumer pair. It owns at most one
// active pull subscription at a time for the simplified APIs.
type Consumer struct {
	js     *JetStream
	stream string
	name   string

	mu     sync.Mutex
	active *PullSubscription
}

// PullConsumer binds a consumer context. No wire activity happens until
// a fetch, iterator, or consume starts.
func (js *JetStream) PullConsumer(stream, name string) (*Consumer, error) {
	if err := validateName("stream", stream); err != nil {
		return nil, err
	}
	if err := validateName("consumer", name); err != nil {
		return nil, err
	}
	return &Consumer{js: js, stream: stream, name: name}, nil
}

// Stream returns the bound stream name.
func (c *Consumer) Stream() string { return c.stream }

// Name returns the bound consumer name.
func (c *Consumer) Name() string { return c.name }

// acquire creates the consumer's pull subscription, enforcing the
// one-active rule.
func (c *Consumer) acquire(opts ...PullSubOpt) (*PullSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrConsumerBusy
	}
	p, err := c.js.PullSubscribe(c.stream, c.name, opts...)
	if err != nil {
		return nil, err
	}
	c.active = p
	return p, nil
}

func (c *Consumer) release(p *PullSubscription) {
	c.mu.Lock()
	if c.active == p {
		c.active = nil
	}
	c.mu.Unlock()
}

// SequenceInfo is a consumer/stream sequence pair in a consumer info
// response.
type SequenceInfo struct {
	ConsumerSeq uint64 `json:"consumer_seq"`
	StreamSeq   uint64 `json:"stream_seq"`
}

// ConsumerInfo is the server's view of the consumer.
type ConsumerInfo struct {
	Stream         string       `json:"stream_name"`
	Name           string       `json:"name"`
	Created        time.Time    `json:"created"`
	Delivered      SequenceInfo `json:"delivered"`
	AckFloor       SequenceInfo `json:"ack_floor"`
	NumAckPending  int          `json:"num_ack_pending"`
	NumRedelivered int          `json:"num_redelivered"`
	NumWaiting     int          `json:"num_waiting"`
	NumPending     uint64       `json:"num_pending"`
}

type consumerInfoResponse struct {
	Type  string    `json:"type"`
	Error *apiError `json:"error,omitempty"`
	*ConsumerInfo
}

// Info fetches the consumer's state from the server. The admin API is
// otherwise out of scope; this is an opaque request/reply used only to
// surface state to the caller.
func (c *Consumer) Info() (*ConsumerInfo, error) {
	subject := c.js.apiSubj(fmt.Sprintf(apiConsumerInfoT, c.stream, c.name))

	var resp consumerInfoResponse
	if err := c.js.apiRequestJSON(subject, &resp, nil); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.ConsumerInfo, nil
}
