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
)

// Defaults for the simplified consumers.
const (
	DefaultBatchSize        = 500
	DefaultExpires          = 30 * time.Second
	DefaultThresholdPercent = 25

	// MinExpires bounds how short a consume pull may be.
	MinExpires = time.Second

	// maxIdleHeartbeat caps the derived consume heartbeat.
	maxIdleHeartbeat = 30 * time.Second
)

// ConsumeOptions configures the iterator and the long-running consume.
type ConsumeOptions struct {
	// BatchSize is the message budget of each pull.
	BatchSize int
	// BatchBytes is the byte budget of each pull; 0 is unbounded.
	BatchBytes int
	// Expires is how long each pull may wait on the server.
	Expires time.Duration
	// IdleHeartbeat is the server's liveness cadence during an idle
	// pull. Zero derives min(Expires/2, 30s).
	IdleHeartbeat time.Duration
	// ThresholdPercent is the consumed share of a batch that triggers
	// the overlapping repull.
	ThresholdPercent int
}

// SetDefaults returns a modified copy with zero values defaulted.
func (o ConsumeOptions) SetDefaults() ConsumeOptions {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Expires == 0 {
		o.Expires = DefaultExpires
	}
	if o.ThresholdPercent == 0 {
		o.ThresholdPercent = DefaultThresholdPercent
	}
	if o.IdleHeartbeat == 0 {
		o.IdleHeartbeat = o.Expires / 2
		if o.IdleHeartbeat > maxIdleHeartbeat {
			o.IdleHeartbeat = maxIdleHeartbeat
		}
	}
	if o.IdleHeartbeat < heartbeatFloor {
		o.IdleHeartbeat = heartbeatFloor
	}
	return o
}

// Validate rejects configurations the server would refuse, before any
// wire activity.
func (o ConsumeOptions) Validate() error {
	if o.BatchSize < 1 {
		return &manage.ValidationError{Reason: "batch size must be at least 1"}
	}
	if o.BatchBytes < 0 {
		return &manage.ValidationError{Reason: "batch bytes cannot be negative"}
	}
	if o.Expires < MinExpires {
		return &manage.ValidationError{Reason: "expires must be at least 1s"}
	}
	if o.ThresholdPercent < 1 || o.ThresholdPercent > 100 {
		return &manage.ValidationError{Reason: "threshold percent must be within [1,100]"}
	}
	if o.IdleHeartbeat > o.Expires/2 {
		return &manage.ValidationError{Reason: "idle heartbeat cannot exceed half of expires"}
	}
	return nil
}

type fetchOpts struct {
	maxBytes  int
	expires   time.Duration
	heartbeat time.Duration
	noWait    bool
}

// FetchOpt customizes a single fetch.
type FetchOpt func(*fetchOpts) error

// FetchMaxBytes caps the fetch's total payload bytes.
func FetchMaxBytes(n int) FetchOpt {
	return func(o *fetchOpts) error {
		if n < 0 {
			return &manage.ValidationError{Reason: "fetch max bytes cannot be negative"}
		}
		o.maxBytes = n
		return nil
	}
}

// FetchExpires bounds how long the fetch waits on the server.
func FetchExpires(d time.Duration) FetchOpt {
	return func(o *fetchOpts) error {
		if d <= 0 {
			return &manage.ValidationError{Reason: "fetch expires must be positive"}
		}
		o.expires = d
		return nil
	}
}

// FetchHeartbeat asks the server for liveness statuses while the fetch
// waits.
func FetchHeartbeat(d time.Duration) FetchOpt {
	return func(o *fetchOpts) error {
		if d <= 0 {
			return &manage.ValidationError{Reason: "fetch heartbeat must be positive"}
		}
		o.heartbeat = d
		return nil
	}
}

// FetchNoWait makes the fetch yield only messages already available,
// ending with an immediate 404 otherwise.
func FetchNoWait() FetchOpt {
	return func(o *fetchOpts) error {
		o.noWait = true
		return nil
	}
}
