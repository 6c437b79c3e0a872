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
	"errors"
	"fmt"
)

var (
	// ErrJetStreamNotEnabled is returned when the API subjects have no
	// responders.
	ErrJetStreamNotEnabled = errors.New("jetstream not enabled on server")
	// ErrHeartbeatAlarm is returned when no heartbeat or data arrived
	// within the alarm period; the current pull series is finished.
	ErrHeartbeatAlarm = errors.New("no heartbeat received within alarm period")
	// ErrPullTerminated is returned by operations on a pull
	// subscription that has been unsubscribed or drained.
	ErrPullTerminated = errors.New("pull subscription terminated")
	// ErrPullFailed is returned when issuing pulls after a fatal
	// status or heartbeat alarm.
	ErrPullFailed = errors.New("pull subscription failed")
	// ErrConsumerBusy is returned when a simplified API is started
	// while the consumer already owns an active pull subscription.
	ErrConsumerBusy = errors.New("consumer already has an active pull subscription")
	// ErrConsumerStopped ends the message iterator after Stop has
	// drained.
	ErrConsumerStopped = errors.New("consumer stopped")
	// ErrHandlerRequired rejects a Consume call without a handler.
	ErrHandlerRequired = errors.New("message handler required")
)

// Status texts of the 409 family.
const (
	descExceededMaxWaiting    = "Exceeded MaxWaiting"
	descExceededMaxBatch      = "Exceeded MaxRequestBatch"
	descExceededMaxExpires    = "Exceeded MaxRequestExpires"
	descExceededMaxReqBytes   = "Exceeded MaxRequestMaxBytes"
	descMsgSizeExceedsBytes   = "Message Size Exceeds MaxBytes"
	descConsumerDeleted       = "Consumer Deleted"
	descConsumerIsPushBased   = "Consumer is push based"
	descBadRequest            = "Bad Request"
)

// StatusError reports a pull or request that terminated with a protocol
// status. Warning-class statuses (server-side pull pressure limits)
// leave the subscription usable; anything else is fatal to the pull
// series.
type StatusError struct {
	Code        int
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Description)
}

// Warning reports whether the status is the non-fatal kind: a new pull
// may be issued.
func (e *StatusError) Warning() bool {
	if e.Code != 409 {
		return false
	}
	switch e.Description {
	case descExceededMaxWaiting, descExceededMaxBatch, descExceededMaxExpires:
		return true
	}
	return false
}

// GapError reports a consumer-sequence discontinuity. The subscription
// remains usable; the observed sequence becomes the new baseline.
type GapError struct {
	Stream      string
	Consumer    string
	ExpectedSeq uint64
	ReceivedSeq uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("consumer sequence gap on %s/%s: expected %d, received %d",
		e.Stream, e.Consumer, e.ExpectedSeq, e.ReceivedSeq)
}

// apiError is the error object embedded in API responses.
type apiError struct {
	Code        int    `json:"code"`
	ErrCode     int    `json:"err_code"`
	Description string `json:"description"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.ErrCode, e.Description)
}
