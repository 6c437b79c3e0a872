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
	"sync/atomic"
	"time"

	"github.com/pepper-iot/nats-client-go/core/msg"
	"github.com/pepper-iot/nats-client-go/core/sub"
	"github.com/pepper-iot/nats-client-go/pkg/log"
)

// The interceptor chain of a pull subscription runs on the reader path
// in a fixed order: liveness touch first (mere arrival counts), then
// control-message suppression, then gap detection. Terminal statuses
// are NOT consumed here: they queue behind earlier data messages so the
// consumer observes them in wire order.

// heartbeatFloor caps how often the monitor may fire regardless of
// configuration.
const heartbeatFloor = 100 * time.Millisecond

// defaultAlarmFactor is how many missed heartbeats raise the alarm.
const defaultAlarmFactor = 3

func (p *PullSubscription) filters() []sub.Filter {
	fs := []sub.Filter{p.touchFilter, p.controlFilter}
	if p.opts.gapDetection {
		fs = append(fs, p.gapFilter)
	}
	return fs
}

// touchFilter records liveness. Every frame for the inbox counts,
// data and status alike.
func (p *PullSubscription) touchFilter(*msg.Message) bool {
	p.touch()
	return false
}

// controlFilter suppresses 100-class control messages: idle heartbeats
// carry no data the consumer should see, and their arrival has already
// been recorded by the touch filter.
func (p *PullSubscription) controlFilter(m *msg.Message) bool {
	return m.IsStatus() && m.Status == msg.StatusControl
}

// gapFilter compares each stream message's consumer sequence with the
// previously observed one and reports discontinuities. The observed
// sequence becomes the new baseline either way.
func (p *PullSubscription) gapFilter(m *msg.Message) bool {
	if m.IsStatus() {
		return false
	}
	meta, err := m.Metadata()
	if err != nil {
		return false
	}
	if p.expectedSeq != 0 && meta.ConsumerSeq != p.expectedSeq+1 {
		ge := &GapError{
			Stream:      p.stream,
			Consumer:    p.consumer,
			ExpectedSeq: p.expectedSeq + 1,
			ReceivedSeq: meta.ConsumerSeq,
		}
		log.Warnf("%v", ge)
		p.gapPending.Store(ge)
		p.js.asyncErrs.Send(ge)
	}
	p.expectedSeq = meta.ConsumerSeq
	return false
}

func (p *PullSubscription) touch() {
	atomic.StoreInt64(&p.lastActive, time.Now().UnixNano())
}

// armHeartbeatLocked schedules the inactivity monitor for an
// idle-heartbeat pull. The alarm period is defaultAlarmFactor
// heartbeats, or the configured message alarm when larger. Called with
// p.mu held.
func (p *PullSubscription) armHeartbeatLocked(hb time.Duration) {
	alarm := hb * defaultAlarmFactor
	if p.opts.messageAlarm > alarm {
		alarm = p.opts.messageAlarm
	}
	if alarm < heartbeatFloor {
		alarm = heartbeatFloor
	}
	p.alarmPeriod = alarm
	p.touch()

	if p.hbTimer != nil {
		p.hbTimer.Stop()
	}
	p.hbTimer = time.AfterFunc(alarm, p.checkHeartbeat)
}

func (p *PullSubscription) stopHeartbeatLocked() {
	if p.hbTimer != nil {
		p.hbTimer.Stop()
		p.hbTimer = nil
	}
}

// checkHeartbeat fires from the monitor timer. A recent frame defers
// the alarm by the remaining window; true inactivity fails the pull
// series and wakes any blocked consumer. The alarm fires at most once
// per armed period.
func (p *PullSubscription) checkHeartbeat() {
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	alarm := p.alarmPeriod
	p.mu.Unlock()

	last := time.Unix(0, atomic.LoadInt64(&p.lastActive))
	since := time.Since(last)
	if since < alarm {
		p.mu.Lock()
		if p.state == StateActive {
			p.hbTimer = time.AfterFunc(alarm-since, p.checkHeartbeat)
		}
		p.mu.Unlock()
		return
	}

	log.Warnf("heartbeat alarm on %s/%s after %v of inactivity", p.stream, p.consumer, since)
	p.fail(ErrHeartbeatAlarm)
	p.js.asyncErrs.Send(ErrHeartbeatAlarm)
	p.sub.Inject(heartbeatAlarm)
}
