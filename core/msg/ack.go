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

package msg

import (
	"fmt"
	"time"
)

// Ack verbs, published as payloads to a message's reply subject.
var (
	AckAck      = []byte("+ACK")
	AckNak      = []byte("-NAK")
	AckTerm     = []byte("+TERM")
	AckProgress = []byte("+WPI")
	AckNextPre  = []byte("+ACKNXT")
)

// Ack acknowledges the message; it will not be redelivered. Terminal:
// once any terminal ack has been sent further acks are no-ops.
func (m *Message) Ack() error {
	return m.terminalAck(AckAck)
}

// AckSync acknowledges the message and waits for the server's
// confirmation, up to timeout.
func (m *Message) AckSync(timeout time.Duration) error {
	if err := m.checkReply(); err != nil {
		return err
	}
	if !m.claimTerminal() {
		return nil
	}
	_, err := m.replier.Request(m.Reply, AckAck, timeout)
	return err
}

// Nak negatively acknowledges the message; the server redelivers it per
// the consumer's policy.
func (m *Message) Nak() error {
	return m.terminalAck(AckNak)
}

// NakWithDelay is Nak with a server-side redelivery delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	payload := []byte(fmt.Sprintf("%s {\"delay\": %d}", AckNak, delay.Nanoseconds()))
	return m.terminalAck(payload)
}

// Term stops redelivery of the message without counting it as processed.
func (m *Message) Term() error {
	return m.terminalAck(AckTerm)
}

// InProgress resets the server's ack-wait timer while processing
// continues. Not terminal; it may be sent repeatedly and does not latch.
func (m *Message) InProgress() error {
	if err := m.checkReply(); err != nil {
		return err
	}
	if m.Acked() {
		return nil
	}
	return m.replier.Publish(m.Reply, AckProgress)
}

// AckNext acknowledges the message and requests the next batch in the
// same publish: the payload is "+ACKNXT <json>" and the reply subject is
// the pull subscription's inbox. Pull mode only.
func (m *Message) AckNext(inbox string, nextRequest []byte) error {
	if err := m.checkReply(); err != nil {
		return err
	}
	if !m.claimTerminal() {
		return nil
	}
	payload := make([]byte, 0, len(AckNextPre)+1+len(nextRequest))
	payload = append(payload, AckNextPre...)
	if len(nextRequest) > 0 {
		payload = append(payload, ' ')
		payload = append(payload, nextRequest...)
	}
	return m.replier.PublishRequest(m.Reply, inbox, payload)
}

func (m *Message) terminalAck(payload []byte) error {
	if err := m.checkReply(); err != nil {
		return err
	}
	if !m.claimTerminal() {
		return nil
	}
	return m.replier.Publish(m.Reply, payload)
}
