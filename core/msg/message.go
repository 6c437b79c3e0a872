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
	"errors"
	"sync/atomic"
	"time"
)

// Kind classifies a Message.
type Kind int

const (
	// KindPublish is a locally constructed outbound message.
	KindPublish Kind = iota
	// KindIncoming arrived over the wire for a subscription.
	KindIncoming
	// KindProtocol is a zero-payload status carrier emitted by the
	// server (heartbeats, flow control, pull terminations).
	KindProtocol
)

var (
	// ErrMsgNoReply is returned when acking a message that carries no
	// reply subject.
	ErrMsgNoReply = errors.New("message has no reply subject")
	// ErrMsgNotBound is returned when acking a message that is not
	// bound to a connection.
	ErrMsgNotBound = errors.New("message not bound to a connection")
)

// Replier is the slice of a connection a message needs to answer its
// reply subject. Satisfied by manage.Client.
type Replier interface {
	Publish(subject string, data []byte) error
	PublishRequest(subject, reply string, data []byte) error
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)
}

// Message is a single unit of data flowing through the system.
type Message struct {
	Subject string
	Reply   string
	Header  Header
	Data    []byte

	// Status and StatusText are set when the header block carried a
	// status line ("NATS/1.0 404 No Messages").
	Status     int
	StatusText string

	// SID identifies the owning subscription of an incoming message
	// within its connection.
	SID  uint64
	Kind Kind

	replier Replier
	acked   uint32
}

// NewIncoming builds a wire-received message bound to r for acking.
func NewIncoming(subject, reply string, hdr Header, data []byte, sid uint64, r Replier) *Message {
	m := &Message{
		Subject: subject,
		Reply:   reply,
		Header:  hdr,
		Data:    data,
		SID:     sid,
		Kind:    KindIncoming,
		replier: r,
	}
	if hdr != nil {
		m.Status, m.StatusText = hdr.status()
		if m.Status > 0 && len(data) == 0 {
			m.Kind = KindProtocol
		}
	}
	return m
}

// IsStatus reports whether the message is a protocol status carrier:
// headers present, zero payload, and a numeric status code.
func (m *Message) IsStatus() bool {
	return m.Kind == KindProtocol
}

// Size is the message's contribution to pending-byte accounting: the
// lengths of subject, reply, header block, and payload.
func (m *Message) Size() int {
	n := len(m.Subject) + len(m.Reply) + len(m.Data)
	if m.Header != nil {
		n += m.Header.encodedLen()
	}
	return n
}

// claimTerminal latches the terminal-ack state. The first caller wins;
// later terminal acks on the same message are no-ops.
func (m *Message) claimTerminal() bool {
	return atomic.CompareAndSwapUint32(&m.acked, 0, 1)
}

// Acked reports whether a terminal ack has been sent for this message.
func (m *Message) Acked() bool {
	return atomic.LoadUint32(&m.acked) == 1
}

func (m *Message) checkReply() error {
	if m.Reply == "" {
		return ErrMsgNoReply
	}
	if m.replier == nil {
		return ErrMsgNotBound
	}
	return nil
}
