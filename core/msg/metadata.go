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
	"strings"
	"time"
)

// AckSubjectPrefix identifies stream messages: their reply subject
// encodes delivery metadata as dot-separated tokens.
const AckSubjectPrefix = "$JS.ACK."

// ErrNotStreamMessage is returned by Metadata on messages whose reply
// subject carries no stream metadata.
var ErrNotStreamMessage = errors.New("not a stream message")

// Metadata is the delivery state a stream message's reply subject
// encodes:
//
//	$JS.ACK.<stream>.<consumer>.<delivered>.<sseq>.<cseq>.<ts>.<pending>
type Metadata struct {
	Stream       string
	Consumer     string
	NumDelivered uint64
	StreamSeq    uint64
	ConsumerSeq  uint64
	Timestamp    time.Time
	NumPending   uint64
}

const ackTokens = 9

// Metadata parses the reply subject's ack tokens.
func (m *Message) Metadata() (*Metadata, error) {
	if !strings.HasPrefix(m.Reply, AckSubjectPrefix) {
		return nil, ErrNotStreamMessage
	}
	tokens := strings.Split(m.Reply, ".")
	if len(tokens) != ackTokens {
		return nil, ErrNotStreamMessage
	}

	delivered := parseNum(tokens[4])
	sseq := parseNum(tokens[5])
	cseq := parseNum(tokens[6])
	ts := parseNum(tokens[7])
	pending := parseNum(tokens[8])
	if delivered < 0 || sseq < 0 || cseq < 0 || ts < 0 || pending < 0 {
		return nil, ErrNotStreamMessage
	}

	return &Metadata{
		Stream:       tokens[2],
		Consumer:     tokens[3],
		NumDelivered: uint64(delivered),
		StreamSeq:    uint64(sseq),
		ConsumerSeq:  uint64(cseq),
		Timestamp:    time.Unix(0, ts),
		NumPending:   uint64(pending),
	}, nil
}

// parseNum is a quick parser for the non-negative decimal tokens of an
// ack subject. Returns -1 on any non-digit.
func parseNum(d string) int64 {
	if len(d) == 0 {
		return -1
	}
	var n int64
	for _, dec := range d {
		if dec < '0' || dec > '9' {
			return -1
		}
		n = n*10 + int64(dec-'0')
	}
	return n
}
