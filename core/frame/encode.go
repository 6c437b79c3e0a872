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

package frame

import "strconv"

// Outbound verbs are appended to a caller-owned buffer so that a single
// locked write covers the whole frame and frames are never interleaved
// on the wire.

// AppendPub appends "PUB <subject> [reply] <len>\r\n<payload>\r\n".
func AppendPub(buf []byte, subject, reply string, payload []byte) []byte {
	buf = append(buf, "PUB "...)
	buf = append(buf, subject...)
	buf = append(buf, ' ')
	if reply != "" {
		buf = append(buf, reply...)
		buf = append(buf, ' ')
	}
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, payload...)
	return append(buf, crlf...)
}

// AppendHPub appends
// "HPUB <subject> [reply] <hdr-len> <total-len>\r\n<hdrs><payload>\r\n".
// hdr must be a complete header block, preamble and blank line included.
func AppendHPub(buf []byte, subject, reply string, hdr, payload []byte) []byte {
	buf = append(buf, "HPUB "...)
	buf = append(buf, subject...)
	buf = append(buf, ' ')
	if reply != "" {
		buf = append(buf, reply...)
		buf = append(buf, ' ')
	}
	buf = strconv.AppendInt(buf, int64(len(hdr)), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(len(hdr)+len(payload)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	return append(buf, crlf...)
}

// AppendSub appends "SUB <subject> [queue] <sid>\r\n".
func AppendSub(buf []byte, subject, queue string, sid uint64) []byte {
	buf = append(buf, "SUB "...)
	buf = append(buf, subject...)
	buf = append(buf, ' ')
	if queue != "" {
		buf = append(buf, queue...)
		buf = append(buf, ' ')
	}
	buf = strconv.AppendUint(buf, sid, 10)
	return append(buf, crlf...)
}

// AppendUnsub appends "UNSUB <sid> [max]\r\n". A max of zero or less
// means immediate removal.
func AppendUnsub(buf []byte, sid uint64, max int) []byte {
	buf = append(buf, "UNSUB "...)
	buf = strconv.AppendUint(buf, sid, 10)
	if max > 0 {
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(max), 10)
	}
	return append(buf, crlf...)
}

// AppendConnect appends "CONNECT <json>\r\n".
func AppendConnect(buf []byte, connectJSON []byte) []byte {
	buf = append(buf, "CONNECT "...)
	buf = append(buf, connectJSON...)
	return append(buf, crlf...)
}

// AppendPing appends "PING\r\n".
func AppendPing(buf []byte) []byte {
	return append(buf, "PING"+crlf...)
}

// AppendPong appends "PONG\r\n".
func AppendPong(buf []byte) []byte {
	return append(buf, "PONG"+crlf...)
}
