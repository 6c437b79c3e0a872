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
	"sort"
	"strconv"
	"strings"
)

// Header is a multimap of message headers. Keys are case-sensitive;
// values of one key keep their arrival order.
type Header map[string][]string

// statusKey and descKey hold the header-block status line internally so
// a decoded header re-encodes to the same bytes.
const (
	statusKey = "Status"
	descKey   = "Description"
)

const headerPreamble = "NATS/1.0"

var errBadHeader = errors.New("malformed header block")

// Add appends value to the values stored for key.
func (h Header) Add(key, value string) {
	h[key] = append(h[key], value)
}

// Set replaces any values stored for key.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns all values for key.
func (h Header) Values(key string) []string {
	return h[key]
}

// Del removes all values for key.
func (h Header) Del(key string) {
	delete(h, key)
}

func (h Header) status() (int, string) {
	code, err := strconv.Atoi(h.Get(statusKey))
	if err != nil {
		return 0, ""
	}
	return code, h.Get(descKey)
}

// DecodeHeader parses a raw header block:
//
//	NATS/1.0[ <code>[ <text>]]\r\n
//	(Key: value\r\n)*
//	\r\n
//
// The optional status line is exposed through the returned Header under
// the Status and Description keys.
func DecodeHeader(block []byte) (Header, error) {
	s := string(block)
	if !strings.HasPrefix(s, headerPreamble) {
		return nil, errBadHeader
	}
	lines := strings.Split(s, "\r\n")
	if len(lines) < 2 {
		return nil, errBadHeader
	}

	h := Header{}

	// Status line: everything after the preamble token.
	if rest := strings.TrimSpace(lines[0][len(headerPreamble):]); rest != "" {
		code, text, _ := strings.Cut(rest, " ")
		if _, err := strconv.Atoi(code); err != nil {
			return nil, errBadHeader
		}
		h.Set(statusKey, code)
		if text != "" {
			h.Set(descKey, strings.TrimSpace(text))
		}
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return nil, errBadHeader
		}
		h.Add(key, strings.TrimLeft(value, " "))
	}
	if len(h) == 0 {
		// A bare preamble is a valid, empty header block.
		return h, nil
	}
	return h, nil
}

// Encode renders the header block for an HPUB frame. Keys are emitted in
// sorted order so encoding is deterministic; values of one key keep
// their insertion order. The status keys, if present, render as the
// preamble's status line rather than as header pairs.
func (h Header) Encode() []byte {
	var b strings.Builder
	b.WriteString(headerPreamble)
	if code := h.Get(statusKey); code != "" {
		b.WriteByte(' ')
		b.WriteString(code)
		if text := h.Get(descKey); text != "" {
			b.WriteByte(' ')
			b.WriteString(text)
		}
	}
	b.WriteString("\r\n")

	keys := make([]string, 0, len(h))
	for k := range h {
		if k == statusKey || k == descKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (h Header) encodedLen() int {
	if h == nil {
		return 0
	}
	return len(h.Encode())
}
