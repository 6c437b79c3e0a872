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

package manage

import (
	"time"
)

// ClientConfig is used to configure a Client.
type ClientConfig struct {
	// Name is reported to the server in the CONNECT payload.
	Name string

	// Verbose asks the server to acknowledge each operation with +OK.
	Verbose bool
	// Pedantic asks the server for strict subject checking.
	Pedantic bool

	// ConnectTimeout bounds the INFO/CONNECT handshake.
	ConnectTimeout time.Duration

	// FlushTimeout is the default deadline for Flush round trips.
	FlushTimeout time.Duration

	// Errs receives asynchronous errors: slow consumers, status errors
	// on callback consumers, dispatch failures. A nil channel routes
	// them to the log.
	Errs chan<- error

	// PendingMsgsLimit and PendingBytesLimit default the per-
	// subscription pending-queue bounds. Zero selects the library
	// defaults; -1 disables the respective limit.
	PendingMsgsLimit  int
	PendingBytesLimit int
}

// SetDefaults returns a modified config with appropriate zero values set
// to defaults.
func (c ClientConfig) SetDefaults() ClientConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	return c
}

// ServerInfo is the JSON blob of the INFO frame the server opens the
// session with.
type ServerInfo struct {
	ID           string `json:"server_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Version      string `json:"version"`
	AuthRequired bool   `json:"auth_required"`
	TLSRequired  bool   `json:"tls_required"`
	MaxPayload   int64  `json:"max_payload"`
	Headers      bool   `json:"headers"`
}

// connectInfo is the CONNECT payload answering INFO.
type connectInfo struct {
	Verbose      bool   `json:"verbose"`
	Pedantic     bool   `json:"pedantic"`
	TLSRequired  bool   `json:"tls_required"`
	Name         string `json:"name,omitempty"`
	Lang         string `json:"lang"`
	Version      string `json:"version"`
	Protocol     int    `json:"protocol"`
	Headers      bool   `json:"headers"`
	NoResponders bool   `json:"no_responders"`
}

// ClientVersion is reported in the CONNECT payload.
const ClientVersion = "1.0.0"

const clientLang = "go"
