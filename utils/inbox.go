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

package utils

import "github.com/nats-io/nuid"

// InboxPrefix is the subject namespace reserved for directed replies.
const InboxPrefix = "_INBOX."

// NewInboxPrefix returns a connection-unique inbox namespace of the form
// "_INBOX.<token>". Individual reply subjects append a per-connection
// counter rather than drawing fresh randomness per request.
func NewInboxPrefix() string {
	return InboxPrefix + nuid.Next()
}
