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

// Status codes carried by protocol messages.
const (
	// StatusControl marks in-band control traffic: idle heartbeats and
	// flow-control requests.
	StatusControl = 100
	// StatusNoMessages ends a no-wait pull that would otherwise block.
	StatusNoMessages = 404
	// StatusRequestTimeout ends a pull whose expires elapsed.
	StatusRequestTimeout = 408
	// StatusConflict covers the 409 family; the status text selects the
	// variant.
	StatusConflict = 409
	// StatusNoResponders answers a request no subscriber was listening
	// for.
	StatusNoResponders = 503
)

// Status texts of 100-class control messages.
const (
	DescIdleHeartbeat = "Idle Heartbeat"
	DescFlowControl   = "FlowControl Request"
)
