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

import "github.com/pepper-iot/nats-client-go/pkg/log"

// AsyncErrors provides idiom for dealing with errors that
// occur outside of any caller's stack frame: slow consumers,
// dispatch failures, status errors on callback consumers.
type AsyncErrors chan<- error

// Send places the error on the errs channel if it is
// not full and not nil. The error is logged otherwise.
func (a AsyncErrors) Send(err error) {
	if err == nil {
		return
	}
	if a == nil {
		log.Errorf("async error: %v", err)
		return
	}
	select {
	case a <- err:
	default:
		log.Errorf("async error (listener full): %v", err)
	}
}
