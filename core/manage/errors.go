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

import "errors"

var (
	// ErrConnectionClosed is returned by operations on a closed client.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout is returned when a round trip missed its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrNoResponders is returned by Request when nothing was listening
	// on the subject.
	ErrNoResponders = errors.New("no responders available for request")
)

// ValidationError reports invalid arguments. It is raised at the call
// site before any wire activity.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid argument: " + e.Reason
}

func validationErrf(reason string) error {
	return &ValidationError{Reason: reason}
}

// validateSubject checks a dot-separated subject. Wildcards ('*' token,
// '>' tail) are legal on subscriptions only, never on publishes.
func validateSubject(subject string, allowWildcards bool) error {
	if subject == "" {
		return validationErrf("subject cannot be empty")
	}
	tokens := splitTokens(subject)
	for i, tok := range tokens {
		switch {
		case tok == "":
			return validationErrf("subject " + subject + " has an empty token")
		case tok == ">":
			if !allowWildcards {
				return validationErrf("publish subject " + subject + " cannot contain wildcards")
			}
			if i != len(tokens)-1 {
				return validationErrf("subject " + subject + " has '>' before the final token")
			}
		case tok == "*":
			if !allowWildcards {
				return validationErrf("publish subject " + subject + " cannot contain wildcards")
			}
		default:
			for j := 0; j < len(tok); j++ {
				if c := tok[j]; c == ' ' || c == '\t' || c == '\r' || c == '\n' {
					return validationErrf("subject " + subject + " contains whitespace")
				}
			}
		}
	}
	return nil
}

func splitTokens(subject string) []string {
	n := 1
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			n++
		}
	}
	tokens := make([]string, 0, n)
	start := 0
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			tokens = append(tokens, subject[start:i])
			start = i + 1
		}
	}
	return append(tokens, subject[start:])
}
