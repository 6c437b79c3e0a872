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

// Package jetstream implements the pull-consumer protocol over a core
// client: pull requests with batch/byte budgets, status handling,
// heartbeat monitoring, acks, and the simplified fetch/iterate/consume
// APIs.
package jetstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/utils"
)

const (
	// DefaultAPIPrefix roots the API subject space.
	DefaultAPIPrefix = "$JS.API."
	// DefaultAPITimeout bounds API request round trips.
	DefaultAPITimeout = 5 * time.Second

	apiRequestNextT  = "CONSUMER.MSG.NEXT.%s.%s"
	apiConsumerInfoT = "CONSUMER.INFO.%s.%s"
)

// JetStream is the stream-facing view of a client connection.
type JetStream struct {
	nc        *manage.Client
	apiPrefix string
	timeout   time.Duration
	asyncErrs utils.AsyncErrors
}

// Option customizes a JetStream context.
type Option func(*JetStream) error

// WithAPIPrefix overrides the API subject prefix, as used when the
// stream domain is reached through an export.
func WithAPIPrefix(prefix string) Option {
	return func(js *JetStream) error {
		if prefix == "" {
			return &manage.ValidationError{Reason: "api prefix cannot be empty"}
		}
		if !strings.HasSuffix(prefix, ".") {
			prefix += "."
		}
		js.apiPrefix = prefix
		return nil
	}
}

// WithTimeout sets the API request deadline.
func WithTimeout(d time.Duration) Option {
	return func(js *JetStream) error {
		if d <= 0 {
			return &manage.ValidationError{Reason: "timeout must be positive"}
		}
		js.timeout = d
		return nil
	}
}

// WithErrs routes asynchronous pull errors (status warnings, gap
// events, heartbeat alarms on callback consumers) to errs.
func WithErrs(errs chan<- error) Option {
	return func(js *JetStream) error {
		js.asyncErrs = utils.AsyncErrors(errs)
		return nil
	}
}

// New builds a JetStream context over nc.
func New(nc *manage.Client, opts ...Option) (*JetStream, error) {
	js := &JetStream{
		nc:        nc,
		apiPrefix: DefaultAPIPrefix,
		timeout:   DefaultAPITimeout,
	}
	for _, opt := range opts {
		if err := opt(js); err != nil {
			return nil, err
		}
	}
	return js, nil
}

func (js *JetStream) apiSubj(subj string) string {
	return js.apiPrefix + subj
}

// apiRequestJSON round-trips an API request and decodes the JSON
// response into resp. An API error embedded in the response is not
// returned here; it is decoded into resp for the caller to check.
func (js *JetStream) apiRequestJSON(subject string, resp interface{}, body []byte) error {
	m, err := js.nc.Request(subject, body, js.timeout)
	if err != nil {
		if err == manage.ErrNoResponders {
			return ErrJetStreamNotEnabled
		}
		return errors.Wrapf(err, "api request %q", subject)
	}
	return json.Unmarshal(m.Data, resp)
}

func validateName(kind, name string) error {
	if name == "" {
		return &manage.ValidationError{Reason: kind + " name cannot be empty"}
	}
	if strings.ContainsAny(name, ". *>") {
		return &manage.ValidationError{Reason: fmt.Sprintf("invalid %s name %q", kind, name)}
	}
	return nil
}
