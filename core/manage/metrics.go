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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics publishes the client's stats counters on reg. The
// collectors read the live atomics; nothing is sampled or copied.
func RegisterMetrics(cl *Client, reg prometheus.Registerer) error {
	counter := func(name, help string, v *uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "nats_client",
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(atomic.LoadUint64(v)) },
		)
	}

	collectors := []prometheus.Collector{
		counter("in_msgs_total", "Messages received.", &cl.InMsgs),
		counter("out_msgs_total", "Messages published.", &cl.OutMsgs),
		counter("in_bytes_total", "Payload bytes received.", &cl.InBytes),
		counter("out_bytes_total", "Payload bytes published.", &cl.OutBytes),
		counter("slow_consumers_total", "Pending-queue overflow events.", &cl.SlowConsumers),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
