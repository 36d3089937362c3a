// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// metrics exposes the Dispatcher's runtime state: queue depth and in-flight
// run count satisfy §4.4's "backpressure is expressed by the worker
// queue's capacity" by making that capacity observable.
type metrics struct {
	queueDepth    prometheus.Gauge
	queueCapacity prometheus.Gauge
	inFlight      prometheus.Gauge
	runDuration   prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noded",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Number of runs currently buffered in the dispatch queue.",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noded",
			Subsystem: "dispatcher",
			Name:      "queue_capacity",
			Help:      "Configured capacity of the dispatch queue.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noded",
			Subsystem: "dispatcher",
			Name:      "runs_in_flight",
			Help:      "Number of runs currently executing in a worker.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "noded",
			Subsystem: "dispatcher",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a single engine.Run call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every metric so callers can register them against a
// prometheus.Registerer (e.g. in cmd/node's serve command).
func (m *metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.queueDepth, m.queueCapacity, m.inFlight, m.runDuration}
}

// Collectors exposes d's metrics for registration against a
// prometheus.Registerer.
func (d *Dispatcher) Collectors() []prometheus.Collector {
	return d.metrics.Collectors()
}
