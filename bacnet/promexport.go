// Copyright 2025 Edgeo SCADA
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

package bacnet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics mirrors Metrics as Prometheus collectors. Grounded on
// arx-os-arxos/arx-backend/gateway/health.go's HealthMonitor, which
// updates promauto-registered collectors at the same call sites that
// update its own hand-rolled counters rather than copying a snapshot on
// an interval. Every counter and gauge here is a *Func collector bound
// directly to the live Metrics struct (see NewPromMetrics), so a
// scrape always reads the current atomic value with no separate sync
// step and no risk of a collector going stale; RequestLatency is a real
// Histogram because Prometheus has no Func variant for those, so it is
// observed directly at its one call site in sendConfirmedRequest.
type PromMetrics struct {
	RequestsSent      prometheus.Counter
	RequestsSucceeded prometheus.Counter
	RequestsFailed    prometheus.Counter
	RequestsTimedOut  prometheus.Counter
	ActiveRequests    prometheus.Gauge
	RequestLatency    prometheus.Histogram

	DevicesDiscovered prometheus.Counter
	WhoIsSent         prometheus.Counter
	IAmReceived       prometheus.Counter

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	COVSubscriptions    prometheus.Counter
	COVNotifications    prometheus.Counter
	ActiveSubscriptions prometheus.Gauge

	ErrorsReceived  prometheus.Counter
	RejectsReceived prometheus.Counter
	AbortsReceived  prometheus.Counter

	ConnectAttempts  prometheus.Counter
	ConnectSuccesses prometheus.Counter
	ConnectFailures  prometheus.Counter
	Disconnects      prometheus.Counter
}

// counterFunc and gaugeFunc are the two call shapes NewPromMetrics needs
// to bind a collector to a field read off the live Metrics struct.
func counterFunc(reg prometheus.Registerer, opts prometheus.CounterOpts, value func() float64) prometheus.Counter {
	c := prometheus.NewCounterFunc(opts, value)
	reg.MustRegister(c)
	return counterFuncAdapter{c}
}

func gaugeFunc(reg prometheus.Registerer, opts prometheus.GaugeOpts, value func() float64) prometheus.Gauge {
	g := prometheus.NewGaugeFunc(opts, value)
	reg.MustRegister(g)
	return gaugeFuncAdapter{g}
}

// counterFuncAdapter/gaugeFuncAdapter let a read-only *Func collector
// satisfy the prometheus.Counter/Gauge interfaces PromMetrics exposes to
// callers (Inc/Add/Set are never actually invoked on them — the
// underlying value always comes from the bound function — but keeping
// the field types as plain Counter/Gauge means call sites elsewhere in
// this package never need to know whether a given metric is push- or
// pull-based).
type counterFuncAdapter struct{ prometheus.CounterFunc }

func (counterFuncAdapter) Add(float64) {}
func (counterFuncAdapter) Inc()        {}

type gaugeFuncAdapter struct{ prometheus.GaugeFunc }

func (gaugeFuncAdapter) Set(float64)       {}
func (gaugeFuncAdapter) Add(float64)       {}
func (gaugeFuncAdapter) Sub(float64)       {}
func (gaugeFuncAdapter) Inc()              {}
func (gaugeFuncAdapter) Dec()              {}
func (gaugeFuncAdapter) SetToCurrentTime() {}

// NewPromMetrics registers one collector per Metrics field under reg
// (nil uses prometheus.DefaultRegisterer, matching promauto's own
// nil-safe convention), each bound to read live off m so every scrape
// reflects the current state with no separate sync step.
func NewPromMetrics(reg prometheus.Registerer, m *Metrics) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	asFloat := func(v int64) float64 { return float64(v) }

	return &PromMetrics{
		RequestsSent: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "client", Name: "requests_sent_total",
			Help: "Confirmed and unconfirmed requests sent.",
		}, func() float64 { return asFloat(m.RequestsSent.Value()) }),
		RequestsSucceeded: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "client", Name: "requests_succeeded_total",
			Help: "Confirmed requests that received a SimpleACK or ComplexACK, plus unconfirmed requests sent without error.",
		}, func() float64 { return asFloat(m.RequestsSucceeded.Value()) }),
		RequestsFailed: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "client", Name: "requests_failed_total",
			Help: "Requests that could not be sent, and confirmed requests that received Error, Reject, Abort or an unexpected PDU type.",
		}, func() float64 { return asFloat(m.RequestsFailed.Value()) }),
		RequestsTimedOut: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "client", Name: "requests_timed_out_total",
			Help: "Confirmed requests that received no reply before their deadline or whose context ended first.",
		}, func() float64 { return asFloat(m.RequestsTimedOut.Value()) }),
		ActiveRequests: gaugeFunc(reg, prometheus.GaugeOpts{
			Namespace: "bacnet", Subsystem: "client", Name: "active_requests",
			Help: "Confirmed requests currently awaiting a reply.",
		}, func() float64 { return asFloat(m.ActiveRequests.Value()) }),
		RequestLatency: func() prometheus.Histogram {
			h := prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bacnet", Subsystem: "client", Name: "request_latency_seconds",
				Help:    "Round-trip latency of confirmed requests.",
				Buckets: prometheus.DefBuckets,
			})
			reg.MustRegister(h)
			return h
		}(),
		DevicesDiscovered: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "discovery", Name: "devices_discovered_total",
			Help: "Distinct device instances ever seen in an I-Am.",
		}, func() float64 { return asFloat(m.DevicesDiscovered.Value()) }),
		WhoIsSent: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "discovery", Name: "who_is_sent_total",
			Help: "Who-Is requests sent, broadcast or directed.",
		}, func() float64 { return asFloat(m.WhoIsSent.Value()) }),
		IAmReceived: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "discovery", Name: "i_am_received_total",
			Help: "I-Am responses received.",
		}, func() float64 { return asFloat(m.IAmReceived.Value()) }),
		BytesSent: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "transport", Name: "bytes_sent_total",
		}, func() float64 { return asFloat(m.BytesSent.Value()) }),
		BytesReceived: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "transport", Name: "bytes_received_total",
		}, func() float64 { return asFloat(m.BytesReceived.Value()) }),
		COVSubscriptions: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "cov", Name: "subscriptions_total",
		}, func() float64 { return asFloat(m.COVSubscriptions.Value()) }),
		COVNotifications: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "cov", Name: "notifications_total",
		}, func() float64 { return asFloat(m.COVNotifications.Value()) }),
		ActiveSubscriptions: gaugeFunc(reg, prometheus.GaugeOpts{
			Namespace: "bacnet", Subsystem: "cov", Name: "active_subscriptions",
		}, func() float64 { return asFloat(m.ActiveSubscriptions.Value()) }),
		ErrorsReceived: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "faults", Name: "errors_received_total",
		}, func() float64 { return asFloat(m.ErrorsReceived.Value()) }),
		RejectsReceived: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "faults", Name: "rejects_received_total",
		}, func() float64 { return asFloat(m.RejectsReceived.Value()) }),
		AbortsReceived: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "faults", Name: "aborts_received_total",
		}, func() float64 { return asFloat(m.AbortsReceived.Value()) }),
		ConnectAttempts: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "connection", Name: "attempts_total",
		}, func() float64 { return asFloat(m.ConnectAttempts.Value()) }),
		ConnectSuccesses: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "connection", Name: "successes_total",
		}, func() float64 { return asFloat(m.ConnectSuccesses.Value()) }),
		ConnectFailures: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "connection", Name: "failures_total",
		}, func() float64 { return asFloat(m.ConnectFailures.Value()) }),
		Disconnects: counterFunc(reg, prometheus.CounterOpts{
			Namespace: "bacnet", Subsystem: "connection", Name: "disconnects_total",
		}, func() float64 { return asFloat(m.Disconnects.Value()) }),
	}
}
