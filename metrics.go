// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace is the prometheus namespace of our metrics.
const metricsNamespace = "stagehttp"

// connectorMetrics contains the metrics of a [*Connector].
//
// A nil *connectorMetrics is valid and records nothing.
type connectorMetrics struct {
	duration    *prometheus.HistogramVec
	inflight    prometheus.Gauge
	queuedBytes prometheus.Counter
	requests    *prometheus.CounterVec
}

// newConnectorMetrics registers the connector metrics with reg. When reg
// is nil, it returns a nil *connectorMetrics. Connectors sharing the same
// registerer share the same collectors.
func newConnectorMetrics(reg prometheus.Registerer) (*connectorMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	requests, err := registerCollector(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connector",
			Name:      "requests_total",
			Help:      "Total number of exchanges by mode and outcome",
		},
		[]string{"mode", "outcome"},
	))
	if err != nil {
		return nil, err
	}

	duration, err := registerCollector(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "connector",
			Name:      "request_duration_seconds",
			Help:      "Duration of exchanges in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	))
	if err != nil {
		return nil, err
	}

	inflight, err := registerCollector(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "connector",
			Name:      "inflight_requests",
			Help:      "Number of exchanges in progress",
		},
	))
	if err != nil {
		return nil, err
	}

	queuedBytes, err := registerCollector(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connector",
			Name:      "queued_bytes_total",
			Help:      "Total number of body bytes queued for async consumers",
		},
	))
	if err != nil {
		return nil, err
	}

	m := &connectorMetrics{
		duration:    duration,
		inflight:    inflight,
		queuedBytes: queuedBytes,
		requests:    requests,
	}
	return m, nil
}

// registerCollector registers c with reg, returning the already registered
// collector when an equal one exists.
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (m *connectorMetrics) begin() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *connectorMetrics) end(mode, outcome string, elapsed time.Duration) {
	if m != nil {
		m.inflight.Dec()
		m.requests.WithLabelValues(mode, outcome).Inc()
		m.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
	}
}

func (m *connectorMetrics) queued(count int) {
	if m != nil {
		m.queuedBytes.Add(float64(count))
	}
}
