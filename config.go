// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the dependencies shared by connectors, resolvers and
// nonce managers.
//
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Propagator injects the trace context into outgoing requests.
	//
	// Set by [NewConfig] to the global propagator.
	Propagator propagation.TextMapPropagator

	// Registerer is where we register prometheus metrics.
	//
	// Set by [NewConfig] to nil, which disables metrics.
	Registerer prometheus.Registerer

	// TLSClientConfig is the base TLS config for HTTPS connections.
	//
	// Set by [NewConfig] to nil, which uses the system roots.
	TLSClientConfig *tls.Config

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// TracerProvider creates the tracer used for exchange spans.
	//
	// Set by [NewConfig] to the global tracer provider.
	TracerProvider trace.TracerProvider
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:          &net.Dialer{},
		ErrClassifier:   DefaultErrClassifier,
		Propagator:      otel.GetTextMapPropagator(),
		Registerer:      nil,
		TLSClientConfig: nil,
		TimeNow:         time.Now,
		TracerProvider:  otel.GetTracerProvider(),
	}
}
