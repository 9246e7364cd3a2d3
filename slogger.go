//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package stagehttp

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// SLogger abstracts the [*slog.Logger] behavior.
//
// This package uses three log levels:
//   - Warn for diagnostics that do not alter control flow (headersNotSent)
//   - Info for lifecycle events (exchange, connect, TLS handshake, DNS
//     exchange, body streaming, nonce GC)
//   - Debug for per-I/O events (read, write, set deadline)
//
// The [*slog.Logger] type satisfies this interface.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// DefaultSLogger returns a no-op [SLogger].
//
// Libraries should not write to stdout/stderr unless asked to. Use a
// custom [*slog.Logger] for emitting logs.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

type discardSLogger struct{}

var _ SLogger = discardSLogger{}

// Debug implements [SLogger].
func (discardSLogger) Debug(msg string, args ...any) {
	// nothing
}

// Info implements [SLogger].
func (discardSLogger) Info(msg string, args ...any) {
	// nothing
}

// Warn implements [SLogger].
func (discardSLogger) Warn(msg string, args ...any) {
	// nothing
}

// NewSpanID returns a UUIDv7 identifying a span.
//
// Each exchange performed by a [*Connector] is a span and all its log
// events carry the same spanID field.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
