// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"log/slog"
	"net"

	"github.com/bassosimone/safeconn"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc(logger SLogger) *CancelWatchFunc {
	return &CancelWatchFunc{Logger: logger}
}

// CancelWatchFunc binds a [net.Conn] to the lifetime of a context: when
// the context is done the conn is closed, so blocked I/O fails at once.
//
// We use it for the short-lived connections of a DNS lookup, which must
// not outlive the lookup. Do not use it for pooled connections, which
// outlive the context used to dial them.
//
// Closing the returned conn unregisters the watcher.
type CancelWatchFunc struct {
	// Logger is the [SLogger] to use.
	Logger SLogger
}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers the watcher and wraps conn.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		op.Logger.Info(
			"cancelWatchFired",
			slog.Any("err", context.Cause(ctx)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		)
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close implements [net.Conn].
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
