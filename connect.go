//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package stagehttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
)

// ErrNoAddresses indicates that there is nothing to connect to.
var ErrNoAddresses = errors.New("no addresses to connect to")

// Dialer abstracts the [*net.Dialer] behavior.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewConnectFunc returns a new [*ConnectFunc].
//
// The network argument must be either "tcp" or "udp".
func NewConnectFunc(cfg *Config, network string, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Network:       network,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc dials a list of candidate endpoints in order and returns
// the first connection that succeeds.
//
// When every attempt fails, the returned error joins all the failures.
//
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Dialer is the [Dialer] to use.
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Network is the network to use (either "tcp" or "udp").
	Network string

	// TimeNow returns the current time.
	TimeNow func() time.Time
}

var _ Func[[]netip.AddrPort, net.Conn] = &ConnectFunc{}

// Call connects to the first reachable endpoint among addrs.
func (op *ConnectFunc) Call(ctx context.Context, addrs []netip.AddrPort) (net.Conn, error) {
	if len(addrs) <= 0 {
		return nil, ErrNoAddresses
	}
	var errv []error
	for _, addr := range addrs {
		conn, err := op.connect(ctx, addr)
		if err == nil {
			return conn, nil
		}
		errv = append(errv, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errv...)
}

func (op *ConnectFunc) connect(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", addr.String()),
		slog.Time("t", t0),
	)

	conn, err := op.Dialer.DialContext(ctx, op.Network, addr.String())

	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", addr.String()),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	return conn, err
}
