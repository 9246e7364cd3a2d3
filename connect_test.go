// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewConnectFunc populates all fields from Config and the provided logger.
func TestNewConnectFunc(t *testing.T) {
	cfg := NewConfig()

	fn := NewConnectFunc(cfg, "tcp", DefaultSLogger())

	require.NotNil(t, fn)
	assert.Equal(t, "tcp", fn.Network)
	assert.NotNil(t, fn.Dialer)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Call tries the candidates in order and returns the first success.
func TestConnectFunc(t *testing.T) {
	refused := errors.New("connection refused")

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// addrs is the list of candidate endpoints.
		addrs []netip.AddrPort

		// failing contains the endpoints for which dialing fails.
		failing map[string]bool

		// wantAttempts is the expected sequence of dialed endpoints.
		wantAttempts []string

		// wantErr is the expected error, if any.
		wantErr error
	}{
		{
			name:         "first candidate succeeds",
			addrs:        []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("10.0.0.2:443")},
			failing:      map[string]bool{},
			wantAttempts: []string{"10.0.0.1:443"},
		},

		{
			name:         "fall back to the second candidate",
			addrs:        []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("10.0.0.2:443")},
			failing:      map[string]bool{"10.0.0.1:443": true},
			wantAttempts: []string{"10.0.0.1:443", "10.0.0.2:443"},
		},

		{
			name:         "all candidates fail",
			addrs:        []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("[::1]:443")},
			failing:      map[string]bool{"10.0.0.1:443": true, "[::1]:443": true},
			wantAttempts: []string{"10.0.0.1:443", "[::1]:443"},
			wantErr:      refused,
		},

		{
			name:         "no candidates",
			addrs:        nil,
			failing:      map[string]bool{},
			wantAttempts: nil,
			wantErr:      ErrNoAddresses,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts []string
			cfg := NewConfig()
			cfg.Dialer = &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					attempts = append(attempts, address)
					if tt.failing[address] {
						return nil, refused
					}
					conn := newMinimalConn()
					conn.CloseFunc = func() error { return nil }
					return conn, nil
				},
			}

			conn, err := NewConnectFunc(cfg, "tcp", DefaultSLogger()).Call(context.Background(), tt.addrs)

			assert.Equal(t, tt.wantAttempts, attempts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, conn)
			conn.Close()
		})
	}
}

// Call stops trying candidates once the context is done.
func TestConnectFuncContextDone(t *testing.T) {
	var attempts int
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			attempts++
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	addrs := []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("10.0.0.2:443")}
	_, err := NewConnectFunc(cfg, "tcp", DefaultSLogger()).Call(ctx, addrs)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

// Call emits connectStart/connectDone log events for each attempt.
func TestConnectFuncLogging(t *testing.T) {
	logger, records := newCapturingLogger()

	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			if address == "10.0.0.1:443" {
				return nil, errors.New("connection refused")
			}
			conn := newMinimalConn()
			conn.CloseFunc = func() error { return nil }
			return conn, nil
		},
	}

	addrs := []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("10.0.0.2:443")}
	conn, err := NewConnectFunc(cfg, "tcp", logger).Call(context.Background(), addrs)
	require.NoError(t, err)
	conn.Close()

	require.Len(t, *records, 4)
	assert.Equal(t, "connectStart", (*records)[0].Message)
	assert.Equal(t, "connectDone", (*records)[1].Message)
	assert.Equal(t, "connectStart", (*records)[2].Message)
	assert.Equal(t, "connectDone", (*records)[3].Message)
}
