// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TLSEngineStdlib is named "stdlib" and returns a *tls.Conn.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	assert.Equal(t, "stdlib", engine.Name())

	tlsConn := engine.Client(&netstub.FuncConn{}, &tls.Config{})
	_, ok := tlsConn.(*tls.Conn)
	assert.True(t, ok)
}

// NewTLSHandshakeFunc populates all fields and rejects a nil config.
func TestNewTLSHandshakeFunc(t *testing.T) {
	tlsConfig := &tls.Config{ServerName: "example.com"}

	fn := NewTLSHandshakeFunc(NewConfig(), tlsConfig, DefaultSLogger())

	require.NotNil(t, fn)
	assert.Equal(t, tlsConfig, fn.Config)
	assert.NotNil(t, fn.Engine)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)

	assert.Panics(t, func() { NewTLSHandshakeFunc(NewConfig(), nil, DefaultSLogger()) })
}

func newMockTLSConn(handshakeErr error, state tls.ConnectionState) *tlsstub.FuncTLSConn {
	return &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return state
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return handshakeErr
		},
	}
}

// Call returns the TLSConn on success and closes it on failure.
func TestTLSHandshakeFunc(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		wantState := tls.ConnectionState{
			Version:            tls.VersionTLS13,
			CipherSuite:        tls.TLS_AES_128_GCM_SHA256,
			NegotiatedProtocol: "h2",
		}
		fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{ServerName: "example.com"}, DefaultSLogger())
		fn.Engine = newMockTLSEngine(newMockTLSConn(nil, wantState))

		result, err := fn.Call(context.Background(), newMinimalConn())

		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, wantState, result.ConnectionState())
	})

	t.Run("failure", func(t *testing.T) {
		wantErr := errors.New("handshake failed")
		closeCalled := false
		mockTLSConn := newMockTLSConn(wantErr, tls.ConnectionState{})
		mockTLSConn.FuncConn.CloseFunc = func() error {
			closeCalled = true
			return nil
		}
		fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{ServerName: "example.com"}, DefaultSLogger())
		fn.Engine = newMockTLSEngine(mockTLSConn)

		result, err := fn.Call(context.Background(), newMinimalConn())

		require.ErrorIs(t, err, wantErr)
		assert.Nil(t, result)
		assert.True(t, closeCalled, "connection should be closed on error")
	})
}

// Call emits tlsHandshakeStart/tlsHandshakeDone log events.
func TestTLSHandshakeFuncLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{ServerName: "example.com"}, logger)
	fn.Engine = newMockTLSEngine(newMockTLSConn(nil, tls.ConnectionState{}))

	_, _ = fn.Call(context.Background(), newMinimalConn())

	require.Len(t, *records, 2)
	assert.Equal(t, "tlsHandshakeStart", (*records)[0].Message)
	assert.Equal(t, "tlsHandshakeDone", (*records)[1].Message)
}

// Call clones the config and sets its time function.
func TestTLSHandshakeFuncClonesConfig(t *testing.T) {
	cfg := NewConfig()
	fixedTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg.TimeNow = func() time.Time { return fixedTime }

	tlsConfig := &tls.Config{ServerName: "example.com"}

	var capturedConfig *tls.Config
	fn := NewTLSHandshakeFunc(cfg, tlsConfig, DefaultSLogger())
	fn.Engine = &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(conn net.Conn, config *tls.Config) TLSConn {
			capturedConfig = config
			return newMockTLSConn(nil, tls.ConnectionState{})
		},
		NameFunc: func() string { return "mock" },
	}

	_, _ = fn.Call(context.Background(), newMinimalConn())

	require.NotNil(t, capturedConfig)
	assert.NotSame(t, tlsConfig, capturedConfig)
	assert.Nil(t, tlsConfig.Time)
	require.NotNil(t, capturedConfig.Time)
	assert.Equal(t, fixedTime, capturedConfig.Time())
}
