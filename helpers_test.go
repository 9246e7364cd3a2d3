// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordLog is like the slice returned by [newCapturingLogger] but may be
// written by background goroutines.
type recordLog struct {
	mu      sync.Mutex
	records []slog.Record
}

// newConcurrentCapturingLogger returns a logger capturing into a [*recordLog].
func newConcurrentCapturingLogger() (*slog.Logger, *recordLog) {
	rl := &recordLog{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			rl.mu.Lock()
			rl.records = append(rl.records, record)
			rl.mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), rl
}

// find returns the records with the given message.
func (rl *recordLog) find(msg string) []slog.Record {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var out []slog.Record
	for _, record := range rl.records {
		if record.Message == msg {
			out = append(out, record)
		}
	}
	return out
}

// recordAttr returns the value of the named attribute of record.
func recordAttr(record slog.Record, key string) (slog.Value, bool) {
	var (
		found bool
		value slog.Value
	)
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found, value = true, attr.Value
			return false
		}
		return true
	})
	return value, found
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn and NameFunc returns
// "mock".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}
