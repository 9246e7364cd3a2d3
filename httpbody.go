// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// httpBodyWrap wraps the body of a sync exchange so that reads feed the
// read timeout watchdog and the end of the body releases the exchange.
//
// We emit structured log events lazily: httpBodyStreamStart on the first
// Read, and httpBodyStreamDone on Close (only if at least one Read happened).
func httpBodyWrap(x *exchange, body io.ReadCloser) io.ReadCloser {
	return &httpBodyWrapper{
		body:      body,
		closeOnce: sync.Once{},
		didRead:   atomic.Bool{},
		readOnce:  sync.Once{},
		t0:        time.Time{},
		x:         x,
	}
}

type httpBodyWrapper struct {
	// body is the actual body.
	body io.ReadCloser

	// closeOnce ensures that Close has "once" semantics.
	closeOnce sync.Once

	// didRead tracks whether at least one Read happened.
	didRead atomic.Bool

	// readOnce ensures we log httpBodyStreamStart only once.
	readOnce sync.Once

	// t0 is the time when we started reading the body.
	t0 time.Time

	// x is the exchange that owns the body.
	x *exchange
}

var _ io.ReadCloser = &httpBodyWrapper{}

// Close implements [io.ReadCloser].
func (b *httpBodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		b.x.release(nil)
		if b.didRead.Load() { // acquire: t0 is visible if this returns true
			b.x.c.logger.Info(
				"httpBodyStreamDone",
				slog.Any("err", err),
				slog.String("errClass", b.x.c.cfg.ErrClassifier.Classify(err)),
				slog.String("spanID", b.x.spanID),
				slog.Time("t0", b.t0),
				slog.Time("t", b.x.c.cfg.TimeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *httpBodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.x.c.cfg.TimeNow() // write t0 BEFORE the atomic store (release)
		b.didRead.Store(true)      // release: makes t0 visible to Close
		b.x.c.logger.Info(
			"httpBodyStreamStart",
			slog.String("spanID", b.x.spanID),
			slog.Time("t", b.t0),
		)
	})
	count, err := b.body.Read(buffer)
	if count > 0 {
		b.x.kick()
	}
	switch {
	case errors.Is(err, io.EOF):
		b.x.release(nil)
	case err != nil:
		err = b.x.failure("read", err)
		b.x.release(err)
	}
	return count, err
}

// kickReader feeds the read timeout watchdog while reading.
type kickReader struct {
	r io.Reader
	x *exchange
}

// Read implements [io.Reader].
func (kr *kickReader) Read(buffer []byte) (int, error) {
	count, err := kr.r.Read(buffer)
	if count > 0 {
		kr.x.kick()
	}
	return count, err
}
