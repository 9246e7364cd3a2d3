// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"sync"
)

// Future is the pending result of an async exchange.
//
// A future completes exactly once: with a response, with a failure, or
// because the caller invoked Cancel.
type Future struct {
	abort     context.CancelCauseFunc
	cancelled bool
	completed bool
	done      chan struct{}
	err       error
	mu        sync.Mutex
	resp      *ClientResponse
}

func newFuture(abort context.CancelCauseFunc) *Future {
	return &Future{abort: abort, done: make(chan struct{})}
}

// complete completes the future and returns whether we were first.
func (f *Future) complete(resp *ClientResponse, err error) bool {
	return f.completeWith(resp, err, false)
}

func (f *Future) completeWith(resp *ClientResponse, err error, cancelled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return false
	}
	f.cancelled, f.completed, f.err, f.resp = cancelled, true, err, resp
	close(f.done)
	return true
}

// Cancel completes the future with [ErrCancelled] and aborts the exchange.
//
// The return value is false when the future had already completed.
func (f *Future) Cancel() bool {
	err := &ProcessingError{Op: "cancel", Err: ErrCancelled}
	if !f.completeWith(nil, err, true) {
		return false
	}
	f.abort(ErrCancelled)
	return true
}

// Done returns a channel closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the future to complete or for ctx to be done.
//
// When ctx is done first, Get returns ctx.Err() and the exchange keeps
// running. Use Cancel to abort it.
func (f *Future) Get(ctx context.Context) (*ClientResponse, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsDone returns whether the future completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled returns whether the future completed because of Cancel.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// failure returns the error the future completed with.
func (f *Future) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
