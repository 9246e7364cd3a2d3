// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// AsyncCallback receives the outcome of an async exchange.
//
// Exactly one of the two methods is invoked, exactly once, from the
// goroutine running the exchange.
type AsyncCallback interface {
	OnResponse(resp *ClientResponse)
	OnFailure(err error)
}

// AsyncCallbackFuncs adapts a pair of funcs to [AsyncCallback].
//
// A nil func ignores the corresponding event.
type AsyncCallbackFuncs struct {
	Response func(resp *ClientResponse)
	Failure  func(err error)
}

var _ AsyncCallback = AsyncCallbackFuncs{}

// OnResponse implements [AsyncCallback].
func (fx AsyncCallbackFuncs) OnResponse(resp *ClientResponse) {
	if fx.Response != nil {
		fx.Response(resp)
	}
}

// OnFailure implements [AsyncCallback].
func (fx AsyncCallbackFuncs) OnFailure(err error) {
	if fx.Failure != nil {
		fx.Failure(err)
	}
}

// asyncReadBufferSize is the size of the chunks read from the network.
const asyncReadBufferSize = 1 << 15

// ApplyAsync starts the exchange in a background goroutine and returns
// a [*Future] for its outcome. The cb may be nil.
//
// By default, the future completes once the whole entity has been queued
// in memory. When [PropAsyncStreaming] is true, it completes as soon as the
// headers arrive and the entity streams through a [*ByteBufferStream]
// bounded by [PropQueueMaxBytes].
//
// At most [PropAsyncThreadPoolSize] exchanges run concurrently; the others
// wait for their turn.
//
// All errors are [*ProcessingError].
func (c *Connector) ApplyAsync(ctx context.Context, req *ClientRequest, cb AsyncCallback) *Future {
	return c.applyAsync(ctx, req, cb, nil)
}

func (c *Connector) applyAsync(ctx context.Context, req *ClientRequest,
	cb AsyncCallback, respond func(*ClientResponse) *ClientResponse) *Future {
	l := c.newResponseListener(ctx, req, cb, respond)
	go l.run()
	return l.future
}

// exchangeState is the state of an async exchange.
type exchangeState int32

const (
	stateStarted exchangeState = iota
	stateHeaders
	stateContent
	stateComplete
	stateFailed
)

// String implements [fmt.Stringer].
func (s exchangeState) String() string {
	switch s {
	case stateStarted:
		return "started"
	case stateHeaders:
		return "headers"
	case stateContent:
		return "content"
	case stateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// responseListener drives an async exchange and makes sure that the
// callback fires once regardless of how the exchange ends.
type responseListener struct {
	callbackInvoked atomic.Bool
	cb              AsyncCallback
	future          *Future
	respond         func(*ClientResponse) *ClientResponse
	response        atomic.Pointer[ClientResponse]
	state           atomic.Int32
	stream          *ByteBufferStream
	streaming       bool
	x               *exchange
}

func (c *Connector) newResponseListener(ctx context.Context, req *ClientRequest,
	cb AsyncCallback, respond func(*ClientResponse) *ClientResponse) *responseListener {
	if cb == nil {
		cb = AsyncCallbackFuncs{}
	}
	x := c.newExchange(ctx, req, "async")
	return &responseListener{
		cb:        cb,
		future:    newFuture(x.cancel),
		respond:   respond,
		streaming: x.props.Bool(PropAsyncStreaming, false),
		x:         x,
	}
}

func (l *responseListener) setState(state exchangeState) {
	l.state.Store(int32(state))
	l.x.c.logger.Debug(
		"asyncExchangeState",
		slog.String("spanID", l.x.spanID),
		slog.String("state", state.String()),
	)
}

// run performs the exchange from the background goroutine.
func (l *responseListener) run() {
	x := l.x
	if pool := x.c.pool; pool != nil {
		if err := pool.Acquire(x.ctx, 1); err != nil {
			l.onFailure(x.failure("acquire", err))
			return
		}
		defer pool.Release(1)
	}

	hresp, err := x.send()
	if err != nil {
		l.onFailure(err)
		return
	}
	defer hresp.Body.Close()

	if !l.onHeaders(hresp) {
		return
	}
	buffer := make([]byte, asyncReadBufferSize)
	for {
		count, err := hresp.Body.Read(buffer)
		if count > 0 {
			x.kick()
			if !l.onContent(buffer[:count]) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			l.onComplete()
			return
		}
		if err != nil {
			l.onFailure(x.failure("read", err))
			return
		}
	}
}

// onHeaders handles the response headers and returns whether the exchange
// should continue reading the body.
func (l *responseListener) onHeaders(hresp *http.Response) bool {
	l.setState(stateHeaders)
	maxBytes := 0
	if l.streaming {
		maxBytes = l.x.props.Int(PropQueueMaxBytes, 0)
	}
	l.stream = NewByteBufferStream(maxBytes)
	resp := newClientResponseShell(l.x.req, hresp, l.stream)
	l.response.Store(resp)

	// The future may have been cancelled while we waited for the headers.
	if l.future.IsDone() {
		err := l.future.failure()
		l.stream.CloseQueueWithError(err)
		l.x.release(err)
		if l.callbackInvoked.CompareAndSwap(false, true) {
			l.cb.OnFailure(err)
		}
		return false
	}

	if l.streaming && l.callbackInvoked.CompareAndSwap(false, true) {
		resp = l.deliver(resp)
		if !l.future.complete(resp, nil) {
			err := l.future.failure()
			l.stream.CloseQueueWithError(err)
			l.x.release(err)
			l.cb.OnFailure(err)
			return false
		}
		l.cb.OnResponse(resp)
	}
	return true
}

// onContent queues a chunk of the body and returns whether the exchange
// should continue reading the body.
func (l *responseListener) onContent(chunk []byte) bool {
	l.setState(stateContent)
	ok, err := l.stream.Put(l.x.ctx, append([]byte{}, chunk...))
	if err != nil {
		l.onFailure(l.x.failure("enqueue", err))
		return false
	}
	if !ok {
		// The consumer closed the stream early.
		l.x.release(nil)
		return false
	}
	l.x.c.metrics.queued(len(chunk))
	return true
}

// onComplete handles the end of the body.
func (l *responseListener) onComplete() {
	l.setState(stateComplete)
	l.stream.CloseQueue()
	if !l.callbackInvoked.CompareAndSwap(false, true) {
		l.x.release(nil)
		return
	}
	if !l.future.IsDone() {
		resp := l.deliver(l.response.Load())
		if l.future.complete(resp, nil) {
			l.x.release(nil)
			l.cb.OnResponse(resp)
			return
		}
	}
	err := l.future.failure()
	l.x.release(err)
	l.cb.OnFailure(err)
}

// onFailure handles any failure, including cancellation.
func (l *responseListener) onFailure(err error) {
	l.setState(stateFailed)
	if !l.future.complete(nil, err) {
		if ferr := l.future.failure(); ferr != nil {
			err = ferr // report the same cause as the future
		}
	}
	if l.stream != nil {
		l.stream.CloseQueueWithError(err)
	}
	l.x.release(err)
	if l.callbackInvoked.CompareAndSwap(false, true) {
		l.cb.OnFailure(err)
	}
}

func (l *responseListener) deliver(resp *ClientResponse) *ClientResponse {
	if l.respond != nil {
		return l.respond(resp)
	}
	return resp
}
