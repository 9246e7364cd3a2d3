// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"context"

	"github.com/bassosimone/runtimex"
)

// ProcessingContext is the per-exchange state seen by a [RequestFilter].
//
// A filter may modify the request, register response transformations, or
// abort the exchange with a synthetic response.
type ProcessingContext struct {
	// Request is the request being processed.
	Request *ClientRequest

	abort      *ClientResponse
	responding RespondingContext[*ClientResponse]
}

func newProcessingContext(req *ClientRequest) *ProcessingContext {
	return &ProcessingContext{Request: req}
}

// Push registers a response transformation. Transformations run in LIFO
// order: the last pushed runs first.
func (pc *ProcessingContext) Push(transform Transform[*ClientResponse]) {
	pc.responding.Push(transform)
}

// PushStage is like Push but registers a [ChainableStage].
func (pc *ProcessingContext) PushStage(stage ChainableStage[*ClientResponse]) {
	pc.responding.PushStage(stage)
}

// AbortWith stops the request processing and makes the exchange return
// resp without contacting the server. The response transformations pushed
// so far still run.
func (pc *ProcessingContext) AbortWith(resp *ClientResponse) {
	runtimex.Assert(resp != nil)
	pc.abort = resp
}

// CreateRespondingRoot returns the root of the response transformations.
func (pc *ProcessingContext) CreateRespondingRoot() Stage[*ClientResponse] {
	return pc.responding.CreateRespondingRoot()
}

// RequestFilter processes requests before they reach the [*Connector].
type RequestFilter interface {
	Filter(pc *ProcessingContext)
}

// RequestFilterFunc adapts a func to [RequestFilter].
type RequestFilterFunc func(pc *ProcessingContext)

var _ RequestFilter = RequestFilterFunc(nil)

// Filter implements [RequestFilter].
func (fx RequestFilterFunc) Filter(pc *ProcessingContext) {
	fx(pc)
}

// filterStage runs a [RequestFilter] and branches to the abort stage
// when the filter aborts the exchange.
type filterStage struct {
	ChainableStageBase[*ProcessingContext]
	abort  Stage[*ProcessingContext]
	filter RequestFilter
}

var _ ChainableStage[*ProcessingContext] = &filterStage{}

// Apply implements [Stage].
func (s *filterStage) Apply(pc *ProcessingContext) Continuation[*ProcessingContext] {
	s.filter.Filter(pc)
	if pc.abort != nil {
		return ContinueWith(pc, s.abort)
	}
	return ContinueWith(pc, s.DefaultNext())
}

// Client runs requests through request filters, the [*Connector] and the
// response transformations registered by the filters.
//
// Construct using [NewClient].
type Client struct {
	connector *Connector
	root      Stage[*ProcessingContext]
}

// NewClient creates a new [*Client] running filters in order.
func NewClient(connector *Connector, filters ...RequestFilter) *Client {
	runtimex.Assert(connector != nil)
	abort := AsStage(Endpoint[*ProcessingContext, *ClientResponse](func(pc *ProcessingContext) *ClientResponse {
		return pc.abort
	}))

	var builder *ChainBuilder[*ProcessingContext]
	for _, filter := range filters {
		stage := &filterStage{abort: abort, filter: filter}
		if builder == nil {
			builder = ChainStage[*ProcessingContext](stage)
			continue
		}
		builder.ToStage(stage)
	}

	c := &Client{connector: connector}
	if builder != nil {
		c.root = builder.Build()
	}
	return c
}

// filter runs the request filters and returns the abort response, if any.
func (c *Client) filter(req *ClientRequest) (*ProcessingContext, *ClientResponse) {
	pc, endpoint := ProcessToEndpoint[*ProcessingContext, *ClientResponse](newProcessingContext(req), c.root)
	if endpoint == nil {
		return pc, nil
	}
	return pc, endpoint(pc)
}

// Do is like [*Connector.Apply] but runs the filters and transformations.
func (c *Client) Do(ctx context.Context, req *ClientRequest) (*ClientResponse, error) {
	pc, resp := c.filter(req)
	if resp == nil {
		var err error
		if resp, err = c.connector.Apply(ctx, pc.Request); err != nil {
			return nil, err
		}
	}
	return pc.responding.Respond(resp), nil
}

// DoAsync is like [*Connector.ApplyAsync] but runs the filters and
// transformations. The transformations run before the callback.
func (c *Client) DoAsync(ctx context.Context, req *ClientRequest, cb AsyncCallback) *Future {
	pc, resp := c.filter(req)
	if resp == nil {
		return c.connector.applyAsync(ctx, pc.Request, cb, pc.responding.Respond)
	}
	resp = pc.responding.Respond(resp)
	future := newFuture(func(error) {})
	future.complete(resp, nil)
	if cb != nil {
		cb.OnResponse(resp)
	}
	return future
}
