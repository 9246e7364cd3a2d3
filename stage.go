// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

// Stage is a single step of a linear processing chain over data of type D.
//
// A stage consumes a value and returns a [Continuation] bundling the
// transformed value with the stage to run next, if any.
//
// Stages MUST be stateless: the same instance may run concurrently on
// behalf of many requests. Per-request state belongs in D.
type Stage[D any] interface {
	Apply(data D) Continuation[D]
}

// Continuation is the result of applying a [Stage].
//
// Next returns nil when processing is terminal.
type Continuation[D any] struct {
	result D
	next   Stage[D]
}

// ContinueWith returns a [Continuation] that continues with next.
//
// A nil next makes the continuation terminal.
func ContinueWith[D any](result D, next Stage[D]) Continuation[D] {
	return Continuation[D]{result: result, next: next}
}

// Terminate returns a terminal [Continuation].
func Terminate[D any](result D) Continuation[D] {
	return Continuation[D]{result: result}
}

// Result returns the value produced by the stage.
func (c Continuation[D]) Result() D {
	return c.result
}

// Next returns the stage to run next or nil.
func (c Continuation[D]) Next() Stage[D] {
	return c.next
}

// HasNext returns whether there is a stage to run next.
func (c Continuation[D]) HasNext() bool {
	return c.next != nil
}

// StageFunc adapts a function to the [Stage] interface.
type StageFunc[D any] func(data D) Continuation[D]

var _ Stage[int] = StageFunc[int](nil)

// Apply implements [Stage].
func (f StageFunc[D]) Apply(data D) Continuation[D] {
	return f(data)
}

// Transform is a plain data transformation.
type Transform[D any] func(data D) D

// TransformStage wraps a [Transform] into a terminal [Stage].
func TransformStage[D any](fn Transform[D]) Stage[D] {
	return LinkedStage(fn, nil)
}

// Identity returns a terminal [Stage] returning its input unchanged.
func Identity[D any]() Stage[D] {
	return StageFunc[D](Terminate[D])
}

// Process drives the chain rooted at root to completion and returns the
// final value. A nil root returns data unchanged.
//
// The chain is walked with a loop rather than recursion, so arbitrarily
// long chains do not grow the call stack.
func Process[D any](data D, root Stage[D]) D {
	for stage := root; stage != nil; {
		cont := stage.Apply(data)
		data, stage = cont.result, cont.next
	}
	return data
}

// Endpoint is a terminal handler that turns the data flowing through a
// chain into a result of a different type.
type Endpoint[D, R any] func(data D) R

// AsStage wraps an [Endpoint] into a terminal [Stage] carrying it.
//
// The stage passes its input through unchanged; use [ProcessToEndpoint]
// to run a chain and recover the endpoint carried by its last stage.
func AsStage[D, R any](endpoint Endpoint[D, R]) Stage[D] {
	return &endpointStage[D, R]{endpoint: endpoint}
}

type endpointStage[D, R any] struct {
	endpoint Endpoint[D, R]
}

// Apply implements [Stage].
func (s *endpointStage[D, R]) Apply(data D) Continuation[D] {
	return Terminate(data)
}

// ExtractEndpoint returns the [Endpoint] carried by a stage created
// using [AsStage], if any.
func ExtractEndpoint[D, R any](stage Stage[D]) (Endpoint[D, R], bool) {
	es, ok := stage.(*endpointStage[D, R])
	if !ok {
		return nil, false
	}
	return es.endpoint, true
}

// ProcessToEndpoint is like [Process] but also returns the [Endpoint]
// carried by the last executed stage, or nil if it carries none.
func ProcessToEndpoint[D, R any](data D, root Stage[D]) (D, Endpoint[D, R]) {
	var last Stage[D]
	for stage := root; stage != nil; {
		last = stage
		cont := stage.Apply(data)
		data, stage = cont.result, cont.next
	}
	endpoint, _ := ExtractEndpoint[D, R](last)
	return data, endpoint
}
