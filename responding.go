// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

// RespondingContext accumulates response transformations for one exchange.
//
// Transformations compose LIFO: the last pushed runs first and the first
// pushed runs last, like nested decorators.
//
// The zero value is ready to use. A RespondingContext belongs to a single
// exchange and is not safe for concurrent use; handing it over between
// goroutines sequentially is fine.
type RespondingContext[D any] struct {
	root Stage[D]
}

// Push registers a transform that runs before those pushed earlier.
func (rc *RespondingContext[D]) Push(transform Transform[D]) {
	rc.root = LinkedStage(transform, rc.root)
}

// PushStage registers a chainable stage that runs before those pushed
// earlier. The stage default next is wired to the previous root.
func (rc *RespondingContext[D]) PushStage(stage ChainableStage[D]) {
	stage.SetDefaultNext(rc.root)
	rc.root = stage
}

// CreateRespondingRoot returns the composite root stage.
//
// The result is nil when nothing has been pushed.
func (rc *RespondingContext[D]) CreateRespondingRoot() Stage[D] {
	return rc.root
}

// Respond runs data through the composite root and returns the result.
func (rc *RespondingContext[D]) Respond(data D) D {
	return Process(data, rc.root)
}
