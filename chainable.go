// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

// ChainableStage is a [Stage] that can be linked to a default next stage.
//
// The default next stage is wired by [*ChainBuilder] or [*RespondingContext]
// at construction time. A chainable stage may still return a different
// continuation at runtime (e.g., to branch away from the chain).
//
// Call SetDefaultNext only while building; treat the chain as immutable
// once it is in use.
type ChainableStage[D any] interface {
	Stage[D]

	// DefaultNext returns the stage wired as default next, or nil.
	DefaultNext() Stage[D]

	// SetDefaultNext wires the default next stage.
	SetDefaultNext(next Stage[D])
}

// ChainableStageBase stores the default next stage.
//
// Embed it into a struct implementing Apply to obtain a [ChainableStage].
type ChainableStageBase[D any] struct {
	next Stage[D]
}

// DefaultNext implements [ChainableStage].
func (b *ChainableStageBase[D]) DefaultNext() Stage[D] {
	return b.next
}

// SetDefaultNext implements [ChainableStage].
func (b *ChainableStageBase[D]) SetDefaultNext(next Stage[D]) {
	b.next = next
}

// NewChainableStage returns a [ChainableStage] invoking fn.
//
// The fn argument receives the data and the current default next stage,
// which it usually passes to [ContinueWith].
func NewChainableStage[D any](fn func(data D, defaultNext Stage[D]) Continuation[D]) ChainableStage[D] {
	return &funcChainableStage[D]{fn: fn}
}

type funcChainableStage[D any] struct {
	ChainableStageBase[D]
	fn func(data D, defaultNext Stage[D]) Continuation[D]
}

// Apply implements [Stage].
func (s *funcChainableStage[D]) Apply(data D) Continuation[D] {
	return s.fn(data, s.DefaultNext())
}

// LinkedStage returns a [Stage] applying transform and continuing with next.
//
// A nil next makes the stage terminal.
func LinkedStage[D any](transform Transform[D], next Stage[D]) Stage[D] {
	return &linkedStage[D]{transform: transform, next: next}
}

type linkedStage[D any] struct {
	transform Transform[D]
	next      Stage[D]
}

// Apply implements [Stage].
func (s *linkedStage[D]) Apply(data D) Continuation[D] {
	return ContinueWith(s.transform(data), s.next)
}
