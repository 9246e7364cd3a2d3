// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import "github.com/bassosimone/runtimex"

// ChainBuilder assembles transforms and chainable stages into a single chain.
//
// Elements run in the order they are added. Adjacent transforms are merged
// into a single linked stage. Each chainable stage gets its default next
// wired to whatever is added after it.
//
// A builder is single use: after [*ChainBuilder.Build] or
// [*ChainBuilder.BuildWith] any further call panics.
//
// Adding the same stage instance twice creates a cycle; the builder
// does not check for this.
type ChainBuilder[D any] struct {
	last    ChainableStage[D]
	pending Transform[D]
	root    Stage[D]
	spent   bool
}

// Chain starts a new [*ChainBuilder] with the given transform.
func Chain[D any](transform Transform[D]) *ChainBuilder[D] {
	return (&ChainBuilder[D]{}).To(transform)
}

// ChainStage starts a new [*ChainBuilder] with the given chainable stage.
func ChainStage[D any](stage ChainableStage[D]) *ChainBuilder[D] {
	return (&ChainBuilder[D]{}).ToStage(stage)
}

// To appends a transform to the chain.
func (b *ChainBuilder[D]) To(transform Transform[D]) *ChainBuilder[D] {
	runtimex.Assert(!b.spent)
	runtimex.Assert(transform != nil)
	if prev := b.pending; prev != nil {
		b.pending = func(data D) D { return transform(prev(data)) }
	} else {
		b.pending = transform
	}
	return b
}

// ToStage appends a chainable stage to the chain.
func (b *ChainBuilder[D]) ToStage(stage ChainableStage[D]) *ChainBuilder[D] {
	runtimex.Assert(!b.spent)
	runtimex.Assert(stage != nil)
	b.addTail(stage)
	b.last = stage
	return b
}

// Build returns the head of the chain, or nil if nothing was added.
func (b *ChainBuilder[D]) Build() Stage[D] {
	return b.BuildWith(nil)
}

// BuildWith appends terminal as the tail of the chain and returns its head.
//
// A nil terminal is equivalent to calling [*ChainBuilder.Build].
func (b *ChainBuilder[D]) BuildWith(terminal Stage[D]) Stage[D] {
	runtimex.Assert(!b.spent)
	b.spent = true
	b.addTail(terminal)
	return b.root
}

func (b *ChainBuilder[D]) addTail(tail Stage[D]) {
	if b.pending != nil {
		tail = LinkedStage(b.pending, tail)
		b.pending = nil
	}
	if b.root == nil {
		b.root = tail
		return
	}
	b.last.SetDefaultNext(tail)
}
