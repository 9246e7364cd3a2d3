// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import "github.com/bassosimone/errclass"

// ErrClassifier maps errors to short labels (e.g., "ETIMEDOUT") that we
// attach to log events as the errClass field.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.New].
//
// It returns an empty string for a nil error.
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
