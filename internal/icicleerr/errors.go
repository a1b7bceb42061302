// Package icicleerr classifies adapter and scheduler errors so callers
// can decide whether to log-and-continue or abort a workflow, per the
// error handling taxonomy: evaluator failures abort a workflow before
// any jobs are enqueued, cache errors are treated as misses and
// logged, and history-store write errors never block scheduling.
package icicleerr

import (
	"errors"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
)

// ErrNotFound is returned by stores and adapters when a named entity
// does not exist.
var ErrNotFound = errors.New("icicle: not found")

// Retryable reports whether err represents a transient failure that a
// caller may reasonably retry (as opposed to a permanent
// misconfiguration or validation failure).
func Retryable(err error) bool {
	var transient interface{ Temporary() bool }
	if errors.As(err, &transient) {
		return transient.Temporary()
	}
	return false
}

// Wrap attaches context to err: a short message, with errors.Is/As
// still able to see through it.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, message)
}

// Accumulator collects errors from a batch operation (e.g. pushing a
// derivation's outputs one by one) and folds them into a single
// error.
type Accumulator struct {
	err *multierror.Error
}

func (a *Accumulator) Add(err error) {
	if err == nil {
		return
	}
	a.err = multierror.Append(a.err, err)
}

func (a *Accumulator) Addf(format string, args ...interface{}) {
	a.Add(pkgerrors.Errorf(format, args...))
}

// ErrorOrNil returns the accumulated error, or nil if nothing was added.
func (a *Accumulator) ErrorOrNil() error {
	if a.err == nil {
		return nil
	}
	return a.err.ErrorOrNil()
}
