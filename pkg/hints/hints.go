// Package hints labels "soft failures": errors that end one item of a job but
// must not be counted as a failure or shown to the user as one. The typical
// case is a delete or retime target that vanished between the directory
// listing and the operation.
//
// Producers label errors with Wrap or New, consumers test with IsHint, so the
// worker never needs to import the sentinel errors of the producing package.
package hints

import (
	"errors"
	"io/fs"
)

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// Vanished promotes err to a hint if it reports a missing path and returns it
// unchanged otherwise.
func Vanished(err error) error {
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return Wrap(err)
	}
	return err
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
