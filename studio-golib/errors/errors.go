package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errorf is re-exported from fmt
var Errorf = fmt.Errorf

// New is an alias to Errorf
var New = Errorf

// Sentinel creates a comparable error value meant to be wrapped with Wrapf and matched with Is.
var Sentinel = errors.New

// WrapfOrNil is WithMessagef re-exported from github.com/pkg/errors
func WrapfOrNil(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(err, fmt.Sprintf(format, args...))
}

// Wrapf is WrapfOrNil if err != nil, and Errorf otherwise: it never returns nil
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return Errorf(format, args...)
	}
	return WrapfOrNil(err, format, args...)
}

// Cause is re-exported from github.com/pkg/errors
var Cause = errors.Cause

// Is reports whether the root cause of err is one of the given targets.
func Is(err error, targets ...error) bool {
	if err == nil {
		return false
	}
	cause := Cause(err)
	for _, target := range targets {
		if cause == target {
			return true
		}
	}
	return false
}
