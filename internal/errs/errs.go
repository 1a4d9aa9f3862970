// Package errs attaches error classes to causes.
//
// Every package in kilnd declares its error classes as sentinel values.
// Wrap and Wrapf pair one of those sentinels with the underlying cause so
// that errors.Is matches either of them, and the message reads
// "<class>: <cause>".
package errs

import (
	"errors"
	"fmt"
)

type classified struct {
	class error
	cause error
}

func (e *classified) Error() string {
	return e.class.Error() + ": " + e.cause.Error()
}

func (e *classified) Unwrap() []error {
	return []error{e.class, e.cause}
}

// Wraps err with the class sentinel. Returns class unchanged when err is nil.
func Wrap(class, err error) error {
	if err == nil {
		return class
	}
	return &classified{class: class, cause: err}
}

// Wraps a formatted cause with the class sentinel. The format accepts %w.
func Wrapf(class error, format string, args ...any) error {
	return &classified{class: class, cause: fmt.Errorf(format, args...)}
}

// Returns the first of classes that err matches, or nil.
func Classify(err error, classes ...error) error {
	for _, c := range classes {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
