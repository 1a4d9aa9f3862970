package toolchain

import (
	"errors"
	"fmt"
)

var (
	ErrFetch          = errors.New("toolchain fetch failed")
	ErrDigestMismatch = errors.New("toolchain digest mismatch")
)

// Describes a downloaded archive whose digest differs from the pinned one.
type DigestError struct {
	Name     string
	URL      string
	Expected string
	Got      string
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("toolchain %s: archive %s does not match pinned digest\nExpected: %s\nGot:      %s", e.Name, e.URL, e.Expected, e.Got)
}

func (e *DigestError) Unwrap() error { return ErrDigestMismatch }
