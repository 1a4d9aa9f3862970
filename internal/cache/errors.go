package cache

import "errors"

var (
	ErrCache        = errors.New("cache error")
	ErrBlobNotFound = errors.New("artifact blob not found")
	ErrArtifact     = errors.New("malformed artifact")
)
