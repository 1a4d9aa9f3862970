package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse           = errors.New("pipeline parse failed")
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// Lists every problem found while validating a pipeline.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", ErrInvalidPipeline, e.Problems[0])
	}
	return fmt.Sprintf("%s:\n  - %s", ErrInvalidPipeline, strings.Join(e.Problems, "\n  - "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPipeline }

// Reports that the stage graph contains a cycle.
type CycleError struct {
	Cycle []string // Stages that could not be ordered.
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between stages: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrInvalidPipeline }
