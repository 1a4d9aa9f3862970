package pipeline

import _ "embed"

// Source of the example pipeline written by "kilnd init".
//
//go:embed example.cue
var Example []byte

// Parses the example pipeline.
func ExamplePipeline() (*Pipeline, error) {
	return Parse(Example, "example.cue")
}
