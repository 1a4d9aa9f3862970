// Package pipeline defines the build specification executed by kilnd.
//
// A pipeline is a list of named stages. Each stage starts from a base image,
// runs an ordered list of steps, and publishes named output ports: paths in
// its filesystem that later stages may copy by reference. A copy step names
// the producing stage and the port, never a raw path, so every cross-stage
// dependency is an explicit edge in the stage graph.
//
// Pipelines are written in CUE and checked against an embedded schema before
// they are decoded. Validate then checks the properties the schema cannot
// express (name resolution, port references, toolchain pins, shell syntax)
// and Graph builds the dependency DAG used for scheduling.
//
//	p, err := pipeline.Load("pipeline.cue")
//	if err != nil {
//	    return err
//	}
//	if err := p.Validate(); err != nil {
//	    return err
//	}
//	order, err := p.Graph().TopologicalSort()
package pipeline
