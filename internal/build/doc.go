// Package build executes pipelines against a container runtime.
//
// A pipeline is a graph of stages. Each stage runs in its own container
// created from a base image: pinned toolchains are unpacked into it, its
// steps (shell commands and copies) run in order, and its declared output
// ports are extracted into the content-addressed artifact store. Later
// stages copy those artifacts by stage and port name, so a stage starts
// only after every stage it copies from is complete. Independent stages
// run concurrently.
//
// The image stage is never served from the cache. After its steps it is
// checked for forbidden paths, exported as an OCI archive, and self-tested
// by running its entrypoint in a fresh container. Only an image that
// passes is written as image.tar.
//
// Step state (environment variables, working directory, shell) is
// accumulated across steps within a stage and reset between stages.
//
// Example usage:
//
//	result, err := build.Run(ctx, build.Containerd(rt), build.Options{
//	    Pipeline:  p,
//	    Output:    "dist",
//	    Root:      ".",
//	    Cache:     c,
//	    Platforms: []string{"linux/amd64", "linux/arm64"},
//	})
//	if err != nil {
//	    return err
//	}
package build
