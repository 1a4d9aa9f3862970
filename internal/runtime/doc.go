// Package runtime manages build containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and starts containers from
// either a registry reference, which is pulled for the target platform, or
// a local OCI archive named with the "oci-archive:" prefix, which is
// imported and tagged with a deterministic hash of its path. Containers use
// the configured snapshotter and run "sleep infinity" so that commands can
// be attached as additional execs.
//
// Each [Container] wraps a running containerd task. Commands can be
// executed inside the container, files can be copied in and out as tar
// streams, and the final filesystem state can be committed and exported as
// a new OCI archive with the runtime configuration applied. An exported
// archive can be imported again and exercised with [Runtime.VerifyImage]
// before it is published. When a container is no longer needed it should
// be destroyed to release its snapshot and task resources.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "kilnd", "overlayfs")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, "docker.io/library/ubuntu:22.04", "build-1", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, "/bin/sh", "echo hello", nil, "")
//	if err != nil {
//	    return err
//	}
//
//	desc, err := ctr.Export(ctx, "out/image.tar", runtime.ImageConfig{Entrypoint: []string{"/app"}})
package runtime
