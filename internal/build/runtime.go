package build

import (
	"context"
	"io"
	"time"

	"github.com/kilnhq/kilnd/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Container engine used by the build.
type Runtime interface {

	// Returns a stable identity of base on the platform, used in cache keys.
	ResolveBase(ctx context.Context, base, platform string) (digest.Digest, error)

	// Starts a container from base with the given ID.
	StartContainer(ctx context.Context, base, id, platform string) (Container, error)

	// Runs args inside a fresh container of the archived image.
	VerifyImage(ctx context.Context, archive, id, platform string, args []string, timeout time.Duration) (*runtime.ExecResult, error)
}

// A running stage container.
type Container interface {
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	CopyFrom(ctx context.Context, w io.Writer, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Stop(ctx context.Context) error
	Export(ctx context.Context, path string, cfg runtime.ImageConfig) (ocispec.Descriptor, error)
	Destroy(ctx context.Context)
}

// Adapts a containerd runtime to [Runtime].
func Containerd(rt *runtime.Runtime) Runtime {
	return containerdRuntime{rt: rt}
}

type containerdRuntime struct {
	rt *runtime.Runtime
}

func (c containerdRuntime) ResolveBase(ctx context.Context, base, platform string) (digest.Digest, error) {
	return c.rt.ResolveBase(ctx, base, platform)
}

func (c containerdRuntime) StartContainer(ctx context.Context, base, id, platform string) (Container, error) {
	ctr, err := c.rt.StartContainer(ctx, base, id, platform)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}

func (c containerdRuntime) VerifyImage(ctx context.Context, archive, id, platform string, args []string, timeout time.Duration) (*runtime.ExecResult, error) {
	return c.rt.VerifyImage(ctx, archive, id, platform, args, timeout)
}
