package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/opencontainers/go-digest"
)

const (

	// Snapshotter used when none is configured. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing kilnd to run as a regular user.
	DefaultSnapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter for container filesystems.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. An
// empty snapshotter selects [DefaultSnapshotter]. The runtime must be
// closed when no longer needed.
func New(address, namespace, snapshotter string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}
	return &Runtime{client: client, snapshotter: snapshotter}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Returns a stable identity for a base image on the given platform.
//
// Registry references are pulled and resolved to the digest of their root
// descriptor, so a moved tag yields a new identity. Local archives are
// identified by the digest of the archive file.
func (rt *Runtime) ResolveBase(ctx context.Context, base, platform string) (digest.Digest, error) {
	if path, ok := strings.CutPrefix(base, pipeline.ArchivePrefix); ok {
		f, err := os.Open(path)
		if err != nil {
			return "", errs.Wrap(ErrRuntime, err)
		}
		defer f.Close()
		d, err := digest.FromReader(f)
		if err != nil {
			return "", errs.Wrap(ErrRuntime, err)
		}
		return d, nil
	}

	img, err := rt.pull(ctx, base, platform)
	if err != nil {
		return "", err
	}
	return img.Target().Digest, nil
}

// Starts a container from a base image for the target platform.
//
// A base of the form "oci-archive:<path>" is imported into containerd's
// content store and tagged with a deterministic name derived from the path.
// Any other base is parsed as a registry reference and pulled. The layers
// for the target platform are unpacked into the snapshotter, a container is
// created with a fresh snapshot, and a long-running task (sleep infinity)
// is started so that subsequent Exec calls have a running process to attach
// to. Any existing container with the same ID is removed before the new one
// is created. Building for a platform other than the host requires QEMU /
// binfmt_misc support in the kernel. Stage bases must therefore provide
// sleep, and /bin/sh for run steps and path checks.
func (rt *Runtime) StartContainer(ctx context.Context, base, id, platform string) (*Container, error) {
	var tag string
	if path, ok := strings.CutPrefix(base, pipeline.ArchivePrefix); ok {
		tag = imageTag(path)
		if err := rt.ImportImage(ctx, path, tag, platform); err != nil {
			return nil, err
		}
	} else {
		img, err := rt.pull(ctx, base, platform)
		if err != nil {
			return nil, err
		}
		tag = img.Name()
	}

	return rt.StartFromTag(ctx, tag, id, platform)
}

// Pulls a registry image and unpacks it for the target platform.
func (rt *Runtime) pull(ctx context.Context, ref, platform string) (containerd.Image, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return nil, errs.Wrapf(ErrPull, "%s: %w", ref, err)
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	img, err := rt.client.Pull(ctx, named.String(),
		containerd.WithPlatformMatcher(platforms.Only(p)),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	if err != nil {
		return nil, errs.Wrapf(ErrPull, "%s: %w", named, err)
	}

	slog.Debug("image pulled", "ref", named.String(), "platform", platform, "digest", img.Target().Digest)
	return img, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// Import returns one record per image in the archive's index.json.
	// A multi-platform archive has a single entry (an OCI index that
	// internally references per-platform manifests); platform selection
	// happens later via resolveImage.
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
//
// Multi-platform images contain manifests for multiple architectures. This
// method selects one, so that subsequent operations target the correct
// architecture.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the default OCI platform for the host architecture.
func DefaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Imports an OCI archive, tags it under the given name, and unpacks it for
// the target platform.
func (rt *Runtime) ImportImage(ctx context.Context, path, tag, platform string) error {
	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("image imported", "tag", tag, "platform", platform)
	return nil
}

// Starts a container from a previously imported or pulled image.
//
// Any stale container with the same ID is cleaned up first. The container
// runs detached with a long-running task.
func (rt *Runtime) StartFromTag(ctx context.Context, tag, id, platform string) (*Container, error) {
	c := rt.handle(id, platform)

	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image, idleCommand...)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", tag, "platform", platform)
	return c, nil
}

// Removes an image and all containers created from it.
//
// Containers are discovered by querying containerd for records whose image
// field matches the tag. Each container's task is killed before the container
// and its snapshot are deleted.
func (rt *Runtime) DestroyImage(ctx context.Context, tag string) error {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", tag))
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	for _, ctr := range ctrs {
		if task, taskErr := ctr.Task(ctx, nil); taskErr == nil {
			task.Kill(ctx, syscall.SIGKILL)
			task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			return errs.Wrap(ErrRuntime, err)
		}
	}

	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("image destroyed", "tag", tag)
	return nil
}

// Returns a handle for an existing container.
//
// The container is not loaded or verified; the handle is a lightweight
// reference that resolves the container lazily on subsequent calls.
func (rt *Runtime) Container(id, platform string) *Container {
	return rt.handle(id, platform)
}

func (rt *Runtime) handle(id, platform string) *Container {
	if platform == "" {
		platform = DefaultPlatform()
	}
	return &Container{
		client:      rt.client,
		id:          id,
		platform:    platform,
		snapshotter: rt.snapshotter,
	}
}
