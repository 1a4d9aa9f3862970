package runtime

import (
	"context"
	"io"
	"path"

	"github.com/kilnhq/kilnd/internal/errs"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Copies a tar stream into the container's filesystem.
//
// The contents of r are extracted into destDir by piping them to "tar xf - -C
// destDir" inside the container. destDir is created first.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	if err := c.MkdirAll(ctx, destDir); err != nil {
		return err
	}
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Copies a path from the container's filesystem as a tar stream.
//
// The file or directory at p is archived by running "tar cf - -C <dir>
// <base>" inside the container and streaming the output to w. Entry names
// are rooted at the base name of p.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Reports whether p exists inside the container. Dangling symlinks count
// as existing.
func (c *Container) Exists(ctx context.Context, p string) (bool, error) {
	exitCode, stderr, err := c.execCommand(ctx, nil, nil, nil, "", "/bin/sh", "-c", `test -e "$1" || test -L "$1"`, "sh", p)
	if err != nil {
		return false, err
	}
	switch exitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, errs.Wrapf(ErrRuntime, "test %s failed with exit code %d (%s)", p, exitCode, stderr)
}

// Helper method that runs a command inside the container, returning an error
// that includes desc if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return errs.Wrapf(ErrRuntime, "%s failed with exit code %d (%s)", desc, exitCode, stderr)
	}
	return nil
}
