package build

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
)

// Executes a copy operation, transferring files into the container.
//
// Stage copies read a port artifact of a completed stage from the artifact
// store. Host copies read from the build context. In both cases the copied
// root entry is named after the base name of the destination, so a copy may
// rename.
func (r *stageRun) executeCopy(ctx context.Context, c pipeline.Copy, workdir string) error {
	dest, err := resolveDest(c.To, workdir)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	if c.IsStageCopy() {
		return r.executeArtifactCopy(ctx, c.From, c.Artifact, dest)
	}
	return r.executeHostCopy(ctx, c.Src, dest)
}

// Copies a port artifact into the container at dest.
func (r *stageRun) executeArtifactCopy(ctx context.Context, stage, port, dest string) error {
	a, ok := r.p.artifact(stage, port)
	if !ok {
		return errs.Wrapf(ErrCopy, "artifact %s.%s is not available", stage, port)
	}

	slog.Debug("artifact copy", "stage", r.stage.Name, "from", stage, "artifact", port, "digest", a.Digest, "dest", dest)

	blob, err := r.p.opts.Cache.Open(ctx, a.Digest)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}
	defer blob.Close()

	stream := cache.Retarget(blob, a.Name, path.Base(dest))
	defer stream.Close()

	if err := r.ctr.CopyTo(ctx, stream, path.Dir(dest)); err != nil {
		return errs.Wrap(ErrCopy, err)
	}
	return nil
}

// Copies a file or directory from the build context into the container.
// A symlinked src is copied as what it points to.
func (r *stageRun) executeHostCopy(ctx context.Context, src, dest string) error {
	hostPath, err := filepath.EvalSymlinks(r.hostPath(src))
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	slog.Debug("copy", "stage", r.stage.Name, "src", hostPath, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		if info.IsDir() {
			writeErr = writeDirToTar(tw, hostPath, path.Base(dest))
		} else {
			writeErr = writeFileToTar(tw, hostPath, path.Base(dest))
		}

		if closeErr := tw.Close(); writeErr == nil {
			writeErr = closeErr
		}
		pw.CloseWithError(writeErr)
	}()

	if err := r.ctr.CopyTo(ctx, pr, path.Dir(dest)); err != nil {
		pr.CloseWithError(err)
		return errs.Wrap(ErrCopy, err)
	}

	return nil
}

// Resolves a copy destination inside the container.
//
// A relative destination is joined with workdir. The result must not be
// the root directory, since the copied entry is named after its base name.
func resolveDest(to, workdir string) (string, error) {
	dest := to
	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", fmt.Errorf("relative dest %q requires workdir", to)
		}
		dest = path.Join(workdir, dest)
	}
	dest = path.Clean(dest)
	if dest == "/" {
		return "", fmt.Errorf("dest %q resolves to the root directory", to)
	}
	return dest, nil
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		archivePath := path.Join(prefix, filepath.ToSlash(relPath))
		return writeTarEntry(tw, p, archivePath, d)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
