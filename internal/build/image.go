package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/kilnhq/kilnd/internal/runtime"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
)

// Label carrying the pipeline name in the exported image config.
const titleLabel = "org.opencontainers.image.title"

// Name of an accepted image waiting for the other platforms.
const heldImageFilename = ".held-image.tar"

// What the image stage produced.
type imageOutcome struct {
	path         string // Where the archive is now.
	final        string // Where a held archive goes once promoted.
	digest       digest.Digest
	verification *Verification
}

// Turns the finished image stage into the platform's image archive.
//
// The stage is scanned for forbidden paths, committed and exported into a
// staging directory, and self-tested. The archive is renamed into the
// output directory only after that. A rejected image is written under its
// verdict name at once; an accepted one is held until the whole build
// succeeds, so an interrupted or failed build never leaves image.tar
// behind.
func (r *stageRun) assembleImage(ctx context.Context) error {
	if err := r.checkForbidden(ctx); err != nil {
		return err
	}

	if err := r.ctr.Stop(ctx); err != nil {
		return errs.Wrap(ErrAssembly, err)
	}

	staging, err := os.MkdirTemp(r.p.output, ".staging-")
	if err != nil {
		return errs.Wrap(ErrFileSystemOperation, err)
	}
	defer os.RemoveAll(staging)

	staged := filepath.Join(staging, ImageFilename)
	desc, err := r.ctr.Export(ctx, staged, r.imageConfig())
	if err != nil {
		return errs.Wrap(ErrAssembly, err)
	}

	verification, verr := r.verify(ctx, staged)

	name := ImageFilename
	switch {
	case verification.Skipped:
		name = UnverifiedImageFilename
	case verr != nil:
		name = RejectedImageFilename
	}

	// A cancelled self-test says nothing about the image.
	if verr != nil && isCancellation(verr) {
		return verr
	}

	outcome := &imageOutcome{digest: desc.Digest, verification: verification}
	if verr != nil {
		outcome.path = filepath.Join(r.p.output, name)
	} else {
		outcome.path = filepath.Join(r.p.output, heldImageFilename)
		outcome.final = filepath.Join(r.p.output, name)
	}

	if err := os.Rename(staged, outcome.path); err != nil {
		return errs.Wrap(ErrFileSystemOperation, err)
	}

	r.p.mu.Lock()
	r.p.image = outcome
	r.p.mu.Unlock()

	if verr != nil {
		slog.Error("image rejected", "platform", r.p.platform, "path", outcome.path, "error", verr)
		return verr
	}

	slog.Debug("image accepted", "platform", r.p.platform, "digest", desc.Digest)
	return nil
}

// Fails when any toolchain install path or declared forbidden path exists
// in the image stage.
func (r *stageRun) checkForbidden(ctx context.Context) error {
	forbidden := lo.Map(r.p.pipeline.Toolchains, func(tc pipeline.Toolchain, _ int) string {
		return effectiveToolchain(tc, r.p.opts.ToolchainRoot).Path
	})
	forbidden = lo.Uniq(append(forbidden, r.p.pipeline.Image.Forbid...))

	var present []string
	for _, p := range forbidden {
		ok, err := r.ctr.Exists(ctx, p)
		if err != nil {
			return errs.Wrapf(ErrAssembly, "check %s: %w", p, err)
		}
		if ok {
			present = append(present, p)
		}
	}

	if len(present) > 0 {
		return errs.Wrapf(ErrAssembly, "forbidden paths present in image: %s", strings.Join(present, ", "))
	}
	return nil
}

// Returns the runtime configuration of the exported image.
func (r *stageRun) imageConfig() runtime.ImageConfig {
	img := r.p.pipeline.Image

	env := make([]string, 0, len(img.Env)+1)
	for _, k := range slices.Sorted(maps.Keys(img.Env)) {
		env = append(env, k+"="+img.Env[k])
	}
	if len(img.Path) > 0 {
		env = append(env, "PATH="+strings.Join(img.Path, ":")+":${PATH}")
	}

	return runtime.ImageConfig{
		Entrypoint: img.Entrypoint,
		Env:        env,
		WorkingDir: img.Workdir,
		Labels:     map[string]string{titleLabel: r.p.pipeline.Name},
		History:    fmt.Sprintf("kilnd pipeline %s stage %s", r.p.pipeline.Name, r.stage.Name),
	}
}

// Runs the entrypoint self-test against the staged archive.
//
// Returns an error wrapping [ErrStartupVerification] when the command
// cannot run, times out, or exits non-zero.
func (r *stageRun) verify(ctx context.Context, archive string) (*Verification, error) {
	img := r.p.pipeline.Image
	v := &Verification{Command: img.VerifyCommand()}

	if r.p.opts.SkipVerify {
		slog.Warn("self-test skipped", "platform", r.p.platform)
		v.Skipped = true
		return v, nil
	}

	timeout := img.Verify.TimeoutOr(r.p.opts.VerifyTimeout)
	slog.Info("verifying image", "platform", r.p.platform, "command", v.Command, "timeout", timeout)

	start := time.Now()
	result, err := r.p.rt.VerifyImage(ctx, archive, r.p.containerID("verify"), r.p.platform, v.Command, timeout)
	v.Duration = time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
		v.ExitCode = -1
		if errors.Is(err, runtime.ErrVerifyTimeout) {
			return v, errs.Wrapf(ErrStartupVerification, "entrypoint did not exit within %s", timeout)
		}
		return v, errs.Wrap(ErrStartupVerification, err)
	}

	v.ExitCode = result.ExitCode
	v.Stdout = result.Stdout
	v.Stderr = result.Stderr
	if result.ExitCode != 0 {
		return v, errs.Wrapf(ErrStartupVerification, "entrypoint exited with code %d: %s", result.ExitCode, tail(result.Stderr))
	}

	v.Passed = true
	return v, nil
}
