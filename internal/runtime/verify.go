package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/kilnhq/kilnd/internal/errs"
)

// Imports an exported archive and runs args as its container's process.
//
// args replaces the image's entrypoint and becomes the container's only
// process, so the image needs nothing beyond what the entrypoint itself
// needs; no shell or idle command is started. The process sees the image's
// own environment and working directory. A process still running after
// timeout is killed and fails with [ErrVerifyTimeout]. The container and
// the imported image are removed before returning, whatever the outcome.
// A non-zero exit code is returned in the result, not as an error.
func (rt *Runtime) VerifyImage(ctx context.Context, archive, id, platform string, args []string, timeout time.Duration) (*ExecResult, error) {
	tag := "verify/" + imageTag(archive)[len("import/"):]

	if err := rt.ImportImage(ctx, archive, tag, platform); err != nil {
		return nil, err
	}

	cleanup := context.WithoutCancel(ctx)
	defer func() {
		if err := rt.DestroyImage(cleanup, tag); err != nil {
			slog.Warn("failed to remove verification image", "tag", tag, "error", err)
		}
	}()

	c := rt.handle(id, platform)
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image, args...)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}
	defer c.Destroy(cleanup)

	slog.Debug("verifying image", "archive", archive, "command", args, "timeout", timeout)

	return c.runTask(ctx, ctr, timeout)
}

// Runs the container's process to completion and captures its output.
func (c *Container) runTask(ctx context.Context, ctr containerd.Container, timeout time.Duration) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	code, err := awaitTask(ctx, task, timeout)

	// Deleting the task flushes its IO, so the buffers are complete after.
	task.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Starts the task and waits for it to exit, killing it when timeout
// passes or ctx is done first.
func awaitTask(ctx context.Context, task containerd.Task, timeout time.Duration) (int, error) {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}
	if err := task.Start(ctx); err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return 0, errs.Wrap(ErrRuntime, err)
		}
		return int(code), nil
	case <-timer.C:
		task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		<-statusC
		return 0, errs.Wrapf(ErrVerifyTimeout, "no exit after %s", timeout)
	case <-ctx.Done():
		task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return 0, ctx.Err()
	}
}
