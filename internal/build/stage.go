package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path"
	"path/filepath"
	"strings"

	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/kilnhq/kilnd/internal/toolchain"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
)

// Execution of a single stage on one platform.
type stageRun struct {
	p          *platformBuild
	stage      pipeline.Stage
	toolchains []pipeline.Toolchain // Effective toolchains, install path resolved.
	isImage    bool                 // Stage whose filesystem becomes the image.
	ctr        Container
}

// What a stage produced.
type stageOutput struct {
	key       digest.Digest
	cached    bool
	artifacts []cache.Artifact
}

func newStageRun(p *platformBuild, stage pipeline.Stage) *stageRun {
	r := &stageRun{
		p:       p,
		stage:   stage,
		isImage: stage.Name == p.pipeline.Image.Stage,
	}
	for _, name := range stage.Toolchains {
		tc, _ := p.pipeline.Toolchain(name)
		r.toolchains = append(r.toolchains, effectiveToolchain(tc, p.opts.ToolchainRoot))
	}
	return r
}

// Applies the toolchain root override.
func effectiveToolchain(tc pipeline.Toolchain, root string) pipeline.Toolchain {
	if root != "" {
		tc.Path = path.Join(root, tc.Name)
	}
	return tc
}

// Runs the stage: consult the cache, otherwise start a container, install
// toolchains, execute the steps, and extract the ports. The image stage is
// never served from the cache and continues with image assembly.
func (r *stageRun) execute(ctx context.Context) (stageOutput, error) {
	var out stageOutput

	key, err := r.cacheKey(ctx)
	if err != nil {
		return out, err
	}
	out.key = key

	if !r.isImage && !r.p.opts.NoCache {
		if rec, ok, err := r.p.opts.Cache.Lookup(ctx, key); err != nil {
			slog.Warn("cache lookup failed", "stage", r.stage.Name, "error", err)
		} else if ok && r.hasAllPorts(rec) {
			slog.Info("stage cached", "stage", r.stage.Name, "platform", r.p.platform, "key", key)
			out.cached = true
			out.artifacts = rec.Artifacts
			return out, nil
		}
	}

	slog.Info("building stage", "stage", r.stage.Name, "platform", r.p.platform, "from", r.stage.From)

	ctr, err := r.p.rt.StartContainer(ctx, r.stage.From, r.p.containerID("stage-"+r.stage.Name), r.p.platform)
	if err != nil {
		return out, errs.Wrapf(ErrProvisioning, "start container from %s: %w", r.stage.From, err)
	}
	r.ctr = ctr
	defer ctr.Destroy(context.WithoutCancel(ctx))

	if err := r.installToolchains(ctx); err != nil {
		return out, err
	}

	if err := r.executeSteps(ctx); err != nil {
		return out, err
	}

	artifacts, err := r.extractPorts(ctx)
	if err != nil {
		return out, err
	}
	out.artifacts = artifacts

	if r.isImage {
		if err := r.assembleImage(ctx); err != nil {
			return out, err
		}
		return out, nil
	}

	rec := &cache.Record{Key: key, Stage: r.stage.Name, Artifacts: artifacts}
	if err := r.p.opts.Cache.Record(rec); err != nil {
		slog.Warn("failed to record stage in cache", "stage", r.stage.Name, "error", err)
	}

	return out, nil
}

// Reports whether rec holds an artifact for every declared port.
func (r *stageRun) hasAllPorts(rec *cache.Record) bool {
	for _, port := range r.stage.Outputs {
		if _, ok := rec.Artifact(port.Name); !ok {
			return false
		}
	}
	return true
}

// Computes the cache key from everything that determines the stage's
// outputs.
func (r *stageRun) cacheKey(ctx context.Context) (digest.Digest, error) {
	base, err := r.p.rt.ResolveBase(ctx, r.stage.From, r.p.platform)
	if err != nil {
		return "", errs.Wrapf(ErrProvisioning, "resolve base %s: %w", r.stage.From, err)
	}

	in := cache.Inputs{
		Stage:    r.stage.Name,
		Base:     base.String(),
		Platform: r.p.platform,
		Env:      r.environment(),
		Steps: struct {
			Toolchains []pipeline.Toolchain `json:"toolchains"`
			Steps      []pipeline.Step      `json:"steps"`
		}{r.toolchains, r.stage.Steps},
		Outputs: make(map[string]string, len(r.stage.Outputs)),
	}
	for _, tc := range r.toolchains {
		in.Toolchains = append(in.Toolchains, digest.Digest(tc.Digest))
	}
	for _, port := range r.stage.Outputs {
		in.Outputs[port.Name] = port.Path
	}

	for _, step := range r.stage.Steps {
		if step.Copy == nil {
			continue
		}
		if step.Copy.IsStageCopy() {
			a, ok := r.p.artifact(step.Copy.From, step.Copy.Artifact)
			if !ok {
				return "", errs.Wrapf(ErrAssembly, "artifact %s.%s is not available", step.Copy.From, step.Copy.Artifact)
			}
			in.Artifacts = append(in.Artifacts, a.Digest)
			continue
		}
		h, err := cache.HashPath(r.hostPath(step.Copy.Src))
		if err != nil {
			return "", errs.Wrap(ErrCopy, err)
		}
		in.Sources = append(in.Sources, h)
	}

	return in.Key()
}

// Returns the environment every step of the stage starts with: stage env,
// extra build env for builder stages, toolchain env, and toolchain bin
// directories prepended to PATH.
func (r *stageRun) environment() map[string]string {
	env := make(map[string]string, len(r.stage.Env))
	maps.Copy(env, r.stage.Env)
	if !r.isImage {
		maps.Copy(env, r.p.opts.Env)
	}

	var bins []string
	for _, tc := range r.toolchains {
		maps.Copy(env, tc.Env)
		if bin := tc.BinDir(); bin != "" {
			bins = append(bins, bin)
		}
	}
	if len(bins) > 0 {
		base := "${PATH}"
		if v, ok := env["PATH"]; ok {
			base = v
		}
		env["PATH"] = strings.Join(lo.Uniq(bins), ":") + ":" + base
	}
	return env
}

// Resolves a build context path on the host.
func (r *stageRun) hostPath(src string) string {
	return filepath.Join(r.p.opts.Root, filepath.FromSlash(src))
}

// Fetches each toolchain and unpacks it into the stage.
func (r *stageRun) installToolchains(ctx context.Context) error {
	for _, tc := range r.toolchains {
		if err := r.installToolchain(ctx, tc); err != nil {
			return errs.Wrapf(ErrToolchainBootstrap, "toolchain %s: %w", tc.Name, err)
		}
	}
	return nil
}

func (r *stageRun) installToolchain(ctx context.Context, tc pipeline.Toolchain) error {
	archive, err := r.p.opts.Toolchains.Fetch(ctx, tc)
	if err != nil {
		return err
	}

	stream, err := archive.Stream(ctx, r.p.opts.Cache)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := r.ctr.CopyTo(ctx, stream, toolchain.StagingDir); err != nil {
		return err
	}

	script, err := archive.InstallScript(tc)
	if err != nil {
		return err
	}

	slog.Info("installing toolchain", "stage", r.stage.Name, "toolchain", tc.Name, "version", tc.Version, "path", tc.Path)

	result, err := r.ctr.Exec(ctx, defaultShell, script, nil, "")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("extract exited with code %d: %s", result.ExitCode, tail(result.Stderr))
	}
	return nil
}

// Copies every declared port out of the container into the artifact store.
func (r *stageRun) extractPorts(ctx context.Context) ([]cache.Artifact, error) {
	artifacts := make([]cache.Artifact, 0, len(r.stage.Outputs))
	for _, port := range r.stage.Outputs {
		a, err := r.extractPort(ctx, port)
		if err != nil {
			return nil, errs.Wrapf(ErrAssembly, "output %s (%s): %w", port.Name, port.Path, err)
		}
		slog.Debug("artifact extracted", "stage", r.stage.Name, "port", port.Name, "digest", a.Digest)
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func (r *stageRun) extractPort(ctx context.Context, port pipeline.Port) (cache.Artifact, error) {
	pr, pw := io.Pipe()

	errc := make(chan error, 1)
	go func() {
		err := r.ctr.CopyFrom(ctx, pw, port.Path)
		pw.CloseWithError(err)
		errc <- err
	}()

	a, err := r.p.opts.Cache.Put(ctx, port.Name, pr)

	// Drain trailing padding so the archiver inside the container can exit.
	_, _ = io.Copy(io.Discard, pr)
	if cerr := <-errc; cerr != nil {
		return cache.Artifact{}, cerr
	}
	if err != nil {
		return cache.Artifact{}, err
	}
	return a, nil
}

// Returns the last lines of command output for error messages.
func tail(s string) string {
	const limit = 2048
	s = strings.TrimSpace(s)
	if len(s) > limit {
		s = "..." + s[len(s)-limit:]
	}
	return s
}
