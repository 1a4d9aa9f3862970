package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Holds shared state for building all stages of a pipeline for one
// platform.
type platformBuild struct {
	rt       Runtime
	opts     Options
	pipeline *pipeline.Pipeline
	platform string
	buildID  string   // Distinguishes concurrent builds of the same resource.
	output   string   // Platform output directory.
	order    []string // Stages to build, in topological order.
	states   *stateTable
	sem      *semaphore.Weighted

	mu        sync.Mutex
	artifacts map[string]map[string]cache.Artifact // Stage to port to artifact.
	reports   map[string]*StageReport
	image     *imageOutcome

	done map[string]chan struct{} // Closed when the stage reaches a terminal state.
}

// Creates a [platformBuild] for the given platform.
func newPlatformBuild(rt Runtime, opts Options, platform, buildID string) *platformBuild {
	return &platformBuild{
		rt:        rt,
		opts:      opts,
		pipeline:  opts.Pipeline,
		platform:  platform,
		buildID:   buildID,
		output:    platformOutput(opts, platform),
		sem:       semaphore.NewWeighted(int64(opts.MaxParallel)),
		artifacts: make(map[string]map[string]cache.Artifact),
		reports:   make(map[string]*StageReport),
	}
}

// Builds every stage the image depends on, then the image.
//
// A stage starts once all stages it copies from are Complete. When a stage
// fails, the stages depending on it never start and remain Pending; stages
// already executing are cancelled.
func (p *platformBuild) run(ctx context.Context) (PlatformResult, error) {
	slog.Info("building platform", "platform", p.platform)

	if err := p.prepareOutput(); err != nil {
		return p.result(), err
	}

	graph := p.pipeline.Graph()
	order, err := graph.TopologicalSort()
	if err != nil {
		return p.result(), err
	}

	needed := graph.Ancestors(p.pipeline.Image.Stage)
	p.order = lo.Filter(order, func(s string, _ int) bool { return lo.Contains(needed, s) })
	for _, s := range order {
		if !lo.Contains(needed, s) {
			slog.Warn("stage does not contribute to the image; skipping", "stage", s, "platform", p.platform)
		}
	}

	p.states = newStateTable(p.order)
	p.done = make(map[string]chan struct{}, len(p.order))
	for _, s := range p.order {
		p.done[s] = make(chan struct{})
		p.reports[s] = &StageReport{Name: s, State: StatePending}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range p.order {
		stage, _ := p.pipeline.Stage(name)
		deps := graph.Dependencies(name)
		g.Go(func() error {
			return p.schedule(gctx, stage, deps)
		})
	}

	err = g.Wait()
	return p.result(), err
}

// Waits for the stage's dependencies, then executes it within the
// parallelism bound.
func (p *platformBuild) schedule(ctx context.Context, stage pipeline.Stage, deps []string) error {
	defer close(p.done[stage.Name])

	for _, dep := range deps {
		select {
		case <-p.done[dep]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.states.get(dep) != StateComplete {
			slog.Debug("stage blocked by failed dependency", "stage", stage.Name, "dependency", dep)
			return nil
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return p.execute(ctx, stage)
}

// Runs one stage through the state machine.
func (p *platformBuild) execute(ctx context.Context, stage pipeline.Stage) error {
	if err := p.states.transition(stage.Name, StateExecuting); err != nil {
		return errs.Wrap(ErrBuild, err)
	}
	p.setState(stage.Name, StateExecuting)

	start := time.Now()
	run := newStageRun(p, stage)
	out, err := run.execute(ctx)

	final := StateComplete
	if err != nil {
		final = StateFailed
	}
	if terr := p.states.transition(stage.Name, final); terr != nil {
		return errs.Wrap(ErrBuild, terr)
	}

	p.mu.Lock()
	report := p.reports[stage.Name]
	report.State = final
	report.Duration = time.Since(start)
	report.Key = out.key
	report.Cached = out.cached
	report.Artifacts = out.artifacts
	if err != nil {
		report.Error = err.Error()
	} else {
		p.artifacts[stage.Name] = lo.KeyBy(out.artifacts, func(a cache.Artifact) string { return a.Port })
	}
	p.mu.Unlock()

	if err != nil {
		if isCancellation(err) {
			slog.Warn("stage cancelled", "stage", stage.Name, "platform", p.platform)
		} else {
			slog.Error("stage failed", "stage", stage.Name, "platform", p.platform, "error", err)
		}
		return fmt.Errorf("stage %q: %w", stage.Name, err)
	}

	slog.Info("stage complete", "stage", stage.Name, "platform", p.platform, "cached", out.cached, "duration", report.Duration.Round(time.Millisecond))
	return nil
}

func (p *platformBuild) setState(stage string, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports[stage].State = s
}

// Returns the artifact a completed stage published on port.
func (p *platformBuild) artifact(stage, port string) (cache.Artifact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.artifacts[stage][port]
	return a, ok
}

// Ensures the output directory exists and removes images left by earlier
// runs, so a failed run never leaves a stale image behind.
func (p *platformBuild) prepareOutput() error {
	if err := os.MkdirAll(p.output, paths.DefaultDirMode); err != nil {
		return errs.Wrap(ErrFileSystemOperation, err)
	}
	for _, name := range []string{ImageFilename, RejectedImageFilename, UnverifiedImageFilename, heldImageFilename} {
		if err := os.Remove(filepath.Join(p.output, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errs.Wrap(ErrFileSystemOperation, err)
		}
	}
	return nil
}

// Moves a held image to its final name.
func (p *platformBuild) promote() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	img := p.image
	if img == nil || img.final == "" {
		return nil
	}
	if err := os.Rename(img.path, img.final); err != nil {
		return errs.Wrap(ErrFileSystemOperation, err)
	}
	img.path, img.final = img.final, ""

	slog.Info("image written", "platform", p.platform, "path", img.path, "digest", img.digest, "verified", !img.verification.Skipped)
	return nil
}

// Removes the platform's image unless it was rejected. The verification
// outcome stays in the result.
func (p *platformBuild) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	img := p.image
	if img == nil || img.path == "" || filepath.Base(img.path) == RejectedImageFilename {
		return
	}
	if err := os.Remove(img.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove image", "path", img.path, "error", err)
	}
	slog.Info("image discarded", "platform", p.platform, "path", img.path)
	img.path, img.final, img.digest = "", "", ""
}

// Snapshot of the platform outcome.
func (p *platformBuild) result() PlatformResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr := PlatformResult{Platform: p.platform}
	for _, s := range p.order {
		pr.Stages = append(pr.Stages, *p.reports[s])
	}
	if p.image != nil {
		pr.Image = p.image.path
		pr.Digest = p.image.digest
		pr.Verification = p.image.verification
	}
	return pr
}

// Returns a unique container ID for a stage, scoped to this build and
// platform.
func (p *platformBuild) containerID(suffix string) string {
	return fmt.Sprintf("%s-%s-%s-%s", p.opts.Resource, p.buildID, platformSlug(p.platform), suffix)
}
