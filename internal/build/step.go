package build

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
)

// Executes the stage's steps in order against its container.
func (r *stageRun) executeSteps(ctx context.Context) error {
	state := newStepState(r.environment())
	for i, step := range r.stage.Steps {
		if err := r.executeStep(ctx, step, state); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Executes a single step, dispatching to operation execution or state
// mutation depending on the step's fields.
func (r *stageRun) executeStep(ctx context.Context, step pipeline.Step, state *stepState) error {
	if step.IsModifier() {
		state.apply(step)
		return nil
	}
	return r.executeOperation(ctx, step, state)
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified. A failed run step is classified by
// its phase; a failed copy is an assembly failure.
func (r *stageRun) executeOperation(ctx context.Context, step pipeline.Step, state *stepState) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := r.ctr.MkdirAll(ctx, resolved.workdir); err != nil {
			return errs.Wrap(phaseError(step.EffectivePhase()), err)
		}
	}

	switch {
	case step.Run != "":
		phase := step.EffectivePhase()
		slog.Debug("run", "stage", r.stage.Name, "phase", phase, "command", step.Run, "shell", resolved.shell)
		result, err := r.ctr.Exec(ctx, resolved.shell, step.Run, resolved.environ(), resolved.workdir)
		if err != nil {
			return errs.Wrap(phaseError(phase), err)
		}
		if result.ExitCode != 0 {
			return errs.Wrapf(phaseError(phase), "exit code %d: %s", result.ExitCode, tail(result.Stderr))
		}

	case step.Copy != nil:
		if err := r.executeCopy(ctx, *step.Copy, resolved.workdir); err != nil {
			return errs.Wrap(ErrAssembly, err)
		}
	}

	return nil
}
