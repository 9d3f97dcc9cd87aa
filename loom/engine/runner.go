package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/loomci/core/loom/models"
	"github.com/loomci/core/workflow"
)

// StepRequest is one step of one job, with the fully merged
// environment for its execution context.
type StepRequest struct {
	RunID  models.RunId
	JobID  string
	Index  int
	Step   workflow.Step
	Env    EnvVars
	Stdout io.Writer
	Stderr io.Writer
}

type StepOutcome struct {
	ExitCode int
}

// Runner executes a single step inside a job's isolated execution
// context. A non-zero exit code in the outcome is a step failure; a
// non-nil error is an infrastructure problem (context cancelled,
// container runtime unreachable) and also fails the step.
type Runner interface {
	RunStep(ctx context.Context, req StepRequest) (StepOutcome, error)
}

// LocalRunner executes `run` steps as shell subprocesses and `uses`
// steps through the action registry. Each job gets nothing from the
// engine's own environment; only the merged EnvVars are visible.
type LocalRunner struct {
	Shell   string
	Actions *ActionRegistry
}

func NewLocalRunner(actions *ActionRegistry) *LocalRunner {
	return &LocalRunner{Shell: "sh", Actions: actions}
}

func (r *LocalRunner) RunStep(ctx context.Context, req StepRequest) (StepOutcome, error) {
	if req.Step.IsUses() {
		return r.runAction(ctx, req)
	}

	cmd := exec.CommandContext(ctx, r.Shell, "-c", req.Step.Run)
	cmd.Env = req.Env.Slice()
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr

	err := cmd.Run()
	if err == nil {
		return StepOutcome{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return StepOutcome{ExitCode: exitErr.ExitCode()}, nil
	}

	// the process never ran
	return StepOutcome{ExitCode: -1}, err
}

func (r *LocalRunner) runAction(ctx context.Context, req StepRequest) (StepOutcome, error) {
	fn, err := r.Actions.Resolve(req.Step.Uses)
	if err != nil {
		return StepOutcome{ExitCode: -1}, err
	}

	err = fn(ctx, ActionInputs{
		With:   req.Step.With,
		Env:    req.Env,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil {
		fmt.Fprintln(req.Stderr, err)
		return StepOutcome{ExitCode: 1}, nil
	}
	return StepOutcome{ExitCode: 0}, nil
}
