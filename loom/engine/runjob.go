package engine

import (
	"context"
	"errors"
	"time"

	"github.com/loomci/core/loom/models"
	"github.com/loomci/core/loom/secrets"
)

// jobLifecycle is implemented by runners that prepare per-job state
// (a workspace volume, a pulled image) before steps execute.
type jobLifecycle interface {
	SetupJob(ctx context.Context, runID models.RunId, jobID string) error
	TeardownJob(ctx context.Context, runID models.RunId, jobID string) error
}

// runJob executes a job's steps sequentially and takes the job's
// running -> terminal transition. It runs in its own goroutine; the
// scheduling loop has already marked the job running.
func (e *Engine) runJob(ctx context.Context, ar *activeRun, id string) {
	l := e.l.With("run", ar.run.ID, "job", id)

	jobCtx := ctx
	if timeout := e.cfg.Runs.JobTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, exitCode, err := e.runSteps(jobCtx, ar, id)

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimedOut):
			err = ErrTimedOut
			status = models.JobFailed
		case ctx.Err() != nil:
			status = models.JobCancelled
		}
	}

	ar.mu.Lock()
	jr := ar.run.Job(id)
	jr.Status = status
	jr.FinishedAt = time.Now()
	jr.ExitCode = exitCode
	if err != nil && status == models.JobFailed {
		jr.Error = err.Error()
	}
	e.persist(ar)
	finished := ar.run.Clone()
	ar.mu.Unlock()

	l.Info("job finished", "status", status, "exit_code", exitCode)
	e.external.JobFinished(context.WithoutCancel(ctx), finished, finished.Job(id))

	poke(ar)
}

func (e *Engine) runSteps(ctx context.Context, ar *activeRun, id string) (models.JobStatus, int, error) {
	job := ar.def.Job(id)
	run := ar.run

	logger, err := models.NewRunLogger(e.cfg.Runs.LogDir, run.ID, id)
	if err != nil {
		return models.JobFailed, -1, err
	}
	defer logger.Close()

	// secrets live only inside this job's execution context; the
	// snapshot is taken once and never written anywhere
	var unlocked []secrets.UnlockedSecret
	if job.Environment != "" {
		unlocked, err = e.secrets.ResolveAll(ctx, job.Environment)
		if err != nil {
			return models.JobFailed, -1, err
		}
	}

	if lc, ok := e.runner.(jobLifecycle); ok {
		if err := lc.SetupJob(ctx, run.ID, id); err != nil {
			return models.JobFailed, -1, err
		}
		defer lc.TeardownJob(context.WithoutCancel(ctx), run.ID, id)
	}

	var (
		failed   bool
		lastExit int
		lastErr  error
	)

	for idx, step := range job.Steps {
		env := MergeEnvs(ar.def.Env, job.Env, step.Env)
		env.AddEnv("LOOM_WORKFLOW", ar.def.Name)
		env.AddEnv("LOOM_RUN_ID", string(run.ID))
		env.AddEnv("LOOM_JOB_ID", id)
		env.AddEnv("CI", "true")
		env.AddSecrets(unlocked)

		logger.Control(idx, models.StepRunning)
		started := time.Now()

		outcome, err := e.runner.RunStep(ctx, StepRequest{
			RunID:  run.ID,
			JobID:  id,
			Index:  idx,
			Step:   step,
			Env:    env,
			Stdout: logger.DataWriter(idx, "stdout"),
			Stderr: logger.DataWriter(idx, "stderr"),
		})

		status := models.StepSucceeded
		switch {
		case err != nil && errors.Is(ctx.Err(), context.Canceled):
			status = models.StepCancelled
		case err != nil || outcome.ExitCode != 0:
			status = models.StepFailed
		}
		logger.Control(idx, status)

		result := models.StepResult{
			Name:     step.DisplayName(),
			Status:   status,
			ExitCode: outcome.ExitCode,
			Output:   models.OutputRef{LogPath: logger.Path(), Step: idx},
			Duration: time.Since(started),
		}

		ar.mu.Lock()
		jr := run.Job(id)
		jr.Steps = append(jr.Steps, result)
		e.persist(ar)
		ar.mu.Unlock()

		if status == models.StepCancelled {
			return models.JobCancelled, outcome.ExitCode, ctx.Err()
		}
		if status == models.StepFailed && !step.ContinueOnError {
			failed = true
			lastExit = outcome.ExitCode
			lastErr = &StepExecutionError{Step: step.DisplayName(), ExitCode: outcome.ExitCode, Cause: err}
			break
		}
	}

	if failed {
		return models.JobFailed, lastExit, lastErr
	}
	return models.JobSucceeded, 0, nil
}
