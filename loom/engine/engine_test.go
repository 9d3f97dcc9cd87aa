package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomci/core/loom/config"
	"github.com/loomci/core/loom/db"
	"github.com/loomci/core/loom/models"
	"github.com/loomci/core/loom/secrets"
	"github.com/loomci/core/notifier"
	"github.com/loomci/core/workflow"
)

// fakeRunner interprets step commands instead of executing them:
// "fail" exits non-zero, "block" parks until released or cancelled,
// anything else succeeds. It records dispatch order and the peak
// number of concurrently running steps.
type fakeRunner struct {
	release chan struct{}

	mu      sync.Mutex
	started []string
	steps   []string // "job/index" in execution order
	running int
	maxSeen int
	envs    map[string]EnvVars
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		release: make(chan struct{}),
		envs:    make(map[string]EnvVars),
	}
}

func (r *fakeRunner) RunStep(ctx context.Context, req StepRequest) (StepOutcome, error) {
	r.mu.Lock()
	if req.Index == 0 {
		r.started = append(r.started, req.JobID)
	}
	r.steps = append(r.steps, fmt.Sprintf("%s/%d", req.JobID, req.Index))
	r.running++
	if r.running > r.maxSeen {
		r.maxSeen = r.running
	}
	r.envs[req.JobID] = req.Env
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	switch req.Step.Run {
	case "fail":
		fmt.Fprintln(req.Stderr, "boom")
		return StepOutcome{ExitCode: 1}, nil
	case "block":
		select {
		case <-r.release:
			return StepOutcome{}, nil
		case <-ctx.Done():
			return StepOutcome{ExitCode: -1}, ctx.Err()
		}
	default:
		fmt.Fprintln(req.Stdout, req.Step.Run)
		return StepOutcome{}, nil
	}
}

func (r *fakeRunner) startedJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func newTestEngine(t *testing.T, runner Runner, tweak func(*config.Runs)) *Engine {
	t.Helper()

	dir := t.TempDir()
	d, err := db.Make(filepath.Join(dir, "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	sm, err := secrets.NewSQLiteManager(filepath.Join(dir, "secrets.db"))
	require.NoError(t, err)
	t.Cleanup(sm.Stop)

	runs := config.Runs{
		MaxConcurrentJobs: 4,
		JobTimeout:        "1m",
		ApprovalWindow:    "0",
		LogDir:            filepath.Join(dir, "logs"),
	}
	if tweak != nil {
		tweak(&runs)
	}

	n := notifier.New()
	return New(context.Background(), d, &n, nil, runner, sm, &config.Config{Runs: runs})
}

func loadDef(t *testing.T, doc string) *workflow.Definition {
	t.Helper()
	def, err := workflow.Load([]byte(doc))
	require.NoError(t, err)
	return def
}

func startRun(t *testing.T, e *Engine, def *workflow.Definition) *models.WorkflowRun {
	t.Helper()
	run, err := e.StartRun(context.Background(), def, workflow.Event{Kind: workflow.EventKindManual, Actor: "tester"})
	require.NoError(t, err)
	return run
}

func waitRun(t *testing.T, e *Engine, id models.RunId) *models.WorkflowRun {
	t.Helper()
	select {
	case <-e.Wait(id):
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	run, err := e.db.GetRun(id)
	require.NoError(t, err)
	return run
}

func jobStatus(t *testing.T, e *Engine, id models.RunId, jobID string) models.JobStatus {
	t.Helper()
	run, err := e.db.GetRun(id)
	require.NoError(t, err)
	return run.Job(jobID).Status
}

func TestRunSucceeds(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: build
on:
  manual: {}
jobs:
  build:
    runs-on: linux
    steps:
      - run: make build
      - run: make test
  publish:
    runs-on: linux
    needs: build
    steps:
      - run: make publish
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunSucceeded, got.Status)
	assert.Equal(t, models.JobSucceeded, got.Job("build").Status)
	assert.Equal(t, models.JobSucceeded, got.Job("publish").Status)
	assert.Len(t, got.Job("build").Steps, 2)
	assert.False(t, got.FinishedAt.IsZero())

	// publish only starts once build is done
	assert.Equal(t, []string{"build", "publish"}, runner.startedJobs())
}

func TestFailurePropagatesAsSkip(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: pipeline
on:
  manual: {}
jobs:
  build:
    runs-on: linux
    steps:
      - run: fail
      - run: make package
  test:
    runs-on: linux
    needs: build
    steps:
      - run: make test
  deploy:
    runs-on: linux
    needs: test
    steps:
      - run: make deploy
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, models.JobFailed, got.Job("build").Status)
	assert.Equal(t, models.JobSkipped, got.Job("test").Status)
	assert.Equal(t, models.JobSkipped, got.Job("deploy").Status)
	assert.Empty(t, got.Job("test").Steps)

	// the failed step aborts the rest of its job
	require.Len(t, got.Job("build").Steps, 1)
	assert.Equal(t, 1, got.Job("build").ExitCode)

	// skipped jobs never reach the runner
	assert.Equal(t, []string{"build"}, runner.startedJobs())
}

func TestIndependentBranchSurvivesFailure(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: fanout
on:
  manual: {}
jobs:
  flaky:
    runs-on: linux
    steps:
      - run: fail
  docs:
    runs-on: linux
    steps:
      - run: make docs
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, models.JobFailed, got.Job("flaky").Status)
	assert.Equal(t, models.JobSucceeded, got.Job("docs").Status)
}

func TestStepsRunSequentially(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: steps
on:
  manual: {}
jobs:
  only:
    runs-on: linux
    steps:
      - run: step one
      - run: step two
      - run: step three
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)
	require.Equal(t, models.RunSucceeded, got.Status)

	runner.mu.Lock()
	steps := append([]string(nil), runner.steps...)
	runner.mu.Unlock()
	assert.Equal(t, []string{"only/0", "only/1", "only/2"}, steps)
}

func TestContinueOnError(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: lint
on:
  manual: {}
jobs:
  check:
    runs-on: linux
    steps:
      - run: fail
        continue-on-error: true
      - run: make build
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunSucceeded, got.Status)
	job := got.Job("check")
	assert.Equal(t, models.JobSucceeded, job.Status)
	require.Len(t, job.Steps, 2)
	assert.Equal(t, models.StepFailed, job.Steps[0].Status)
	assert.Equal(t, 1, job.Steps[0].ExitCode)
	assert.Equal(t, models.StepSucceeded, job.Steps[1].Status)
}

func TestBoundedConcurrency(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, func(r *config.Runs) {
		r.MaxConcurrentJobs = 2
	})

	def := loadDef(t, `
name: matrix
on:
  manual: {}
jobs:
  a:
    runs-on: linux
    steps:
      - run: block
  b:
    runs-on: linux
    steps:
      - run: block
  c:
    runs-on: linux
    steps:
      - run: block
  d:
    runs-on: linux
    steps:
      - run: block
`)

	run := startRun(t, e, def)

	require.Eventually(t, func() bool {
		return len(runner.startedJobs()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// runnable jobs beyond the limit queue in declaration order
	assert.Equal(t, []string{"a", "b"}, runner.startedJobs())

	close(runner.release)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunSucceeded, got.Status)
	runner.mu.Lock()
	maxSeen := runner.maxSeen
	runner.mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestApprovalGate(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	require.NoError(t, e.db.PutEnvironment(models.Environment{
		Name:      "production",
		Approvers: []string{"alice"},
	}))

	def := loadDef(t, `
name: release
on:
  manual: {}
jobs:
  deploy:
    runs-on: linux
    environment: production
    steps:
      - run: make deploy
`)

	run := startRun(t, e, def)

	require.Eventually(t, func() bool {
		return jobStatus(t, e, run.ID, "deploy") == models.JobWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	// unauthorized approvers bounce off, the job stays at the gate
	err := e.SubmitDecision(run.ID, "deploy", "mallory", models.DecisionApprove)
	assert.ErrorIs(t, err, ErrUnauthorizedApprover)
	assert.Equal(t, models.JobWaitingApproval, jobStatus(t, e, run.ID, "deploy"))

	require.NoError(t, e.SubmitDecision(run.ID, "deploy", "alice", models.DecisionApprove))
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunSucceeded, got.Status)
	assert.Equal(t, models.JobSucceeded, got.Job("deploy").Status)

	approvals, err := e.db.GetApprovals(run.ID, "deploy")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "alice", approvals[0].ApproverID)
}

func TestApprovalReject(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	require.NoError(t, e.db.PutEnvironment(models.Environment{
		Name:      "production",
		Approvers: []string{"alice"},
	}))

	def := loadDef(t, `
name: release
on:
  manual: {}
jobs:
  deploy:
    runs-on: linux
    environment: production
    steps:
      - run: make deploy
  announce:
    runs-on: linux
    needs: deploy
    steps:
      - run: make announce
`)

	run := startRun(t, e, def)

	require.Eventually(t, func() bool {
		return jobStatus(t, e, run.ID, "deploy") == models.JobWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.SubmitDecision(run.ID, "deploy", "alice", models.DecisionReject))
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunCancelled, got.Status)
	assert.Equal(t, models.JobCancelled, got.Job("deploy").Status)
	assert.Equal(t, models.JobSkipped, got.Job("announce").Status)
	assert.Empty(t, runner.startedJobs())
}

func TestApprovalWindowExpires(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, func(r *config.Runs) {
		r.ApprovalWindow = "30ms"
	})

	require.NoError(t, e.db.PutEnvironment(models.Environment{
		Name:      "production",
		Approvers: []string{"alice"},
	}))

	def := loadDef(t, `
name: release
on:
  manual: {}
jobs:
  deploy:
    runs-on: linux
    environment: production
    steps:
      - run: make deploy
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunCancelled, got.Status)
	assert.Equal(t, models.JobCancelled, got.Job("deploy").Status)
	assert.Empty(t, runner.startedJobs())
}

func TestDecisionOnNonGatedJob(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: build
on:
  manual: {}
jobs:
  hold:
    runs-on: linux
    steps:
      - run: block
`)

	run := startRun(t, e, def)

	require.Eventually(t, func() bool {
		return len(runner.startedJobs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	err := e.SubmitDecision(run.ID, "hold", "alice", models.DecisionApprove)
	assert.ErrorIs(t, err, ErrNotWaitingApproval)

	err = e.SubmitDecision(run.ID, "nope", "alice", models.DecisionApprove)
	assert.ErrorIs(t, err, ErrUnknownJob)

	close(runner.release)
	waitRun(t, e, run.ID)

	err = e.SubmitDecision(run.ID, "hold", "alice", models.DecisionApprove)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelRun(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, func(r *config.Runs) {
		r.MaxConcurrentJobs = 1
	})

	def := loadDef(t, `
name: long
on:
  manual: {}
jobs:
  first:
    runs-on: linux
    steps:
      - run: block
  second:
    runs-on: linux
    steps:
      - run: make build
`)

	run := startRun(t, e, def)

	require.Eventually(t, func() bool {
		return len(runner.startedJobs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.CancelRun(run.ID))
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunCancelled, got.Status)
	assert.Equal(t, models.JobCancelled, got.Job("first").Status)
	assert.Equal(t, models.JobCancelled, got.Job("second").Status)

	assert.ErrorIs(t, e.CancelRun(run.ID), ErrRunNotFound)
}

func TestJobTimeout(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, func(r *config.Runs) {
		r.JobTimeout = "30ms"
	})

	def := loadDef(t, `
name: slow
on:
  manual: {}
jobs:
  stall:
    runs-on: linux
    steps:
      - run: block
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)

	assert.Equal(t, models.RunFailed, got.Status)
	job := got.Job("stall")
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, ErrTimedOut.Error(), job.Error)
}

func TestSecretsReachJobEnv(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	ctx := context.Background()
	require.NoError(t, e.secrets.AddSecret(ctx, secrets.UnlockedSecret{
		Key:         "DEPLOY_TOKEN",
		Value:       "hunter2",
		Environment: "staging",
	}))

	def := loadDef(t, `
name: deploy
on:
  manual: {}
env:
  REGION: eu-west-1
jobs:
  ship:
    runs-on: linux
    environment: staging
    env:
      REGION: us-east-1
    steps:
      - run: make ship
        env:
          VERBOSE: "1"
`)

	run := startRun(t, e, def)
	got := waitRun(t, e, run.ID)
	require.Equal(t, models.RunSucceeded, got.Status)

	env := runner.envs["ship"]
	assert.Contains(t, env, "DEPLOY_TOKEN=hunter2")
	assert.Contains(t, env, "VERBOSE=1")
	// job scope overrides workflow scope
	assert.Contains(t, env, "REGION=us-east-1")
	assert.NotContains(t, env, "REGION=eu-west-1")
	assert.Contains(t, env, "LOOM_JOB_ID=ship")

	// plaintext never lands in the persisted snapshot
	snapshot, err := e.db.GetRun(run.ID)
	require.NoError(t, err)
	for _, job := range snapshot.Jobs {
		assert.NotContains(t, job.Error, "hunter2")
	}
}

func TestFullyParallelGraph(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: wide
on:
  manual: {}
jobs:
  a:
    runs-on: linux
    steps:
      - run: block
  b:
    runs-on: linux
    steps:
      - run: block
  c:
    runs-on: linux
    steps:
      - run: block
`)

	run := startRun(t, e, def)

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.running == 3
	}, 5*time.Second, 10*time.Millisecond)

	close(runner.release)
	got := waitRun(t, e, run.ID)
	assert.Equal(t, models.RunSucceeded, got.Status)
}

func TestPushToMainPipeline(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	require.NoError(t, e.db.PutEnvironment(models.Environment{
		Name:      "production",
		Approvers: []string{"release-manager"},
	}))

	def := loadDef(t, `
name: ci
run-name: "ci for {{.Ref}}"
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: linux
    steps:
      - run: make build
  test:
    runs-on: linux
    needs: build
    steps:
      - run: make test
  deploy:
    runs-on: linux
    needs: test
    environment: production
    steps:
      - run: make deploy
`)

	event := workflow.Event{Kind: workflow.EventKindPush, Ref: "refs/heads/main", Actor: "dev"}
	require.True(t, def.On.Match(event))

	run, err := e.StartRun(context.Background(), def, event)
	require.NoError(t, err)
	assert.True(t, strings.Contains(run.RunName, "refs/heads/main"))

	require.Eventually(t, func() bool {
		return jobStatus(t, e, run.ID, "deploy") == models.JobWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.JobSucceeded, jobStatus(t, e, run.ID, "build"))
	assert.Equal(t, models.JobSucceeded, jobStatus(t, e, run.ID, "test"))

	require.NoError(t, e.SubmitDecision(run.ID, "deploy", "release-manager", models.DecisionApprove))
	got := waitRun(t, e, run.ID)
	assert.Equal(t, models.RunSucceeded, got.Status)
}

func TestStartRunSnapshotIsPendingState(t *testing.T) {
	runner := newFakeRunner()
	e := newTestEngine(t, runner, nil)

	def := loadDef(t, `
name: snap
on:
  manual: {}
jobs:
  build:
    runs-on: linux
    steps:
      - run: make
`)

	// the scheduler mutates the live run as soon as it starts; the
	// snapshot handed back must be the state before that, every time
	for i := 0; i < 20; i++ {
		run := startRun(t, e, def)
		assert.Equal(t, models.RunPending, run.Status)
		assert.Equal(t, models.JobPending, run.Job("build").Status)
		waitRun(t, e, run.ID)
	}
}
