package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomci/core/loom/config"
	"github.com/loomci/core/loom/db"
	"github.com/loomci/core/loom/models"
	"github.com/loomci/core/loom/secrets"
	"github.com/loomci/core/log"
	"github.com/loomci/core/notifier"
	"github.com/loomci/core/notify"
	"github.com/loomci/core/workflow"
)

// Engine is the scheduler/executor: it walks each run's dependency
// graph, dispatches runnable jobs onto isolated execution contexts
// bounded by the concurrency limit, holds gated jobs at their
// approval gates, and collects results.
type Engine struct {
	l        *slog.Logger
	db       *db.DB
	n        *notifier.Notifier
	external notify.Notifier
	runner   Runner
	secrets  secrets.Manager
	cfg      *config.Config

	mu     sync.Mutex
	active map[models.RunId]*activeRun
}

type activeRun struct {
	run   *models.WorkflowRun
	def   *workflow.Definition
	graph *workflow.Graph
	envs  map[string]*models.Environment // immutable snapshot taken at run creation

	mu        sync.Mutex
	decisions map[string]models.Decision
	expired   map[string]bool // approval window elapsed
	windowed  map[string]bool // expiry timer already armed

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func New(ctx context.Context, d *db.DB, n *notifier.Notifier, external notify.Notifier, runner Runner, sm secrets.Manager, cfg *config.Config) *Engine {
	l := log.FromContext(ctx).With("component", "engine")

	if external == nil {
		external = &notify.BaseNotifier{}
	}

	return &Engine{
		l:        l,
		db:       d,
		n:        n,
		external: external,
		runner:   runner,
		secrets:  sm,
		cfg:      cfg,
		active:   make(map[models.RunId]*activeRun),
	}
}

// StartRun creates a WorkflowRun for an already-matched event and
// schedules it. The returned run is a snapshot; poll the store or the
// event stream for progress.
func (e *Engine) StartRun(ctx context.Context, def *workflow.Definition, event workflow.Event) (*models.WorkflowRun, error) {
	graph, err := def.Graph()
	if err != nil {
		return nil, err
	}

	run := &models.WorkflowRun{
		ID:        models.NewRunId(),
		Workflow:  def.Name,
		RunName:   def.ExpandRunName(event),
		Event:     event,
		Status:    models.RunPending,
		CreatedAt: time.Now(),
	}
	for _, id := range graph.Order() {
		run.Jobs = append(run.Jobs, &models.JobRun{JobID: id, Status: models.JobPending})
	}

	// environment config is snapshotted once per run; concurrent jobs
	// never share a mutable reference
	envs := make(map[string]*models.Environment)
	for i := range def.Jobs {
		name := def.Jobs[i].Environment
		if name == "" {
			continue
		}
		if _, ok := envs[name]; ok {
			continue
		}
		env, err := e.db.GetEnvironment(name)
		if errors.Is(err, db.ErrNotFound) {
			// an undeclared environment carries no approvers; secrets
			// may still resolve for it
			env = &models.Environment{Name: name}
		} else if err != nil {
			return nil, err
		}
		envs[name] = env
	}

	if err := e.db.CreateRun(run, e.n); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{
		run:       run,
		def:       def,
		graph:     graph,
		envs:      envs,
		decisions: make(map[string]models.Decision),
		expired:   make(map[string]bool),
		windowed:  make(map[string]bool),
		wake:      make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	e.active[run.ID] = ar
	e.mu.Unlock()

	// snapshot before the scheduler goroutine starts mutating the run
	snapshot := run.Clone()
	go e.schedule(runCtx, ar)

	e.l.Info("run scheduled", "workflow", def.Name, "run", run.ID, "jobs", len(run.Jobs))
	return snapshot, nil
}

// SubmitDecision records an approve/reject decision on a gated job.
// An approver outside the environment's approver list is rejected
// with ErrUnauthorizedApprover and the job stays at the gate.
func (e *Engine) SubmitDecision(runID models.RunId, jobID, approverID string, decision models.Decision) error {
	ar := e.lookup(runID)
	if ar == nil {
		return ErrRunNotFound
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	jr := ar.run.Job(jobID)
	if jr == nil {
		return ErrUnknownJob
	}
	if jr.Status != models.JobWaitingApproval {
		return ErrNotWaitingApproval
	}

	job := ar.def.Job(jobID)
	env := ar.envs[job.Environment]
	if env == nil || !env.IsApprover(approverID) {
		return ErrUnauthorizedApprover
	}

	if err := e.db.RecordApproval(models.Approval{
		RunID:      runID,
		JobID:      jobID,
		ApproverID: approverID,
		Decision:   decision,
		DecidedAt:  time.Now(),
	}); err != nil {
		return err
	}

	ar.decisions[jobID] = decision
	e.l.Info("approval decision", "run", runID, "job", jobID, "approver", approverID, "decision", decision)

	poke(ar)
	return nil
}

// CancelRun propagates cancellation to every non-terminal job of the
// run: running jobs are asked to stop their current step, everything
// not yet started is marked cancelled.
func (e *Engine) CancelRun(runID models.RunId) error {
	ar := e.lookup(runID)
	if ar == nil {
		return ErrRunNotFound
	}

	e.l.Info("cancelling run", "run", runID)
	ar.cancel()
	return nil
}

// Wait returns a channel closed once the run reaches a terminal
// status. Unknown runs yield an already-closed channel.
func (e *Engine) Wait(runID models.RunId) <-chan struct{} {
	ar := e.lookup(runID)
	if ar == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return ar.done
}

func (e *Engine) lookup(runID models.RunId) *activeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[runID]
}

func poke(ar *activeRun) {
	select {
	case ar.wake <- struct{}{}:
	default:
	}
}

// schedule is the per-run scheduling loop. It owns all job status
// transitions except the running -> terminal edge, which the job
// goroutine takes under the run lock.
func (e *Engine) schedule(ctx context.Context, ar *activeRun) {
	defer close(ar.done)
	defer func() {
		e.mu.Lock()
		delete(e.active, ar.run.ID)
		e.mu.Unlock()
	}()

	maxJobs := e.cfg.Runs.MaxConcurrentJobs
	if maxJobs < 1 {
		maxJobs = 1
	}

	ar.mu.Lock()
	ar.run.Status = models.RunRunning
	e.persist(ar)
	ar.mu.Unlock()

	cancelled := false

	for {
		ar.mu.Lock()
		changed := false

		if ctx.Err() != nil && !cancelled {
			cancelled = true
			for _, jr := range ar.run.Jobs {
				if jr.Status == models.JobPending || jr.Status == models.JobWaitingApproval {
					jr.Status = models.JobCancelled
					jr.FinishedAt = time.Now()
					changed = true
				}
			}
		}

		running := 0
		for _, jr := range ar.run.Jobs {
			if jr.Status == models.JobRunning {
				running++
			}
		}

		if !cancelled {
			// scan in declaration order: runnable jobs beyond the
			// concurrency limit stay queued in exactly this order
			for _, id := range ar.graph.Order() {
				jr := ar.run.Job(id)

				switch jr.Status {
				case models.JobPending:
					satisfied, doomed := e.predecessors(ar, id)
					if doomed {
						// a failed or cancelled predecessor: skip
						// without executing anything downstream
						jr.Status = models.JobSkipped
						jr.FinishedAt = time.Now()
						changed = true
						continue
					}
					if !satisfied {
						continue
					}

					if env := ar.envs[ar.def.Job(id).Environment]; env != nil && env.Gated() {
						jr.Status = models.JobWaitingApproval
						e.armApprovalWindow(ar, id)
						changed = true
						continue
					}

					if running >= maxJobs {
						continue
					}
					running++
					jr.Status = models.JobRunning
					jr.StartedAt = time.Now()
					changed = true
					go e.runJob(ctx, ar, id)

				case models.JobWaitingApproval:
					decision, decided := ar.decisions[id]

					if ar.expired[id] && !decided {
						// approval window elapsed: auto-cancel
						jr.Status = models.JobCancelled
						jr.FinishedAt = time.Now()
						changed = true
						continue
					}
					if !decided {
						continue
					}
					if decision == models.DecisionReject {
						jr.Status = models.JobCancelled
						jr.FinishedAt = time.Now()
						changed = true
						continue
					}

					// approved
					if running >= maxJobs {
						continue
					}
					running++
					jr.Status = models.JobRunning
					jr.StartedAt = time.Now()
					changed = true
					go e.runJob(ctx, ar, id)
				}
			}
		}

		allTerminal := true
		for _, jr := range ar.run.Jobs {
			if !jr.Status.IsTerminal() {
				allTerminal = false
				break
			}
		}

		if allTerminal {
			ar.run.Status = ar.run.Reduce()
			ar.run.FinishedAt = time.Now()
		}
		if changed || allTerminal {
			e.persist(ar)
		}

		if allTerminal {
			finished := ar.run.Clone()
			ar.mu.Unlock()

			e.l.Info("run finished", "run", finished.ID, "status", finished.Status)
			e.external.RunFinished(context.WithoutCancel(ctx), finished)
			return
		}
		ar.mu.Unlock()

		if changed {
			// a transition may unlock further transitions; rescan
			continue
		}

		if cancelled {
			<-ar.wake
			continue
		}
		select {
		case <-ar.wake:
		case <-ctx.Done():
		}
	}
}

// predecessors reports whether all of a job's predecessors succeeded,
// and whether any of them reached a terminal state that dooms the job
// (failed, cancelled, or skipped off a doomed chain).
func (e *Engine) predecessors(ar *activeRun, id string) (satisfied, doomed bool) {
	satisfied = true
	for _, need := range ar.graph.Needs(id) {
		switch ar.run.Job(need).Status {
		case models.JobSucceeded:
		case models.JobFailed, models.JobCancelled, models.JobSkipped:
			return false, true
		default:
			satisfied = false
		}
	}
	return satisfied, false
}

func (e *Engine) armApprovalWindow(ar *activeRun, id string) {
	window := e.cfg.Runs.ApprovalWindowDuration()
	if window <= 0 || ar.windowed[id] {
		return
	}
	ar.windowed[id] = true

	time.AfterFunc(window, func() {
		ar.mu.Lock()
		if _, decided := ar.decisions[id]; !decided {
			ar.expired[id] = true
		}
		ar.mu.Unlock()
		poke(ar)
	})
}

// persist writes the current snapshot and fans out a status event.
// Callers hold ar.mu.
func (e *Engine) persist(ar *activeRun) {
	if err := e.db.UpdateRun(ar.run, e.n); err != nil {
		e.l.Error("failed to persist run", "run", ar.run.ID, "err", err)
	}
}
