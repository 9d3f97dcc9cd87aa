package models

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/loomci/core/workflow"
)

type RunId string

func NewRunId() RunId {
	return RunId(uuid.NewString())
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobWaitingApproval JobStatus = "waiting_approval"
	JobRunning         JobStatus = "running"
	JobSucceeded       JobStatus = "succeeded"
	JobFailed          JobStatus = "failed"
	JobSkipped         JobStatus = "skipped"
	JobCancelled       JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// WorkflowRun owns every JobRun and StepResult created for one matched
// trigger event. It is archived once it reaches a terminal status.
type WorkflowRun struct {
	ID       RunId          `json:"id"`
	Workflow string         `json:"workflow"`
	RunName  string         `json:"run_name"`
	Event    workflow.Event `json:"event"`
	Status   RunStatus      `json:"status"`

	Jobs []*JobRun `json:"jobs"` // declaration order

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Clone deep-copies the run so it can leave the scheduler's lock.
func (r *WorkflowRun) Clone() *WorkflowRun {
	data, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var cp WorkflowRun
	if err := json.Unmarshal(data, &cp); err != nil {
		return r
	}
	return &cp
}

func (r *WorkflowRun) Job(id string) *JobRun {
	for _, j := range r.Jobs {
		if j.JobID == id {
			return j
		}
	}
	return nil
}

// Reduce derives the run's overall status from its jobs: failed if any
// job failed, cancelled if jobs were cancelled but none failed,
// succeeded only when every job succeeded or was skipped off an
// unreachable branch. A skipped job never decides the outcome on its
// own; the failed or cancelled ancestor that caused it does.
func (r *WorkflowRun) Reduce() RunStatus {
	anyFailed := false
	anyCancelled := false
	allTerminal := true

	for _, j := range r.Jobs {
		if !j.Status.IsTerminal() {
			allTerminal = false
		}
		switch j.Status {
		case JobFailed:
			anyFailed = true
		case JobCancelled:
			anyCancelled = true
		}
	}

	if !allTerminal {
		return RunRunning
	}
	if anyCancelled && !anyFailed {
		return RunCancelled
	}
	if anyFailed {
		return RunFailed
	}
	return RunSucceeded
}

type JobRun struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`

	// only when Failed
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	Steps []StepResult `json:"steps,omitempty"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	ExitCode int           `json:"exit_code"`
	Output   OutputRef     `json:"output"`
	Duration time.Duration `json:"duration"`
}

// OutputRef points at captured step output rather than holding it.
type OutputRef struct {
	LogPath string `json:"log_path,omitempty"`
	Step    int    `json:"step"`
}

// Environment is a named deployment context. Secrets for it live in the
// secret store; a non-empty approver list gates jobs bound to it behind
// a human decision.
type Environment struct {
	Name      string   `json:"name"`
	Approvers []string `json:"approvers,omitempty"`
}

func (e Environment) Gated() bool {
	return len(e.Approvers) > 0
}

func (e Environment) IsApprover(id string) bool {
	return slices.Contains(e.Approvers, id)
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Approval records a decision taken on a gated job.
type Approval struct {
	RunID      RunId     `json:"run_id"`
	JobID      string    `json:"job_id"`
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	DecidedAt  time.Time `json:"decided_at"`
}
