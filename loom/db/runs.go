package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/loomci/core/loom/models"
	"github.com/loomci/core/notifier"
)

// CreateRun records a freshly created run and emits a status event.
func (d *DB) CreateRun(run *models.WorkflowRun, n *notifier.Notifier) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into runs (id, workflow, run_name, status, snapshot) values (?, ?, ?, ?, ?)`,
		string(run.ID), run.Workflow, run.RunName, string(run.Status), string(snapshot),
	)
	if err != nil {
		return err
	}

	return d.insertRunEvent(run, n)
}

// UpdateRun replaces the stored snapshot and appends a status event.
// The events table is append-only; the runs row always mirrors the
// latest state.
func (d *DB) UpdateRun(run *models.WorkflowRun, n *notifier.Notifier) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return err
	}

	var finishedAt any
	if run.Status.IsTerminal() {
		finishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
	}

	_, err = d.Exec(
		`update runs set status = ?, snapshot = ?, finished_at = ? where id = ?`,
		string(run.Status), string(snapshot), finishedAt, string(run.ID),
	)
	if err != nil {
		return err
	}

	return d.insertRunEvent(run, n)
}

func (d *DB) insertRunEvent(run *models.WorkflowRun, n *notifier.Notifier) error {
	event, err := json.Marshal(run)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		string(run.ID), string(event), time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

func (d *DB) GetRun(id models.RunId) (*models.WorkflowRun, error) {
	var snapshot string
	err := d.QueryRow(`select snapshot from runs where id = ?`, string(id)).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var run models.WorkflowRun
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, err
	}

	return &run, nil
}

// ListRuns returns recent runs, newest first; workflow filters by
// workflow name when non-empty.
func (d *DB) ListRuns(workflow string, limit int) ([]*models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `select snapshot from runs `
	args := []any{}
	if workflow != "" {
		query += `where workflow = ? `
		args = append(args, workflow)
	}
	query += `order by created_at desc limit ?`
	args = append(args, limit)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var run models.WorkflowRun
		if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RecordApproval appends a decision to the approval log.
func (d *DB) RecordApproval(a models.Approval) error {
	_, err := d.Exec(
		`insert into approvals (run_id, job_id, approver, decision) values (?, ?, ?, ?)`,
		string(a.RunID), a.JobID, a.ApproverID, string(a.Decision),
	)
	return err
}

func (d *DB) GetApprovals(runID models.RunId, jobID string) ([]models.Approval, error) {
	rows, err := d.Query(
		`select run_id, job_id, approver, decision, decided_at from approvals
		 where run_id = ? and job_id = ? order by id asc`,
		string(runID), jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		var a models.Approval
		var runID, decidedAt string
		if err := rows.Scan(&runID, &a.JobID, &a.ApproverID, &a.Decision, &decidedAt); err != nil {
			return nil, err
		}
		a.RunID = models.RunId(runID)
		if t, err := time.Parse(time.RFC3339, decidedAt); err == nil {
			a.DecidedAt = t
		}
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return approvals, nil
}
