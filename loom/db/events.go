package db

import (
	"encoding/json"

	"github.com/loomci/core/loom/models"
)

type Event struct {
	ID      int64  `json:"id"`
	RunID   string `json:"run_id"`
	Event   string `json:"event"` // json WorkflowRun snapshot
	Created int64  `json:"created"`
}

// GetEvents pages through the append-only status event log; cursor is
// the last seen event id, zero starts from the beginning.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	rows, err := d.Query(`
		select id, run_id, event, created
		from events
		where id > ?
		order by id asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Event, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

// Run decodes the embedded run snapshot.
func (e Event) Run() (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := json.Unmarshal([]byte(e.Event), &run); err != nil {
		return nil, err
	}
	return &run, nil
}
