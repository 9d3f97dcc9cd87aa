package loom

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/loomci/core/loom/queue"
	"github.com/loomci/core/workflow"
)

// IngestEvent accepts a trigger event from the version-control host,
// matches it against every stored workflow definition, and enqueues a
// run for each match. A mismatch is not an error; an invalid stored
// definition is skipped with a log line so one broken workflow cannot
// block the rest.
func (s *Loom) IngestEvent(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "IngestEvent")

	var event workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.Kind == "" {
		writeError(w, http.StatusBadRequest, "event kind is required")
		return
	}

	defs, err := s.db.ListDefinitions()
	if err != nil {
		l.Error("failed to list definitions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	matched := []string{}
	rejected := []string{}
	for _, stored := range defs {
		def, err := workflow.Load(stored.Contents)
		if err != nil {
			l.Error("skipping invalid stored definition", "workflow", stored.Name, "version", stored.Version, "err", err)
			continue
		}

		if !def.Match(event) {
			continue
		}

		ok := s.jq.Enqueue(queue.Job{
			Run: func() error {
				_, err := s.eng.StartRun(context.WithoutCancel(r.Context()), def, event)
				return err
			},
			OnFail: func(jobError error) {
				l.Error("failed to start run", "workflow", def.Name, "error", jobError)
			},
		})
		if !ok {
			// runs already enqueued for earlier matches will start; a
			// blanket 503 would make a retrying caller duplicate them,
			// so report exactly which workflows were turned away
			l.Error("event queue is full", "workflow", def.Name)
			rejected = append(rejected, def.Name)
			continue
		}

		matched = append(matched, def.Name)
	}

	l.Info("event ingested", "kind", event.Kind, "ref", event.Ref, "matched", len(matched), "rejected", len(rejected))

	status := http.StatusAccepted
	if len(rejected) > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"matched":  matched,
		"rejected": rejected,
	})
}
