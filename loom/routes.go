package loom

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomci/core/loom/db"
	"github.com/loomci/core/loom/engine"
	"github.com/loomci/core/loom/models"
	"github.com/loomci/core/workflow"
)

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Runs lists recent runs, optionally filtered by ?workflow= and
// bounded by ?limit=.
func (s *Loom) Runs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.db.ListRuns(r.URL.Query().Get("workflow"), limit)
	if err != nil {
		s.l.Error("failed to list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	writeJSON(w, runs)
}

func (s *Loom) GetRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "id"))

	run, err := s.db.GetRun(id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	if err != nil {
		s.l.Error("failed to load run", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	writeJSON(w, run)
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Decision string `json:"decision"` // approve | reject
}

func (s *Loom) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "id"))
	job := chi.URLParam(r, "job")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid approval payload")
		return
	}

	var decision models.Decision
	switch req.Decision {
	case string(models.DecisionApprove):
		decision = models.DecisionApprove
	case string(models.DecisionReject):
		decision = models.DecisionReject
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}

	err := s.eng.SubmitDecision(id, job, req.Approver, decision)
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, engine.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotWaitingApproval):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrUnauthorizedApprover):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		s.l.Error("failed to submit decision", "run", id, "job", job, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to submit decision")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Loom) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "id"))

	err := s.eng.CancelRun(id)
	if errors.Is(err, engine.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "no such active run")
		return
	}
	if err != nil {
		s.l.Error("failed to cancel run", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Logs streams a job's captured output as JSON lines.
func (s *Loom) Logs(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "id"))
	job := chi.URLParam(r, "job")

	if strings.ContainsAny(job, "/\\") || strings.Contains(job, "..") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	f, err := os.Open(models.LogFilePath(s.cfg.Runs.LogDir, id, job))
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "no logs for this job")
		return
	}
	if err != nil {
		s.l.Error("failed to open log file", "run", id, "job", job, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to open logs")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	io.Copy(w, f)
}

type storedWorkflow struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (s *Loom) Workflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.db.ListDefinitions()
	if err != nil {
		s.l.Error("failed to list definitions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	out := make([]storedWorkflow, 0, len(defs))
	for _, def := range defs {
		out = append(out, storedWorkflow{Name: def.Name, Version: def.Version})
	}
	writeJSON(w, out)
}

// PutWorkflow validates and stores a workflow document as a new
// version. The request body is the raw YAML document.
func (s *Loom) PutWorkflow(w http.ResponseWriter, r *http.Request) {
	contents, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	def, err := workflow.Load(contents)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	version, err := s.db.SaveDefinition(def.Name, contents)
	if err != nil {
		s.l.Error("failed to save definition", "workflow", def.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save workflow")
		return
	}

	s.l.Info("workflow stored", "workflow", def.Name, "version", version)
	writeJSON(w, storedWorkflow{Name: def.Name, Version: version})
}

func (s *Loom) PutEnvironment(w http.ResponseWriter, r *http.Request) {
	var env models.Environment
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid environment payload")
		return
	}
	if env.Name == "" {
		writeError(w, http.StatusBadRequest, "environment name is required")
		return
	}

	if err := s.db.PutEnvironment(env); err != nil {
		s.l.Error("failed to save environment", "environment", env.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save environment")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
