package workflow

import (
	"fmt"
)

// SchemaError describes a malformed workflow definition. It is fatal:
// no run is ever created from a definition that fails validation.
type SchemaError struct {
	Path   string // dotted path into the document, e.g. jobs.build.steps[2]
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema error: %s", e.Reason)
	}
	return fmt.Sprintf("schema error: %s: %s", e.Path, e.Reason)
}

func schemaErrorf(path, format string, args ...any) error {
	return &SchemaError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural invariants of a definition: a name,
// at least one job, a runner label per job, declared `needs` targets,
// and exactly one of `run` or `uses` per step.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return schemaErrorf("name", "workflow name is required")
	}

	if len(d.Jobs) == 0 {
		return schemaErrorf("jobs", "workflow must declare at least one job")
	}

	declared := make(map[string]bool, len(d.Jobs))
	for _, job := range d.Jobs {
		if declared[job.ID] {
			return schemaErrorf("jobs."+job.ID, "duplicate job id")
		}
		declared[job.ID] = true
	}

	for _, job := range d.Jobs {
		path := "jobs." + job.ID

		if job.RunsOn == "" {
			return schemaErrorf(path+".runs-on", "runner label is required")
		}

		for _, need := range job.Needs {
			if need == job.ID {
				return schemaErrorf(path+".needs", "job cannot need itself")
			}
			if !declared[need] {
				return schemaErrorf(path+".needs", "undeclared job %q", need)
			}
		}

		if len(job.Steps) == 0 {
			return schemaErrorf(path+".steps", "job must declare at least one step")
		}

		for i, step := range job.Steps {
			stepPath := fmt.Sprintf("%s.steps[%d]", path, i)
			switch {
			case step.IsRun() && step.IsUses():
				return schemaErrorf(stepPath, "step specifies both `run` and `uses`")
			case !step.IsRun() && !step.IsUses():
				return schemaErrorf(stepPath, "step specifies neither `run` nor `uses`")
			}
			if len(step.With) > 0 && !step.IsUses() {
				return schemaErrorf(stepPath+".with", "`with` is only valid on `uses` steps")
			}
		}
	}

	// a valid definition must also have an acyclic dependency graph
	if _, err := d.Graph(); err != nil {
		return err
	}

	return nil
}
