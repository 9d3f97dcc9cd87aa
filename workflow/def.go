package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// - a repository carries one workflow definition per workflow name
// - an incoming event is matched against each definition's trigger
// - a matched definition produces a run: jobs execute respecting the
//   `needs` partial order, steps within a job execute serially

type (
	// Definition is the structural representation of a workflow file.
	// It is immutable once parsed; re-parse to pick up changes.
	Definition struct {
		Name    string            `yaml:"name"`
		RunName string            `yaml:"run-name"`
		On      Trigger           `yaml:"on"`
		Env     map[string]string `yaml:"env"`
		Jobs    Jobs              `yaml:"jobs"`
	}

	Trigger struct {
		Push        *PushTrigger        `yaml:"push"`
		PullRequest *PullRequestTrigger `yaml:"pull_request"`
		Manual      *ManualTrigger      `yaml:"manual"`
	}

	PushTrigger struct {
		Branches StringList `yaml:"branches"` // empty means any branch
	}

	PullRequestTrigger struct {
		Branches StringList `yaml:"branches"`
		Types    StringList `yaml:"types"` // defaults to opened, synchronize, reopened
	}

	ManualTrigger struct{}

	// Jobs preserves declaration order from the source document; the
	// scheduler uses that order to break ties between runnable jobs.
	Jobs []Job

	Job struct {
		ID          string            `yaml:"-"`
		Name        string            `yaml:"name"`
		RunsOn      string            `yaml:"runs-on"`
		Needs       StringList        `yaml:"needs"`
		Environment string            `yaml:"environment"` // deployment environment gate
		Env         map[string]string `yaml:"env"`
		Steps       []Step            `yaml:"steps"`
	}

	// Step is either a `run` step (shell command) or a `uses` step
	// (reference to a registered action, with inputs).
	Step struct {
		Name            string            `yaml:"name"`
		Run             string            `yaml:"run"`
		Uses            string            `yaml:"uses"`
		With            map[string]string `yaml:"with"`
		Env             map[string]string `yaml:"env"`
		ContinueOnError bool              `yaml:"continue-on-error"`
	}

	StringList []string
)

const (
	EventKindPush        string = "push"
	EventKindPullRequest string = "pull_request"
	EventKindManual      string = "manual"
)

// default pull_request sub-actions when the definition lists none
var defaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

// FromFile parses a workflow file into a Definition without validating
// it. Most callers want Load.
func FromFile(contents []byte) (*Definition, error) {
	var def Definition

	if err := yaml.Unmarshal(contents, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	return &def, nil
}

// Load parses and validates a workflow file.
func Load(contents []byte) (*Definition, error) {
	def, err := FromFile(contents)
	if err != nil {
		return nil, err
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}

func (d *Definition) Job(id string) *Job {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i]
		}
	}
	return nil
}

// UnmarshalYAML decodes the `jobs` mapping while remembering the order
// in which jobs appear in the document.
func (js *Jobs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.New("jobs must be a mapping of job id to job")
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		var job Job
		if err := valNode.Decode(&job); err != nil {
			return fmt.Errorf("job %q: %w", keyNode.Value, err)
		}
		job.ID = keyNode.Value

		*js = append(*js, job)
	}

	return nil
}

// Custom unmarshaller for StringList: accepts a scalar or a sequence.
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

func (s Step) IsRun() bool {
	return s.Run != ""
}

func (s Step) IsUses() bool {
	return s.Uses != ""
}

// DisplayName returns the step's name, falling back to its command or
// action reference.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.IsRun() {
		return s.Run
	}
	return s.Uses
}
