package workflow

import (
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
)

// Event is the record ingested from the version-control host. Only the
// fields the trigger matcher needs are interpreted; the rest travels as
// opaque metadata.
type Event struct {
	Kind         string            `json:"kind"`
	Ref          string            `json:"ref,omitempty"`
	TargetBranch string            `json:"target_branch,omitempty"`
	Action       string            `json:"action,omitempty"` // pull_request sub-action
	Actor        string            `json:"actor,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Match reports whether the event satisfies the definition's trigger.
// A mismatch is not an error: no run is created, nothing else happens.
func (d *Definition) Match(event Event) bool {
	return d.On.Match(event)
}

func (t *Trigger) Match(event Event) bool {
	// manual dispatch always runs the workflow
	if event.Kind == EventKindManual {
		return true
	}

	// a definition with no trigger block runs on any event
	if t.Push == nil && t.PullRequest == nil && t.Manual == nil {
		return true
	}

	switch event.Kind {
	case EventKindPush:
		if t.Push == nil {
			return false
		}
		return t.Push.Match(event)
	case EventKindPullRequest:
		if t.PullRequest == nil {
			return false
		}
		return t.PullRequest.Match(event)
	}

	return false
}

func (p *PushTrigger) Match(event Event) bool {
	// empty filter set matches every branch
	if len(p.Branches) == 0 {
		return true
	}
	return matchRef(p.Branches, event.Ref)
}

func (p *PullRequestTrigger) Match(event Event) bool {
	types := []string(p.Types)
	if len(types) == 0 {
		types = defaultPullRequestTypes
	}
	if !slices.Contains(types, event.Action) {
		return false
	}

	if len(p.Branches) == 0 {
		return true
	}
	return slices.Contains(p.Branches, event.TargetBranch)
}

// matchRef compares a fully qualified git ref (refs/heads/main) against
// a branch filter; short branch names are accepted too.
func matchRef(branches []string, ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return slices.Contains(branches, refName.Short())
	}
	return slices.Contains(branches, ref)
}
