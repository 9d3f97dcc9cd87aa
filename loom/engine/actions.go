package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ActionInputs is what a registered action receives when a `uses`
// step invokes it: the step's `with` mapping, the merged environment,
// and the job's log writers.
type ActionInputs struct {
	With   map[string]string
	Env    EnvVars
	Stdout io.Writer
	Stderr io.Writer
}

// ActionFunc is a callable unit behind a `uses` reference.
type ActionFunc func(ctx context.Context, in ActionInputs) error

// ActionRegistry maps action references to handlers. The table is
// built at startup; resolution is a plain lookup, never reflection.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]ActionFunc)}
}

func (r *ActionRegistry) Register(ref string, fn ActionFunc) {
	r.mu.Lock()
	r.actions[ref] = fn
	r.mu.Unlock()
}

func (r *ActionRegistry) Resolve(ref string) (ActionFunc, error) {
	r.mu.RLock()
	fn, ok := r.actions[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no action registered for %q", ref)
	}
	return fn, nil
}
