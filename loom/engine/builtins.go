package engine

import (
	"context"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RegisterBuiltins installs the actions every deployment ships with.
func RegisterBuiltins(r *ActionRegistry) {
	r.Register("checkout", checkoutAction)
}

// checkoutAction clones a repository into the job workspace. Inputs:
// repository (required), ref, path.
func checkoutAction(ctx context.Context, in ActionInputs) error {
	url := in.With["repository"]
	if url == "" {
		return fmt.Errorf("checkout: missing repository input")
	}

	dir := in.With["path"]
	if dir == "" {
		dir = "."
	}

	opts := &git.CloneOptions{
		URL:      url,
		Depth:    1,
		Progress: in.Stdout,
	}
	if ref := in.With["ref"]; ref != "" {
		opts.ReferenceName = plumbing.ReferenceName(ref)
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	return nil
}
