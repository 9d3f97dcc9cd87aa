package engine

import (
	"fmt"
	"sort"

	"github.com/loomci/core/loom/secrets"
)

type EnvVars []string

// MergeEnvs flattens the workflow, job and step scoped variable maps
// into a single set, narrowest scope winning: step over job, job over
// workflow. Keys are emitted in sorted order so runs are reproducible.
func MergeEnvs(scopes ...map[string]string) EnvVars {
	merged := map[string]string{}
	for _, scope := range scopes {
		for k, v := range scope {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ev := make(EnvVars, 0, len(keys))
	for _, k := range keys {
		ev.AddEnv(k, merged[k])
	}
	return ev
}

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// AddSecrets appends resolved secrets as environment variables. The
// resulting slice is handed to exactly one job execution context and
// dropped when that context ends.
func (ev *EnvVars) AddSecrets(resolved []secrets.UnlockedSecret) {
	for _, s := range resolved {
		ev.AddEnv(s.Key, s.Value)
	}
}
