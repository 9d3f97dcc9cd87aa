package workflow

import (
	"strings"
	"text/template"
)

// ExpandRunName renders the definition's run-name template against the
// triggering event. Templates may reference {{.Kind}}, {{.Ref}},
// {{.Actor}} and {{.Action}}. A missing or broken template falls back
// to the workflow name.
func (d *Definition) ExpandRunName(event Event) string {
	if d.RunName == "" {
		return d.Name
	}

	tmpl, err := template.New("run-name").Parse(d.RunName)
	if err != nil {
		return d.Name
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, event); err != nil {
		return d.Name
	}

	if out := strings.TrimSpace(sb.String()); out != "" {
		return out
	}
	return d.Name
}
