package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/resend/resend-go/v2"

	"github.com/loomci/core/loom/models"
)

// EmailNotifier mails run summaries through resend.
type EmailNotifier struct {
	client *resend.Client
	from   string
	to     string
	l      *slog.Logger
}

var _ Notifier = &EmailNotifier{}

func NewEmailNotifier(apiKey, from, to string, l *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
		l:      l.With("notifier", "email"),
	}
}

func (e *EmailNotifier) RunFinished(ctx context.Context, run *models.WorkflowRun) {
	subject := fmt.Sprintf("[loom] %s: %s", run.Workflow, run.Status)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s finished with status %s", run.RunName, run.Status)
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, " after %s", humanize.RelTime(run.CreatedAt, run.FinishedAt, "", ""))
	}
	sb.WriteString("\n\n")
	for _, j := range run.Jobs {
		fmt.Fprintf(&sb, "  %-20s %s\n", j.JobID, j.Status)
	}

	_, err := e.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    e.from,
		To:      []string{e.to},
		Subject: subject,
		Text:    sb.String(),
	})
	if err != nil {
		e.l.Error("email delivery failed", "run", run.ID, "err", err)
	}
}

func (e *EmailNotifier) JobFinished(ctx context.Context, run *models.WorkflowRun, job *models.JobRun) {
}
