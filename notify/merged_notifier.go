package notify

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/loomci/core/loom/models"
)

type mergedNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMergedNotifier fans every event out to all transports
// concurrently and waits for them; individual transports handle (and
// log) their own failures.
func NewMergedNotifier(notifiers []Notifier, logger *slog.Logger) Notifier {
	return &mergedNotifier{notifiers, logger}
}

var _ Notifier = &mergedNotifier{}

func (m *mergedNotifier) each(fn func(Notifier)) {
	var g errgroup.Group
	for _, n := range m.notifiers {
		g.Go(func() error {
			fn(n)
			return nil
		})
	}
	g.Wait()
}

func (m *mergedNotifier) RunFinished(ctx context.Context, run *models.WorkflowRun) {
	m.each(func(n Notifier) { n.RunFinished(ctx, run) })
}

func (m *mergedNotifier) JobFinished(ctx context.Context, run *models.WorkflowRun, job *models.JobRun) {
	m.each(func(n Notifier) { n.JobFinished(ctx, run, job) })
}
