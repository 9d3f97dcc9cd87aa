// Package notify delivers terminal run status to external channels.
// Delivery is best-effort: a transport failure is logged and never
// feeds back into a run's status.
package notify

import (
	"context"

	"github.com/loomci/core/loom/models"
)

type Notifier interface {
	RunFinished(ctx context.Context, run *models.WorkflowRun)
	JobFinished(ctx context.Context, run *models.WorkflowRun, job *models.JobRun)
}

// BaseNotifier is a listener that does nothing
type BaseNotifier struct{}

var _ Notifier = &BaseNotifier{}

func (b *BaseNotifier) RunFinished(ctx context.Context, run *models.WorkflowRun) {}
func (b *BaseNotifier) JobFinished(ctx context.Context, run *models.WorkflowRun, job *models.JobRun) {
}
