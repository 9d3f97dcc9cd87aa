package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/loomci/core/loom/models"
)

// WebhookNotifier posts run summaries to a chat-style webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	l      *slog.Logger
}

var _ Notifier = &WebhookNotifier{}

func NewWebhookNotifier(url string, l *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		l:      l.With("notifier", "webhook"),
	}
}

type webhookPayload struct {
	Workflow string             `json:"workflow"`
	RunID    string             `json:"run_id"`
	RunName  string             `json:"run_name"`
	Status   models.RunStatus   `json:"status"`
	Jobs     []webhookJobStatus `json:"jobs"`
}

type webhookJobStatus struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

func (w *WebhookNotifier) RunFinished(ctx context.Context, run *models.WorkflowRun) {
	payload := webhookPayload{
		Workflow: run.Workflow,
		RunID:    string(run.ID),
		RunName:  run.RunName,
		Status:   run.Status,
	}
	for _, j := range run.Jobs {
		payload.Jobs = append(payload.Jobs, webhookJobStatus{JobID: j.JobID, Status: j.Status})
	}

	if err := w.deliver(ctx, payload); err != nil {
		w.l.Error("webhook delivery failed", "run", run.ID, "err", err)
	}
}

func (w *WebhookNotifier) JobFinished(ctx context.Context, run *models.WorkflowRun, job *models.JobRun) {
	// job-level noise is not worth a webhook per job
}

func (w *WebhookNotifier) deliver(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil
	},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
}
