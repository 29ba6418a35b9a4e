// Package notifier tells users about finished jobs.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/scheduler"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	HTTPClient *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{WebhookURL: webhookURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Message renders the notification for a terminal job.
func Message(job *transfer.Job) string {
	name := job.Name
	if name == "" {
		name = job.ID
	}

	if job.Status == transfer.StatusCompleted {
		msg := fmt.Sprintf("✅ %s is ready for %s", name, job.UserID)
		if job.Size > 0 {
			msg += fmt.Sprintf(" (%s)", humanize.IBytes(uint64(job.Size)))
		}

		return msg + ": " + job.ShareableLink
	}

	return fmt.Sprintf("❌ %s failed for %s: %s", name, job.UserID, job.Error)
}

// Watch notifies about every terminal job event until the channel is closed.
func Watch(ctx context.Context, n Notifier, events <-chan scheduler.Event) {
	logger := logctx.LoggerFromContext(ctx)

	for ev := range events {
		job := ev.Job

		if err := n.Notify(context.WithoutCancel(ctx), Message(&job)); err != nil {
			logger.ErrorContext(ctx, "failed to send notification", "job_id", job.ID, "err", err)
		}
	}
}
