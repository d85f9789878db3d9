package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobErrored   = "job.errored"
)

var ErrInvalidEndpoint = errors.New("invalid webhook endpoint")

func EventForStatus(status domain.Status) string {
	switch status {
	case domain.StatusCompleted:
		return EventJobCompleted
	case domain.StatusFailed:
		return EventJobFailed
	default:
		return EventJobErrored
	}
}

type JobPayload struct {
	RequestID    string    `json:"request_id"`
	Status       string    `json:"status"`
	UpscaledPath string    `json:"upscaled_path,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

func NewJobPayload(job domain.Job) JobPayload {
	payload := JobPayload{
		RequestID:  job.ID,
		Status:     string(job.Status),
		Detail:     job.Detail,
		FinishedAt: job.UpdatedAt,
	}
	if job.Status == domain.StatusCompleted {
		payload.UpscaledPath = job.Files.OutputPath
	}
	return payload
}

// ValidateEndpoint accepts absolute http and https URLs only.
func ValidateEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	return nil
}

// Notifier delivers job webhooks in-process on background goroutines so the
// retry loop never delays an HTTP response.
type Notifier struct {
	client *Client
	logger *log.Logger
	wg     sync.WaitGroup
}

func NewNotifier(client *Client, logger *log.Logger) *Notifier {
	return &Notifier{client: client, logger: logger}
}

func (n *Notifier) NotifyJob(ctx context.Context, job domain.Job) error {
	if err := ValidateEndpoint(job.WebhookURL); err != nil {
		return err
	}

	event := EventForStatus(job.Status)
	payload := NewJobPayload(job)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.client.Send(ctx, job.WebhookURL, event, payload); err != nil && n.logger != nil {
			n.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
		}
	}()
	return nil
}

// Close waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.wg.Wait()
}
