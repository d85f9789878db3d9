package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/webhook"
	"github.com/hibiken/asynq"
)

const TypeDeliverWebhook = "webhook:deliver"

type DeliverWebhookPayload struct {
	Endpoint   string             `json:"endpoint"`
	Event      string             `json:"event"`
	Job        webhook.JobPayload `json:"job"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

func NewDeliverWebhookPayload(job domain.Job) DeliverWebhookPayload {
	return DeliverWebhookPayload{
		Endpoint:   job.WebhookURL,
		Event:      webhook.EventForStatus(job.Status),
		Job:        webhook.NewJobPayload(job),
		EnqueuedAt: time.Now().UTC(),
	}
}

func NewDeliverWebhookTask(payload DeliverWebhookPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return asynq.NewTask(TypeDeliverWebhook, body), nil
}

func ParseDeliverWebhookPayload(task *asynq.Task) (DeliverWebhookPayload, error) {
	var payload DeliverWebhookPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DeliverWebhookPayload{}, fmt.Errorf("unmarshal webhook payload: %w", err)
	}
	return payload, nil
}
