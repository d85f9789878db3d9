package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/webhook"
	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueWebhook(ctx context.Context, payload DeliverWebhookPayload) (*asynq.TaskInfo, error) {
	task, err := NewDeliverWebhookTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(8),
		asynq.Timeout(time.Minute),
	)
}

// NotifyJob hands the job's webhook to the worker process.
func (c *Client) NotifyJob(ctx context.Context, job domain.Job) error {
	if err := webhook.ValidateEndpoint(job.WebhookURL); err != nil {
		return err
	}
	if _, err := c.EnqueueWebhook(ctx, NewDeliverWebhookPayload(job)); err != nil {
		return fmt.Errorf("enqueue webhook for job %s: %w", job.ID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
