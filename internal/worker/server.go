package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/upscaler/internal/config"
	"github.com/dunamismax/upscaler/internal/queue"
	"github.com/dunamismax/upscaler/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	webhookClient *webhook.Client,
) (*Server, error) {
	if webhookClient == nil {
		return nil, fmt.Errorf("webhook client is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		webhookClient: webhookClient,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("upscaler/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeDeliverWebhook, s.handleDeliverWebhook)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleDeliverWebhook(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseDeliverWebhookPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := webhook.ValidateEndpoint(payload.Endpoint); err != nil {
		s.metrics.deliveriesTotal.WithLabelValues(payload.Event, "invalid").Inc()
		return fmt.Errorf("job %s: %v: %w", payload.Job.RequestID, err, asynq.SkipRetry)
	}
	if !payload.EnqueuedAt.IsZero() {
		s.metrics.deliveryLag.Observe(startedAt.Sub(payload.EnqueuedAt).Seconds())
	}

	ctx, span := s.tracer.Start(ctx, "worker.deliver_webhook", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.Job.RequestID),
		attribute.String("job.status", payload.Job.Status),
		attribute.String("webhook.event", payload.Event),
	)
	defer span.End()

	result := "ok"
	defer func() {
		s.metrics.deliveriesTotal.WithLabelValues(payload.Event, result).Inc()
		s.metrics.deliveryDuration.WithLabelValues(payload.Event, result).Observe(time.Since(startedAt).Seconds())
	}()

	if err := s.webhookClient.Send(ctx, payload.Endpoint, payload.Event, payload.Job); err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook delivery failed")
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.Job.RequestID, payload.Event, err)
		if errors.Is(err, webhook.ErrPermanent) {
			result = "rejected"
			return fmt.Errorf("deliver webhook: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("deliver webhook: %w", err)
	}

	s.logger.Printf("Delivered job_id=%s event=%s", payload.Job.RequestID, payload.Event)
	span.SetStatus(codes.Ok, "delivered")
	return nil
}
