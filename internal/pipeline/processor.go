// Package pipeline runs one upscale job end to end: it drives the runner,
// classifies the outcome and records the terminal status.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/media"
	"github.com/dunamismax/upscaler/internal/runner"
	"github.com/dunamismax/upscaler/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ProcessRunner interface {
	Run(ctx context.Context, input, output string, onLine runner.LineFunc) runner.Result
}

// ArtifactPublisher copies a completed artifact somewhere clients can fetch
// it and returns the URL.
type ArtifactPublisher interface {
	PublishArtifact(ctx context.Context, job domain.Job) (string, error)
}

// Notifier is told about every job that reached a terminal status.
type Notifier interface {
	NotifyJob(ctx context.Context, job domain.Job) error
}

type Options struct {
	Logger     *log.Logger
	Registerer prometheus.Registerer
	Publisher  ArtifactPublisher
	Notifier   Notifier
}

type Processor struct {
	runner    ProcessRunner
	registry  store.Registry
	publisher ArtifactPublisher
	notifier  Notifier
	logger    *log.Logger
	metrics   *metrics
	tracer    trace.Tracer
}

type Outcome struct {
	Job         domain.Job
	Status      domain.Status
	Result      runner.Result
	ArtifactURL string
}

func NewProcessor(r ProcessRunner, registry store.Registry, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Processor{
		runner:    r,
		registry:  registry,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		logger:    logger,
		metrics:   newMetrics(opts.Registerer),
		tracer:    otel.Tracer("upscaler/pipeline"),
	}
}

// Process runs the upscaler for job, whose files must already be attached,
// and records the terminal status. It never returns before that status is
// written.
func (p *Processor) Process(ctx context.Context, job domain.Job) Outcome {
	startedAt := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.upscale", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.original_filename", job.Files.OriginalFilename),
		attribute.String("job.output_path", job.Files.OutputPath),
	)
	defer span.End()

	p.metrics.activeJobs.Inc()
	res := p.runner.Run(ctx, job.Files.InputPath, job.Files.OutputPath, p.lineSink(job.ID))
	p.metrics.activeJobs.Dec()
	p.metrics.outputLinesTotal.Add(float64(res.Lines))

	status := Classify(res)
	p.logResult(job.ID, status, res)
	span.SetAttributes(
		attribute.String("job.status", string(status)),
		attribute.Bool("job.short_circuited", res.ShortCircuited),
		attribute.Int("job.output_lines", res.Lines),
	)
	if res.Exited {
		span.SetAttributes(attribute.Int("process.exit_code", res.ExitCode))
	}

	out := p.finish(ctx, job, status, Detail(res), startedAt)
	out.Result = res

	if status == domain.StatusCompleted {
		span.SetStatus(codes.Ok, "completed")
		p.recordPixels(job)
		out.ArtifactURL = p.publish(ctx, out.Job)
	} else {
		span.SetStatus(codes.Error, Detail(res))
	}

	p.notify(ctx, out.Job)
	return out
}

// Reject records a job that failed before the upscaler could run.
func (p *Processor) Reject(ctx context.Context, job domain.Job, detail string) Outcome {
	out := p.finish(ctx, job, domain.StatusError, detail, time.Now())
	p.notify(ctx, out.Job)
	return out
}

func (p *Processor) finish(ctx context.Context, job domain.Job, status domain.Status, detail string, startedAt time.Time) Outcome {
	// The terminal write must land even if the client went away.
	ctx = context.WithoutCancel(ctx)

	updated, err := p.registry.UpdateStatus(ctx, job.ID, status, detail)
	if err != nil {
		p.logger.Printf("job status update failed job_id=%s status=%s err=%v", job.ID, status, err)
		if errors.Is(err, domain.ErrInvalidTransition) && updated.Status.Terminal() {
			return Outcome{Job: updated, Status: updated.Status}
		}
		updated = job
		updated.Status = status
		updated.Detail = detail
	}

	p.metrics.jobsTotal.WithLabelValues(string(status)).Inc()
	p.metrics.jobDuration.WithLabelValues(string(status)).Observe(time.Since(startedAt).Seconds())
	return Outcome{Job: updated, Status: status}
}

func (p *Processor) lineSink(jobID string) runner.LineFunc {
	return func(_ context.Context, line string) {
		p.logger.Printf("job_id=%s upscaler: %s", jobID, line)
	}
}

func (p *Processor) logResult(jobID string, status domain.Status, res runner.Result) {
	var spawnErr *runner.SpawnError
	if errors.As(res.SpawnErr, &spawnErr) {
		p.metrics.spawnFailures.WithLabelValues(string(spawnErr.Reason)).Inc()
		p.logger.Printf("upscaler spawn failed job_id=%s path=%s reason=%s err=%v", jobID, spawnErr.Path, spawnErr.Reason, spawnErr.Err)
		if spawnErr.Reason == runner.SpawnExecFormat {
			p.logger.Printf("exec format error job_id=%s: the upscaler binary does not match this platform", jobID)
		}
	}
	if res.StreamErr != nil {
		p.logger.Printf("upscaler output read failed job_id=%s err=%v", jobID, res.StreamErr)
	}
	if res.WaitErr != nil {
		p.logger.Printf("upscaler wait failed job_id=%s err=%v", jobID, res.WaitErr)
	}
	if res.ShortCircuited {
		p.metrics.shortCircuits.Inc()
	}

	switch status {
	case domain.StatusCompleted:
		p.logger.Printf("upscale completed job_id=%s output=%s short_circuited=%t", jobID, res.Output, res.ShortCircuited)
	case domain.StatusFailed:
		p.logger.Printf("upscale failed job_id=%s exit_code=%d: output file not found", jobID, res.ExitCode)
	default:
		p.logger.Printf("upscale errored job_id=%s", jobID)
	}
}

func (p *Processor) recordPixels(job domain.Job) {
	info, err := media.Probe(job.Files.OutputPath)
	if err != nil {
		return
	}
	p.metrics.pixelsUpscaled.Add(float64(info.Pixels()))
}

func (p *Processor) publish(ctx context.Context, job domain.Job) string {
	if p.publisher == nil {
		return ""
	}
	url, err := p.publisher.PublishArtifact(ctx, job)
	if err != nil {
		p.metrics.artifactsPublished.WithLabelValues("error").Inc()
		p.logger.Printf("artifact publish failed job_id=%s err=%v", job.ID, err)
		return ""
	}
	p.metrics.artifactsPublished.WithLabelValues("ok").Inc()
	return url
}

func (p *Processor) notify(ctx context.Context, job domain.Job) {
	if p.notifier == nil || job.WebhookURL == "" {
		return
	}
	if err := p.notifier.NotifyJob(context.WithoutCancel(ctx), job); err != nil {
		p.logger.Printf("job notification failed job_id=%s err=%v", job.ID, err)
	}
}
