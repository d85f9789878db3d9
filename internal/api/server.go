// Package api serves the upload, status and liveness endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/id"
	"github.com/dunamismax/upscaler/internal/media"
	"github.com/dunamismax/upscaler/internal/pipeline"
	"github.com/dunamismax/upscaler/internal/store"
	"github.com/dunamismax/upscaler/internal/upload"
	"github.com/dunamismax/upscaler/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const notFoundBody = "Request ID not found"

type JobProcessor interface {
	Process(ctx context.Context, job domain.Job) pipeline.Outcome
	Reject(ctx context.Context, job domain.Job, detail string) pipeline.Outcome
}

type Options struct {
	Logger         *log.Logger
	Receiver       upload.Receiver
	MaxUploadBytes int64
	CORSOrigin     string
	RateLimiter    RateLimiter
	// RateLimitUserIDHeader names the header that identifies the caller.
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
	Metrics               *prometheus.Registry
}

type Server struct {
	logger                *log.Logger
	registry              store.Registry
	processor             JobProcessor
	receiver              upload.Receiver
	maxUploadBytes        int64
	corsOrigin            string
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	mux                   *http.ServeMux
}

type jobResponse struct {
	Status domain.Status     `json:"status"`
	Data   map[string]string `json:"data"`
	Error  string            `json:"error,omitempty"`
}

func NewServer(registry store.Registry, processor JobProcessor, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	userIDHeader := strings.TrimSpace(opts.RateLimitUserIDHeader)
	if userIDHeader == "" {
		userIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		registry:              registry,
		processor:             processor,
		receiver:              opts.Receiver,
		maxUploadBytes:        opts.MaxUploadBytes,
		corsOrigin:            opts.CORSOrigin,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userIDHeader,
		tracer:                opts.Tracer,
		metrics:               newMetrics(opts.Metrics),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withCORS(s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /upscale", s.handleUpscale)
	s.mux.HandleFunc("GET /status/{request_id}", s.handleStatus)
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "data": "pong"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")

	job, ok, err := s.registry.Get(r.Context(), requestID)
	if err != nil {
		s.logger.Printf("status lookup failed job_id=%s err=%v", requestID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": string(domain.StatusError), "error": "failed to load job"})
		return
	}
	if !ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, notFoundBody)
		return
	}

	writeJSON(w, http.StatusOK, map[string]domain.Status{"status": job.Status})
}

func (s *Server) handleUpscale(w http.ResponseWriter, r *http.Request) {
	webhookURL := strings.TrimSpace(r.URL.Query().Get("webhook_url"))
	if webhookURL != "" {
		if err := webhook.ValidateEndpoint(webhookURL); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": string(domain.StatusError), "error": err.Error()})
			return
		}
	}

	jobID, err := id.New()
	if err != nil {
		s.logger.Printf("generate job id failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": string(domain.StatusError), "error": "failed to create job"})
		return
	}

	// The job is visible as Processing before a single body byte is read.
	job := domain.NewJob(jobID, webhookURL, time.Now().UTC())
	if err := s.registry.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": string(domain.StatusError), "error": "failed to create job"})
		return
	}
	s.logger.Printf("job accepted job_id=%s", jobID)

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.rejectUpload(w, r, job, fmt.Errorf("%w: %v", upload.ErrMalformedUpload, err))
		return
	}

	received, err := s.receiver.Receive(r.Context(), jobID, mr)
	if err != nil {
		s.rejectUpload(w, r, job, err)
		return
	}
	s.metrics.uploadBytes.Observe(float64(received.Bytes))
	s.logger.Printf("upload stored job_id=%s filename=%q bytes=%d", jobID, received.Filename, received.Bytes)

	ext := media.OutputExtension(received.Filename, received.Path)
	job, err = s.registry.AttachFiles(r.Context(), jobID, domain.Files{
		OriginalFilename: received.Filename,
		InputPath:        received.Path,
		OutputPath:       s.receiver.OutputPath(jobID, ext),
		Extension:        ext,
	})
	if err != nil {
		s.rejectUpload(w, r, domain.Job{ID: jobID, WebhookURL: webhookURL}, fmt.Errorf("%w: attach files: %v", upload.ErrStorage, err))
		return
	}

	out := s.processor.Process(r.Context(), job)

	data := map[string]string{"request_id": jobID}
	if out.Status == domain.StatusCompleted {
		data["upscaled_path"] = out.Job.Files.OutputPath
		if out.ArtifactURL != "" {
			data["artifact_url"] = out.ArtifactURL
		}
	}
	writeJSON(w, http.StatusOK, jobResponse{Status: out.Status, Data: data})
}

// rejectUpload records Error for job so a status poll never sees it stuck in
// Processing, then answers the client.
func (s *Server) rejectUpload(w http.ResponseWriter, r *http.Request, job domain.Job, err error) {
	reason := uploadFailureReason(err)
	s.metrics.uploadFailures.WithLabelValues(reason).Inc()
	s.logger.Printf("upload failed job_id=%s reason=%s err=%v", job.ID, reason, err)

	out := s.processor.Reject(r.Context(), job, err.Error())

	status := http.StatusInternalServerError
	if errors.Is(err, upload.ErrTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, jobResponse{
		Status: out.Status,
		Data:   map[string]string{"request_id": job.ID},
		Error:  err.Error(),
	})
}

func uploadFailureReason(err error) string {
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		return "too_large"
	case errors.Is(err, upload.ErrMalformedUpload):
		return "malformed"
	case errors.Is(err, upload.ErrStorage):
		return "storage"
	case errors.Is(err, upload.ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
