package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	spawnFailures      *prometheus.CounterVec
	shortCircuits      prometheus.Counter
	outputLinesTotal   prometheus.Counter
	pixelsUpscaled     prometheus.Counter
	artifactsPublished *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upscaler_jobs_total",
			Help: "Total upscale jobs by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upscaler_job_duration_seconds",
			Help:    "Time from spawning the upscaler to a terminal status.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upscaler_active_jobs",
			Help: "Upscaler processes currently running.",
		}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upscaler_spawn_failures_total",
			Help: "Upscaler spawn failures by reason.",
		}, []string{"reason"}),
		shortCircuits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upscaler_exit_wait_short_circuits_total",
			Help: "Jobs resolved from the artifact before the exit status was available.",
		}),
		outputLinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upscaler_output_lines_total",
			Help: "Lines read from upscaler standard output.",
		}),
		pixelsUpscaled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upscaler_pixels_upscaled_total",
			Help: "Output pixels produced by completed jobs.",
		}),
		artifactsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upscaler_artifacts_published_total",
			Help: "Artifact mirror uploads by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.spawnFailures,
		m.shortCircuits,
		m.outputLinesTotal,
		m.pixelsUpscaled,
		m.artifactsPublished,
	)
	return m
}
