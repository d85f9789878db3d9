package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deliveryLag      prometheus.Histogram
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upscaler_webhook_deliveries_total",
			Help: "Webhook delivery attempts by event and result.",
		}, []string{"event", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upscaler_webhook_delivery_duration_seconds",
			Help:    "Time spent delivering a single webhook task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "result"}),
		deliveryLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upscaler_webhook_delivery_lag_seconds",
			Help:    "Time between enqueueing a webhook and the worker picking it up.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}),
	}

	registry.MustRegister(
		m.deliveriesTotal,
		m.deliveryDuration,
		m.deliveryLag,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
