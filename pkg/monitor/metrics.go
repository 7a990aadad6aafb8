package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Metrics provides Prometheus metrics for the execution engine.
type Metrics struct {
	config telemetry.MetricsConfig

	// Attempt metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	peakMemory      prometheus.Histogram

	// Wave metrics
	wavesTotal      *prometheus.CounterVec
	waveSuccessRate prometheus.Gauge
	waveParallelism prometheus.Gauge

	// Error metrics
	errorsByCategory *prometheus.CounterVec

	// System metrics
	atomsStarted prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
// A disabled configuration yields a no-op instance.
func NewMetrics(cfg telemetry.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of execution attempts, retries included",
			},
			[]string{"status", "category"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of execution attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		peakMemory: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_peak_memory_bytes",
				Help:      "Peak memory observed per execution attempt",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
			},
		),
		wavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waves_total",
				Help:      "Total number of waves closed",
			},
			[]string{"status"},
		),
		waveSuccessRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wave_success_rate",
				Help:      "Success rate of the most recently closed wave",
			},
		),
		waveParallelism: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wave_achieved_parallelism",
				Help:      "Achieved parallelism of the most recently closed wave",
			},
		),
		errorsByCategory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_category_total",
				Help:      "Total number of failed attempts by error category",
			},
			[]string{"category"},
		),
		atomsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "atoms_started_total",
				Help:      "Total number of atoms that started at least one attempt",
			},
		),
	}

	registry.MustRegister(
		m.attemptsTotal,
		m.attemptDuration,
		m.peakMemory,
		m.wavesTotal,
		m.waveSuccessRate,
		m.waveParallelism,
		m.errorsByCategory,
		m.atomsStarted,
	)

	return m, nil
}

// RecordAttempt records one execution attempt.
func (m *Metrics) RecordAttempt(result *engine.ExecutionResult) {
	if m.attemptsTotal == nil {
		return
	}
	status := "failed"
	if result.Success {
		status = "succeeded"
	}
	m.attemptsTotal.WithLabelValues(status, string(result.Category)).Inc()
	m.attemptDuration.WithLabelValues(status).Observe(result.Elapsed.Seconds())
	if result.PeakMemoryBytes > 0 {
		m.peakMemory.Observe(float64(result.PeakMemoryBytes))
	}
	if !result.Success && result.Category != "" {
		m.errorsByCategory.WithLabelValues(string(result.Category)).Inc()
	}
	if result.Attempt == 0 {
		m.atomsStarted.Inc()
	}
}

// RecordWave records a closed wave.
func (m *Metrics) RecordWave(record *engine.WaveExecutionRecord) {
	if m.wavesTotal == nil {
		return
	}
	status := "completed"
	if record.Aborted {
		status = "aborted"
	}
	m.wavesTotal.WithLabelValues(status).Inc()
	m.waveSuccessRate.Set(record.SuccessRate())
	m.waveParallelism.Set(float64(record.AchievedParallelism))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return nil
}
