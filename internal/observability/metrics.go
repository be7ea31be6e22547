package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nullstream/influx-replicator/internal/backup"
)

// Metrics exposes per-job Prometheus gauges and counters and an optional
// loopback HTTP surface serving them alongside a health endpoint.
type Metrics struct {
	job    string
	logger *logrus.Logger

	registry *prometheus.Registry
	server   *http.Server

	mu      sync.Mutex
	started bool

	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	PointsRead      *prometheus.CounterVec
	PointsWritten   *prometheus.CounterVec
	MeasurementsGau *prometheus.GaugeVec
	LastRunStatus   *prometheus.GaugeVec
}

// NewMetrics builds the gauge/counter set for one job, registered into a
// private registry so each job's /metrics server is independent even though
// every job in the process shares the same metric names.
func NewMetrics(job string, logger *logrus.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		job:      job,
		logger:   logger,
		registry: registry,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "influx_replicator_runs_total",
			Help: "Total number of job runs, partitioned by outcome.",
		}, []string{"job", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "influx_replicator_run_duration_seconds",
			Help:    "Duration of a full job run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		PointsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "influx_replicator_points_read_total",
			Help: "Points read from the source, per measurement.",
		}, []string{"job", "measurement"}),
		PointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "influx_replicator_points_written_total",
			Help: "Points written to the destination, per measurement.",
		}, []string{"job", "measurement"}),
		MeasurementsGau: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "influx_replicator_measurements_in_last_run",
			Help: "Number of measurements processed in the last run.",
		}, []string{"job"}),
		LastRunStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "influx_replicator_last_run_ok",
			Help: "1 if the last run completed with status ok, 0 if partial.",
		}, []string{"job"}),
	}

	registry.MustRegister(m.RunsTotal, m.RunDuration, m.PointsRead, m.PointsWritten, m.MeasurementsGau, m.LastRunStatus)
	return m
}

// Observe records one job run's outcome: status counter, duration histogram,
// per-measurement point counters, and the two gauges reflecting the most
// recent run.
func (m *Metrics) Observe(summary backup.Summary, duration time.Duration) {
	m.RunsTotal.WithLabelValues(m.job, string(summary.Status)).Inc()
	m.RunDuration.WithLabelValues(m.job).Observe(duration.Seconds())
	m.MeasurementsGau.WithLabelValues(m.job).Set(float64(len(summary.Measurements)))

	ok := 0.0
	if summary.Status == backup.StatusOK {
		ok = 1.0
	}
	m.LastRunStatus.WithLabelValues(m.job).Set(ok)

	for _, r := range summary.Measurements {
		m.PointsRead.WithLabelValues(m.job, r.Measurement).Add(float64(r.PointsRead))
		m.PointsWritten.WithLabelValues(m.job, r.Measurement).Add(float64(r.PointsWritten))
	}
}

// Start exposes the registry and a health endpoint on listen. It does not
// consult options.metrics.enabled; callers only invoke it when enabled.
func (m *Metrics) Start(ctx context.Context, listen string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics server for job %s already started", m.job)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))

	m.server = &http.Server{
		Addr:         listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.WithError(err).WithField("job", m.job).Error("metrics server failed")
		}
	}()

	m.started = true
	m.logger.WithFields(logrus.Fields{"job": m.job, "listen": listen}).Info("metrics server started")
	return nil
}

// Stop shuts the metrics server down gracefully, if it was started.
func (m *Metrics) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		return err
	}
	m.started = false
	return nil
}
