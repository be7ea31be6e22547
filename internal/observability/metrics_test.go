package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/influx-replicator/internal/backup"
	"github.com/nullstream/influx-replicator/internal/config"
)

func TestObserve_RecordsPerMeasurementCounters(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(discardWriter{})
	m := NewMetrics("test-job", logger)

	summary := backup.Summary{
		RunID:  "run-1",
		Status: backup.StatusOK,
		Measurements: []backup.MeasurementResult{
			{Measurement: "cpu", State: backup.StateDone, PointsRead: 10, PointsWritten: 10},
		},
	}

	m.Observe(summary, 2*time.Second)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.PointsWritten.WithLabelValues("test-job", "cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LastRunStatus.WithLabelValues("test-job")))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewLogger_DefaultsToInfoLevel(t *testing.T) {
	logger := NewLogger("test-job", config.Options{})
	require.NotNil(t, logger)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
