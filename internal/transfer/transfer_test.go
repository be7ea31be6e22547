package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/influx-replicator/internal/errkind"
	"github.com/nullstream/influx-replicator/internal/filter"
	"github.com/nullstream/influx-replicator/internal/influxclient"
)

type fakeSource struct {
	meanRows []influxclient.Row
	lastRows []influxclient.Row
	dropped  int
	err      error
}

func (f *fakeSource) QueryChunk(db, measurement string, fields []string, t0, t1 time.Time, exclusiveStart bool, groupBy string, agg influxclient.Aggregator) ([]influxclient.Row, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	if agg == influxclient.Mean {
		return f.meanRows, f.dropped, nil
	}
	return f.lastRows, 0, nil
}

type fakeDest struct {
	failures  int
	writes    [][]influxclient.Point
	permanent error
}

func (f *fakeDest) WritePoints(db string, points []influxclient.Point, batchSize int) error {
	f.writes = append(f.writes, points)
	if f.permanent != nil {
		return f.permanent
	}
	if f.failures > 0 {
		f.failures--
		return errkind.New(errkind.Transient, "503 service unavailable")
	}
	return nil
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestChunk_MergesNumericAndNonNumericByTimeAndTags(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := t0.Add(5 * time.Minute)
	src := &fakeSource{
		meanRows: []influxclient.Row{{Time: ts, Tags: map[string]string{"host": "a"}, Values: map[string]interface{}{"usage": 1.5}}},
		lastRows: []influxclient.Row{{Time: ts, Tags: map[string]string{"host": "a"}, Values: map[string]interface{}{"status": "ok"}}},
	}
	dest := &fakeDest{}

	fields := []filter.Field{{Name: "usage", Kind: filter.Numeric}, {Name: "status", Kind: filter.String}}
	result, err := Chunk(context.Background(), discardLogger(), src, dest, "src", "dst", "cpu", fields, t0, t0.Add(time.Hour), false, "5m", RetryPolicy{Retries: 2, Delay: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PointsWritten)
	require.Len(t, dest.writes, 1)
	require.Len(t, dest.writes[0], 1)
	assert.Equal(t, 1.5, dest.writes[0][0].Fields["usage"])
	assert.Equal(t, "ok", dest.writes[0][0].Fields["status"])
}

func TestChunk_MergesByTimeAndMultiKeyTagset(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := t0.Add(5 * time.Minute)
	tags := map[string]string{"host": "a", "region": "us", "az": "1"}
	src := &fakeSource{
		meanRows: []influxclient.Row{{Time: ts, Tags: tags, Values: map[string]interface{}{"usage": 1.5}}},
		lastRows: []influxclient.Row{{Time: ts, Tags: tags, Values: map[string]interface{}{"status": "ok"}}},
	}
	dest := &fakeDest{}

	fields := []filter.Field{{Name: "usage", Kind: filter.Numeric}, {Name: "status", Kind: filter.String}}
	result, err := Chunk(context.Background(), discardLogger(), src, dest, "src", "dst", "cpu", fields, t0, t0.Add(time.Hour), false, "5m", RetryPolicy{Retries: 2, Delay: 0})
	require.NoError(t, err)
	// A tag set with several keys must still merge into a single point: a
	// signature built from unsorted map iteration would split it into two.
	assert.Equal(t, 1, result.PointsWritten)
	require.Len(t, dest.writes, 1)
	require.Len(t, dest.writes[0], 1)
	assert.Equal(t, 1.5, dest.writes[0][0].Fields["usage"])
	assert.Equal(t, "ok", dest.writes[0][0].Fields["status"])
}

func TestChunk_EmptyResultWritesNothingAndErrsNever(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	dest := &fakeDest{}
	fields := []filter.Field{{Name: "usage", Kind: filter.Numeric}}
	result, err := Chunk(context.Background(), discardLogger(), src, dest, "src", "dst", "cpu", fields, t0, t0.Add(time.Hour), false, "5m", RetryPolicy{Retries: 3, Delay: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, result.PointsWritten)
	assert.Empty(t, dest.writes)
}

func TestChunk_RetriesTransientUpToBound(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := t0.Add(time.Minute)
	src := &fakeSource{meanRows: []influxclient.Row{{Time: ts, Values: map[string]interface{}{"usage": 1.0}}}}
	dest := &fakeDest{failures: 2}

	fields := []filter.Field{{Name: "usage", Kind: filter.Numeric}}
	result, err := Chunk(context.Background(), discardLogger(), src, dest, "src", "dst", "cpu", fields, t0, t0.Add(time.Hour), false, "5m", RetryPolicy{Retries: 2, Delay: 0})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, dest.writes, 3)
}

func TestChunk_RetryExhaustionFailsMeasurement(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := t0.Add(time.Minute)
	src := &fakeSource{meanRows: []influxclient.Row{{Time: ts, Values: map[string]interface{}{"usage": 1.0}}}}
	dest := &fakeDest{failures: 99}

	fields := []filter.Field{{Name: "usage", Kind: filter.Numeric}}
	_, err := Chunk(context.Background(), discardLogger(), src, dest, "src", "dst", "cpu", fields, t0, t0.Add(time.Hour), false, "5m", RetryPolicy{Retries: 2, Delay: 0})
	require.Error(t, err)
	assert.Len(t, dest.writes, 3)
}
