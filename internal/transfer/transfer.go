// Package transfer implements the per-(measurement, chunk) transfer step:
// build the mean()/last() query pair, merge the two result sets, drop
// non-finite cells, and write the resulting points with bounded retry.
package transfer

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nullstream/influx-replicator/internal/errkind"
	"github.com/nullstream/influx-replicator/internal/filter"
	"github.com/nullstream/influx-replicator/internal/influxclient"
)

// Source is the subset of the InfluxDB client the engine needs to read a chunk.
type Source interface {
	QueryChunk(db, measurement string, fields []string, t0, t1 time.Time, exclusiveStart bool, groupBy string, agg influxclient.Aggregator) ([]influxclient.Row, int, error)
}

// Destination is the subset of the InfluxDB client the engine needs to write a chunk.
type Destination interface {
	WritePoints(db string, points []influxclient.Point, batchSize int) error
}

// Result summarizes one chunk transfer.
type Result struct {
	PointsRead    int
	PointsWritten int
	CellsDropped  int
	Attempts      int
}

// RetryPolicy bounds write retries: up to Retries attempts after the first,
// each separated by Delay.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

const defaultBatchSize = 5000

// Chunk executes one (measurement, chunk) transfer: splits fields by kind,
// issues up to two queries, merges rows, and writes the result to dest.
func Chunk(ctx context.Context, log *logrus.Entry, source Source, dest Destination, sourceDB, destDB, measurement string, fields []filter.Field, t0, t1 time.Time, exclusiveStart bool, groupBy string, retry RetryPolicy) (Result, error) {
	var numeric, nonNumeric []string
	for _, f := range fields {
		if f.Kind == filter.Numeric {
			numeric = append(numeric, f.Name)
		} else {
			nonNumeric = append(nonNumeric, f.Name)
		}
	}

	rows := map[rowKey]map[string]interface{}{}
	tagsByKey := map[rowKey]map[string]string{}
	dropped := 0

	if len(numeric) > 0 {
		meanRows, d, err := source.QueryChunk(sourceDB, measurement, numeric, t0, t1, exclusiveStart, groupBy, influxclient.Mean)
		if err != nil {
			return Result{}, err
		}
		dropped += d
		mergeRows(rows, tagsByKey, meanRows)
	}
	if len(nonNumeric) > 0 {
		lastRows, d, err := source.QueryChunk(sourceDB, measurement, nonNumeric, t0, t1, exclusiveStart, groupBy, influxclient.Last)
		if err != nil {
			return Result{}, err
		}
		dropped += d
		mergeRows(rows, tagsByKey, lastRows)
	}

	if dropped > 0 {
		log.WithFields(logrus.Fields{
			"measurement": measurement,
			"chunk_start": t0,
			"chunk_end":   t1,
			"dropped":     dropped,
		}).Warn("dropped non-finite numeric cells")
	}

	if len(rows) == 0 {
		return Result{CellsDropped: dropped}, nil
	}

	points := make([]influxclient.Point, 0, len(rows))
	for key, values := range rows {
		if len(values) == 0 {
			continue
		}
		points = append(points, influxclient.Point{
			Measurement: measurement,
			Time:        key.t,
			Tags:        tagsByKey[key],
			Fields:      values,
		})
	}

	attempts, err := writeWithRetry(ctx, log, dest, destDB, points, retry)
	if err != nil {
		return Result{PointsRead: len(points), CellsDropped: dropped, Attempts: attempts}, err
	}
	return Result{PointsRead: len(points), PointsWritten: len(points), CellsDropped: dropped, Attempts: attempts}, nil
}

type rowKey struct {
	t      time.Time
	tagSig string
}

func mergeRows(rows map[rowKey]map[string]interface{}, tagsByKey map[rowKey]map[string]string, in []influxclient.Row) {
	for _, r := range in {
		key := rowKey{t: r.Time, tagSig: tagSignature(r.Tags)}
		dest, ok := rows[key]
		if !ok {
			dest = map[string]interface{}{}
			rows[key] = dest
			tagsByKey[key] = r.Tags
		}
		for k, v := range r.Values {
			dest[k] = v
		}
	}
}

func tagSignature(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sig := ""
	for _, k := range keys {
		sig += k + "=" + tags[k] + ","
	}
	return sig
}

// writeWithRetry writes points to dest, retrying up to retry.Retries times
// on TransientError with a fixed delay between attempts. Attempts is capped
// at retry.Retries + 1.
func writeWithRetry(ctx context.Context, log *logrus.Entry, dest Destination, destDB string, points []influxclient.Point, retry RetryPolicy) (int, error) {
	var lastErr error
	maxAttempts := retry.Retries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := dest.WritePoints(destDB, points, defaultBatchSize)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !errkind.Is(err, errkind.Transient) {
			return attempt, err
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("write attempt failed, will retry if attempts remain")
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(retry.Delay):
		}
	}
	return maxAttempts, lastErr
}
