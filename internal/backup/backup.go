// Package backup implements the per-job orchestration: resolve databases,
// drive the planner/filter/transfer engine per measurement, and aggregate
// a job-level status.
package backup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nullstream/influx-replicator/internal/config"
	"github.com/nullstream/influx-replicator/internal/errkind"
	"github.com/nullstream/influx-replicator/internal/filter"
	"github.com/nullstream/influx-replicator/internal/influxclient"
	"github.com/nullstream/influx-replicator/internal/rangeplan"
	"github.com/nullstream/influx-replicator/internal/transfer"
)

// MeasurementState is the per-measurement state machine's terminal state.
type MeasurementState string

const (
	StateDone   MeasurementState = "DONE"
	StateFailed MeasurementState = "FAILED"
)

// MeasurementResult is one measurement's outcome within a job run, and the
// counters ledger entry used both for the summary log line and for C9's
// Prometheus gauges.
type MeasurementResult struct {
	Measurement   string
	State         MeasurementState
	PointsRead    int
	PointsWritten int
	ChunksOK      int
	ChunksFailed  int
	Err           error
}

// JobStatus is the aggregated outcome of one run.
type JobStatus string

const (
	StatusOK      JobStatus = "ok"
	StatusPartial JobStatus = "partial"
)

// Summary is the job-level report emitted at the end of a run.
type Summary struct {
	RunID        string
	Status       JobStatus
	Measurements []MeasurementResult
}

// Client is the subset of influxclient.Client the manager needs, satisfied
// by both the source and destination connections.
type Client interface {
	Ping() error
	Databases() ([]string, error)
	Measurements(db string) ([]string, error)
	FieldKeys(db, measurement string) ([]influxclient.Field, error)
	FirstTimestamp(db, measurement string) (time.Time, bool, error)
	LastTimestamp(db, measurement string) (time.Time, bool, error)
	LastFieldTimestamp(db, measurement, field string) (time.Time, bool, error)
	EnsureDatabase(db string) error
	QueryChunk(db, measurement string, fields []string, t0, t1 time.Time, exclusiveStart bool, groupBy string, agg influxclient.Aggregator) ([]influxclient.Row, int, error)
	WritePoints(db string, points []influxclient.Point, batchSize int) error
}

// Manager drives one job's runs. It is reused across cron ticks by C7.
type Manager struct {
	cfg    *config.Config
	source Client
	dest   Client
	log    *logrus.Logger
	now    func() time.Time
}

// New builds a Manager bound to one job's configuration and connections.
func New(cfg *config.Config, source, dest Client, log *logrus.Logger) *Manager {
	return &Manager{cfg: cfg, source: source, dest: dest, log: log, now: time.Now}
}

// Run executes one full pass over the job's databases and measurements.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	log := m.log.WithField("run_id", runID)

	if err := m.source.Ping(); err != nil {
		return Summary{}, errkind.Wrap(errkind.Connection, "source unreachable", err)
	}
	if err := m.dest.Ping(); err != nil {
		return Summary{}, errkind.Wrap(errkind.Connection, "destination unreachable", err)
	}

	mappings, err := m.resolveMappings()
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{RunID: runID, Status: StatusOK}
	for _, mapping := range mappings {
		if err := m.dest.EnsureDatabase(mapping.ResolvedDestination()); err != nil {
			return Summary{}, err
		}
		results, err := m.processDatabase(ctx, log, mapping)
		if err != nil {
			return Summary{}, err
		}
		summary.Measurements = append(summary.Measurements, results...)
	}

	for _, r := range summary.Measurements {
		if r.State == StateFailed {
			summary.Status = StatusPartial
		}
	}

	log.WithFields(logrus.Fields{
		"status":       summary.Status,
		"measurements": len(summary.Measurements),
	}).Info("job run complete")

	return summary, nil
}

func (m *Manager) resolveMappings() ([]config.DatabaseEntry, error) {
	if len(m.cfg.Databases) > 0 {
		return m.cfg.Databases, nil
	}
	names, err := m.source.Databases()
	if err != nil {
		return nil, err
	}
	var out []config.DatabaseEntry
	for _, name := range names {
		if name == "_internal" {
			continue
		}
		out = append(out, config.DatabaseEntry{Name: name})
	}
	return out, nil
}

func (m *Manager) processDatabase(ctx context.Context, log *logrus.Entry, mapping config.DatabaseEntry) ([]MeasurementResult, error) {
	destDB := mapping.ResolvedDestination()
	all, err := m.source.Measurements(mapping.Name)
	if err != nil {
		return nil, err
	}
	names := filter.Measurements(all, m.cfg.Include, m.cfg.Exclude)

	var results []MeasurementResult
	for _, name := range names {
		result := m.processMeasurement(ctx, log, mapping.Name, destDB, name)
		results = append(results, result)
	}
	return results, nil
}

func (m *Manager) processMeasurement(ctx context.Context, log *logrus.Entry, sourceDB, destDB, measurement string) MeasurementResult {
	result := MeasurementResult{Measurement: measurement}
	mlog := log.WithFields(logrus.Fields{"measurement": measurement, "database": sourceDB})

	sourceFields, err := m.source.FieldKeys(sourceDB, measurement)
	if err != nil {
		result.State = StateFailed
		result.Err = err
		mlog.WithError(err).Error("failed to list field keys")
		return result
	}

	policy := filter.PolicyFor(measurement, m.cfg.Specific, nil, nil)
	candidates := toFilterFields(sourceFields)
	candidates = filter.Fields(candidates, policy)

	now := m.now().UTC()
	candidates = filter.ObsoleteFields(measurement, candidates, now, m.cfg.Options.ObsoleteDays, func(meas, field string) (time.Time, bool) {
		ts, ok, err := m.dest.LastFieldTimestamp(destDB, meas, field)
		if err != nil {
			return time.Time{}, false
		}
		return ts, ok
	})

	if len(candidates) == 0 {
		result.State = StateDone
		return result
	}

	lastTS, hasLast, err := m.dest.LastTimestamp(destDB, measurement)
	if err != nil {
		result.State = StateFailed
		result.Err = err
		mlog.WithError(err).Error("failed to read destination last timestamp")
		return result
	}

	if m.cfg.Options.Mode == "incremental" {
		threshold := obsoleteThreshold(m.cfg)
		if filter.MeasurementObsolete(lastTS, hasLast, now, threshold) {
			result.State = StateDone
			mlog.Debug("measurement is obsolete, skipping")
			return result
		}
	}

	firstTS, hasFirst, err := m.source.FirstTimestamp(sourceDB, measurement)
	if err != nil {
		result.State = StateFailed
		result.Err = err
		mlog.WithError(err).Error("failed to read source first timestamp")
		return result
	}

	in := rangeplan.Inputs{
		Mode:         m.cfg.Options.Mode,
		StartDate:    m.cfg.Options.StartDate,
		EndDate:      m.cfg.Options.EndDate,
		BackupPeriod: m.cfg.Options.BackupPeriod,
		ChunkDays:    m.cfg.Options.ChunkDays,
		FallbackDays: m.cfg.Options.Incremental.FallbackDays,
		Now:          now,
	}
	if hasLast {
		in.LastTS = &lastTS
	}
	if hasFirst {
		in.FirstTS = &firstTS
	}

	plan, err := rangeplan.Plan(in)
	if err != nil {
		result.State = StateFailed
		result.Err = err
		mlog.WithError(err).Error("failed to plan time range")
		return result
	}
	if plan.Empty() {
		result.State = StateDone
		return result
	}

	retry := transfer.RetryPolicy{Retries: m.cfg.Options.Retries, Delay: m.cfg.Options.RetryDelay}

	for _, chunk := range plan.Chunks {
		r, err := transfer.Chunk(ctx, mlog, m.source, m.dest, sourceDB, destDB, measurement, candidates, chunk.Start, chunk.End, chunk.ExclusiveStart, m.cfg.GroupBy, retry)
		result.PointsRead += r.PointsRead
		result.PointsWritten += r.PointsWritten
		if err != nil {
			result.State = StateFailed
			result.ChunksFailed++
			result.Err = err
			mlog.WithFields(logrus.Fields{
				"chunk_start": chunk.Start,
				"chunk_end":   chunk.End,
				"attempts":    r.Attempts,
			}).WithError(err).Error("chunk transfer failed, measurement aborted")
			return result
		}
		result.ChunksOK++

		select {
		case <-ctx.Done():
			result.State = StateFailed
			result.Err = ctx.Err()
			return result
		default:
		}
	}

	result.State = StateDone
	return result
}

func toFilterFields(fields []influxclient.Field) []filter.Field {
	out := make([]filter.Field, len(fields))
	for i, f := range fields {
		out[i] = filter.Field{Name: f.Name, Kind: filter.FieldKind(f.Kind)}
	}
	return out
}

func obsoleteThreshold(cfg *config.Config) time.Duration {
	if cfg.Options.Incremental.ObsoleteThreshold != "" {
		if d, err := rangeplan.ParseDuration(cfg.Options.Incremental.ObsoleteThreshold); err == nil {
			return d
		}
	}
	return time.Duration(cfg.Options.ObsoleteDays) * 24 * time.Hour
}
