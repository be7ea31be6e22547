// Package orchestrator scans a configuration directory for job files and
// supervises one goroutine per job, each isolated by panic recovery.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nullstream/influx-replicator/internal/backup"
	"github.com/nullstream/influx-replicator/internal/config"
	"github.com/nullstream/influx-replicator/internal/errkind"
	"github.com/nullstream/influx-replicator/internal/influxclient"
	"github.com/nullstream/influx-replicator/internal/observability"
	"github.com/nullstream/influx-replicator/internal/scheduler"
)

// ExitCode mirrors the process exit codes the orchestrator aggregates to.
type ExitCode int

const (
	ExitOK      ExitCode = 0
	ExitFatal   ExitCode = 1
	ExitPartial ExitCode = 2
)

// JobOutcome is one job's terminal result, used to compute the aggregate
// process exit code.
type JobOutcome struct {
	ConfigPath string
	Err        error
	Partial    bool
}

// Discover lists the runnable job configuration files in dir: every
// *.yaml or *.yml file that is not a *.template.yaml.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, "reading config directory "+dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		if config.IsTemplate(name) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

// Run loads every job under configDir, starts one supervised goroutine per
// job, and blocks until all jobs have stopped (either ctx was canceled, or
// every "range" mode job ran to completion once).
func Run(ctx context.Context, configDir string) ExitCode {
	log := logrus.New()

	paths, err := Discover(configDir)
	if err != nil {
		log.WithError(err).Error("failed to discover job configurations")
		return ExitFatal
	}
	if len(paths) == 0 {
		log.WithField("dir", configDir).Warn("no job configuration files found")
		return ExitOK
	}

	outcomes := make(chan JobOutcome, len(paths))
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			outcomes <- runJob(ctx, path)
		}(path)
	}

	wg.Wait()
	close(outcomes)

	code := ExitOK
	for outcome := range outcomes {
		switch {
		case outcome.Err != nil:
			log.WithError(outcome.Err).WithField("config", outcome.ConfigPath).Error("job exited with an error")
			code = ExitFatal
		case outcome.Partial:
			log.WithField("config", outcome.ConfigPath).Warn("job completed with partial failures")
			if code == ExitOK {
				code = ExitPartial
			}
		}
	}
	return code
}

// runJob recovers panics into a JobOutcome so one misbehaving job cannot
// take down the process, the goroutine-per-job equivalent of per-process
// job isolation.
func runJob(ctx context.Context, path string) JobOutcome {
	outcome := JobOutcome{ConfigPath: path}
	defer func() {
		if r := recover(); r != nil {
			outcome.Err = errkind.New(errkind.Permanent, "job panicked: "+panicMessage(r))
		}
	}()

	cfg, err := config.Load(path)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	logger := observability.NewLogger(cfg.Name, cfg.Options)

	source, err := influxclient.New(influxclient.Config{
		URL: cfg.Source.URL, User: cfg.Source.User, Password: cfg.Source.Password, Timeout: cfg.Options.TimeoutClient,
	})
	if err != nil {
		outcome.Err = err
		return outcome
	}
	defer source.Close()

	dest, err := influxclient.New(influxclient.Config{
		URL: cfg.Destination.URL, User: cfg.Destination.User, Password: cfg.Destination.Password, Timeout: cfg.Options.TimeoutClient,
	})
	if err != nil {
		outcome.Err = err
		return outcome
	}
	defer dest.Close()

	if err := source.Ping(); err != nil {
		outcome.Err = errkind.Wrap(errkind.Connection, "source unreachable at startup for "+cfg.Name, err)
		return outcome
	}
	if err := dest.Ping(); err != nil {
		outcome.Err = errkind.Wrap(errkind.Connection, "destination unreachable at startup for "+cfg.Name, err)
		return outcome
	}

	manager := backup.New(cfg, source, dest, logger)
	metrics := observability.NewMetrics(cfg.Name, logger)
	if cfg.Options.Metrics.Enabled {
		if err := metrics.Start(ctx, cfg.Options.Metrics.Listen); err != nil {
			logger.WithError(err).Warn("failed to start metrics server")
		}
		defer metrics.Stop()
	}

	var mu sync.Mutex
	lastPartial := false

	runner := runnerFunc(func(ctx context.Context) error {
		start := time.Now()
		summary, err := manager.Run(ctx)
		metrics.Observe(summary, time.Since(start))
		if err != nil {
			return err
		}
		mu.Lock()
		lastPartial = summary.Status == backup.StatusPartial
		mu.Unlock()
		return nil
	})

	sched := scheduler.New(cfg.Name, runner, logger)

	if cfg.Options.Mode == "range" {
		outcome.Err = sched.RunOnce(ctx)
		if outcome.Err == nil && lastPartial {
			outcome.Partial = true
		}
		return outcome
	}

	schedule := cfg.Options.Incremental.Schedule
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if err := sched.StartCron(schedule); err != nil {
		outcome.Err = err
		return outcome
	}

	<-ctx.Done()
	sched.Stop()

	mu.Lock()
	outcome.Partial = lastPartial
	mu.Unlock()
	return outcome
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func panicMessage(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return stringify(r)
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic value"
}
