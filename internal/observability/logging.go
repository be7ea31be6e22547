// Package observability builds the per-job logger and the optional loopback
// metrics/health HTTP surface.
package observability

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/nullstream/influx-replicator/internal/config"
)

// NewLogger builds a *logrus.Logger for one job: text formatter to stderr,
// plus an optional rotating file writer when options.log_file is set. Every
// entry carries a "job" field so interleaved jobs stay distinguishable in a
// shared log stream.
func NewLogger(name string, opts config.Options) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(parseLevel(opts.LogLevel))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logger.AddHook(jobFieldHook{job: name})

	var writers []io.Writer
	writers = append(writers, logger.Out)
	if opts.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    opts.LogRotation.MaxSizeMB,
			MaxAge:     opts.LogRotation.MaxAgeDays,
			MaxBackups: opts.LogRotation.MaxBackups,
			Compress:   true,
		})
	}
	if len(writers) > 1 {
		logger.SetOutput(io.MultiWriter(writers...))
	}

	return logger
}

// jobFieldHook stamps every log entry with the owning job's name.
type jobFieldHook struct {
	job string
}

func (h jobFieldHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h jobFieldHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["job"]; !ok {
		entry.Data["job"] = h.job
	}
	return nil
}

func parseLevel(level string) logrus.Level {
	if strings.EqualFold(level, "CRITICAL") {
		return logrus.FatalLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
