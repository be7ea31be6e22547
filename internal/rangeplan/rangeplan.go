// Package rangeplan resolves the time interval a job should copy and splits
// it into half-open chunks bounded by chunk_days, aligned to the interval's
// start instant rather than calendar midnight.
package rangeplan

import (
	"regexp"
	"strconv"
	"time"

	"github.com/nullstream/influx-replicator/internal/errkind"
)

// Chunk is one half-open [Start, End) interval within a RangePlan.
// ExclusiveStart is set on the very first chunk when Start is a resume
// cursor (the destination's last written timestamp): the query at that
// boundary must use strict time > Start, not >=, or the last point already
// written would be re-queried and re-written on every run.
type Chunk struct {
	Start          time.Time
	End            time.Time
	ExclusiveStart bool
}

// RangePlan is an ordered, contiguous, non-overlapping list of chunks covering
// [Start, End) exactly. An empty plan means there is nothing to transfer.
type RangePlan struct {
	Start  time.Time
	End    time.Time
	Chunks []Chunk
}

// Empty reports whether there is nothing to do.
func (p RangePlan) Empty() bool { return len(p.Chunks) == 0 }

// Inputs bundles everything the planner needs to resolve [start, end).
type Inputs struct {
	Mode         string // "range" | "incremental"
	StartDate    *time.Time
	EndDate      *time.Time
	BackupPeriod string // relative duration, e.g. "7d"
	ChunkDays    int
	LastTS       *time.Time // destination's last timestamp for this measurement, if any
	FirstTS      *time.Time // source's first timestamp for this measurement, if any
	FallbackDays int
	Now          time.Time
}

// Plan resolves [start, end) per §4.3 and splits it into chunks.
func Plan(in Inputs) (RangePlan, error) {
	start, end, resumed, err := resolveRange(in)
	if err != nil {
		return RangePlan{}, err
	}
	if !start.Before(end) {
		return RangePlan{Start: start, End: end}, nil
	}
	return RangePlan{Start: start, End: end, Chunks: chunk(start, end, in.ChunkDays, resumed)}, nil
}

// resolveRange returns the resolved [start, end) plus whether start is a
// resume cursor taken directly from the destination's last timestamp
// (as opposed to the source's first timestamp, a fallback window, or a
// backup_period clamp).
func resolveRange(in Inputs) (time.Time, time.Time, bool, error) {
	switch in.Mode {
	case "range":
		if in.StartDate == nil {
			return time.Time{}, time.Time{}, false, errkind.New(errkind.Config, "range mode requires options.start_date")
		}
		start := *in.StartDate
		if in.EndDate != nil {
			return start, *in.EndDate, false, nil
		}
		if in.BackupPeriod != "" {
			d, err := ParseDuration(in.BackupPeriod)
			if err != nil {
				return time.Time{}, time.Time{}, false, err
			}
			return start, start.Add(d), false, nil
		}
		return time.Time{}, time.Time{}, false, errkind.New(errkind.Config, "range mode requires options.end_date or options.backup_period")

	case "incremental":
		end := in.Now
		var start time.Time
		resumed := false
		switch {
		case in.LastTS != nil:
			start = *in.LastTS
			resumed = true
		case in.FirstTS != nil:
			start = *in.FirstTS
		default:
			start = in.Now.AddDate(0, 0, -in.FallbackDays)
		}
		if in.BackupPeriod != "" {
			d, err := ParseDuration(in.BackupPeriod)
			if err != nil {
				return time.Time{}, time.Time{}, false, err
			}
			clamp := end.Add(-d)
			if start.Before(clamp) {
				start = clamp
				resumed = false
			}
		}
		return start, end, resumed, nil

	default:
		return time.Time{}, time.Time{}, false, errkind.New(errkind.Config, "unknown mode "+in.Mode)
	}
}

func chunk(start, end time.Time, chunkDays int, exclusiveStart bool) []Chunk {
	width := time.Duration(chunkDays) * 24 * time.Hour
	var chunks []Chunk
	cur := start
	first := true
	for cur.Before(end) {
		next := cur.Add(width)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, Chunk{Start: cur, End: next, ExclusiveStart: first && exclusiveStart})
		cur = next
		first = false
	}
	return chunks
}

var durationRe = regexp.MustCompile(`(\d+)([smhdwyM])`)

// ParseDuration parses a relative duration string using the suffixes
// s(econds) m(inutes) h(ours) d(ays) w(eeks) M(onths, ~30d) y(ears, ~365d).
// Multiple components (e.g. "1w2d") are summed.
func ParseDuration(s string) (time.Duration, error) {
	matches := durationRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, errkind.New(errkind.Config, "invalid duration string "+s)
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, errkind.Wrap(errkind.Config, "invalid duration string "+s, err)
		}
		switch m[2] {
		case "s":
			total += time.Duration(n) * time.Second
		case "m":
			total += time.Duration(n) * time.Minute
		case "h":
			total += time.Duration(n) * time.Hour
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		case "w":
			total += time.Duration(n) * 7 * 24 * time.Hour
		case "M":
			total += time.Duration(n) * 30 * 24 * time.Hour
		case "y":
			total += time.Duration(n) * 365 * 24 * time.Hour
		}
	}
	return total, nil
}
