// Package filter implements the three-stage measurement and field filter:
// measurement include/exclude, per-measurement-or-global field policy, and
// two-tier obsolescence pruning.
package filter

import (
	"time"

	"github.com/nullstream/influx-replicator/internal/config"
)

// FieldKind mirrors the three field kinds InfluxDB 1.x supports for writes.
type FieldKind string

const (
	Numeric FieldKind = "numeric"
	String  FieldKind = "string"
	Boolean FieldKind = "boolean"
)

// Field is a candidate field discovered on the source, before filtering.
type Field struct {
	Name string
	Kind FieldKind
}

// Measurements applies the measurement-level include/exclude stage.
// If include is non-empty, only listed names survive; otherwise names
// listed in exclude are dropped. Matching is case-sensitive.
func Measurements(all []string, include, exclude []string) []string {
	if len(include) > 0 {
		allow := toSet(include)
		out := make([]string, 0, len(all))
		for _, m := range all {
			if allow[m] {
				out = append(out, m)
			}
		}
		return out
	}
	deny := toSet(exclude)
	out := make([]string, 0, len(all))
	for _, m := range all {
		if !deny[m] {
			out = append(out, m)
		}
	}
	return out
}

// PolicyFor resolves the field policy for one measurement: the per-measurement
// override wins outright over the global policy when present.
func PolicyFor(measurement string, specific map[string]config.FieldPolicy, globalInclude, globalExclude []string) config.FieldPolicy {
	if p, ok := specific[measurement]; ok {
		return p
	}
	return config.FieldPolicy{Include: globalInclude, Exclude: globalExclude}
}

// Fields applies a field policy to the candidate fields seen on the source:
// restrict to declared types (if any), then include (if non-empty), then
// remove exclude.
func Fields(candidates []Field, policy config.FieldPolicy) []Field {
	out := candidates
	if len(policy.Types) > 0 {
		allowTypes := toSet(policy.Types)
		filtered := make([]Field, 0, len(out))
		for _, f := range out {
			if allowTypes[string(f.Kind)] {
				filtered = append(filtered, f)
			}
		}
		out = filtered
	}
	if len(policy.Include) > 0 {
		allow := toSet(policy.Include)
		filtered := make([]Field, 0, len(out))
		for _, f := range out {
			if allow[f.Name] {
				filtered = append(filtered, f)
			}
		}
		out = filtered
	}
	if len(policy.Exclude) > 0 {
		deny := toSet(policy.Exclude)
		filtered := make([]Field, 0, len(out))
		for _, f := range out {
			if !deny[f.Name] {
				filtered = append(filtered, f)
			}
		}
		out = filtered
	}
	return out
}

// LastWriteLookup resolves the destination's last-write timestamp for one
// field of one measurement, or ok=false if the field has never been written.
type LastWriteLookup func(measurement, field string) (ts time.Time, ok bool)

// ObsoleteFields drops fields whose latest destination value is older than
// now - obsoleteDays. Fields the destination has never written are kept.
// Applied before querying, in both modes.
func ObsoleteFields(measurement string, candidates []Field, now time.Time, obsoleteDays int, lookup LastWriteLookup) []Field {
	threshold := now.AddDate(0, 0, -obsoleteDays)
	out := make([]Field, 0, len(candidates))
	for _, f := range candidates {
		ts, ok := lookup(measurement, f.Name)
		if ok && ts.Before(threshold) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// MeasurementObsolete reports whether a measurement is dormant enough to be
// skipped entirely in incremental mode: its destination's last write, across
// any field, is older than now - threshold.
func MeasurementObsolete(lastWrite time.Time, hasLastWrite bool, now time.Time, threshold time.Duration) bool {
	if !hasLastWrite {
		return false
	}
	return lastWrite.Before(now.Add(-threshold))
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
