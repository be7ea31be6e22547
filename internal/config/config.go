// Package config loads and validates the YAML job configuration described
// in the external interfaces section of the system design: one document per
// job, with source, destination, measurements and options sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nullstream/influx-replicator/internal/errkind"
)

// DatabaseEntry maps one source database onto a destination database name.
type DatabaseEntry struct {
	Name        string
	Destination string
	Prefix      string
	Suffix      string
}

// ResolvedDestination returns Destination if set, else Prefix+Name+Suffix.
func (d DatabaseEntry) ResolvedDestination() string {
	if d.Destination != "" {
		return d.Destination
	}
	return d.Prefix + d.Name + d.Suffix
}

// Endpoint is a source or destination InfluxDB connection.
type Endpoint struct {
	URL      string
	User     string
	Password string
}

// FieldPolicy is the include/exclude/types policy applied to one measurement's
// fields, either the global default or a per-measurement override.
type FieldPolicy struct {
	Include []string
	Exclude []string
	Types   []string // subset of "numeric", "string", "boolean"
}

// Incremental holds the knobs specific to options.incremental.*.
type Incremental struct {
	FallbackDays      int
	Schedule          string
	ObsoleteThreshold string
}

// LogRotation controls the optional rotating file writer backing options.log_file.
type LogRotation struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Metrics controls the optional loopback metrics/health HTTP surface.
type Metrics struct {
	Enabled bool
	Listen  string
}

// Options is the options.* section.
type Options struct {
	Mode          string
	StartDate     *time.Time
	EndDate       *time.Time
	BackupPeriod  string
	ChunkDays     int
	TimeoutClient time.Duration
	Retries       int
	RetryDelay    time.Duration
	Incremental   Incremental
	ObsoleteDays  int
	LogFile       string
	LogLevel      string
	LogRotation   LogRotation
	Metrics       Metrics
}

// Config is one fully loaded and validated job configuration.
type Config struct {
	Path        string
	Name        string
	Source      Endpoint
	Databases   []DatabaseEntry
	GroupBy     string
	Destination Endpoint
	Include     []string
	Exclude     []string
	Specific    map[string]FieldPolicy
	Options     Options

	raw map[string]interface{}
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and validates the YAML document at path. It first loads an
// optional .env file from the working directory (a missing one is not an
// error), and resolves ${VAR} references against the process environment
// before parsing.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional, absence is not an error

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, "reading config file "+path, err)
	}

	substituted, err := substituteEnv(string(body))
	if err != nil {
		return nil, err
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(substituted), &raw); err != nil {
		return nil, errkind.Wrap(errkind.Config, "parsing YAML in "+path, err)
	}

	for _, section := range []string{"source", "destination", "options"} {
		if _, ok := raw[section]; !ok {
			return nil, errkind.New(errkind.Config, fmt.Sprintf("missing required section %q in %s", section, path))
		}
	}

	cfg := &Config{
		Path: path,
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		raw:  raw,
	}
	cfg.populate()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsTemplate reports whether a config file name should be ignored by the
// directory scanner because it is a template, not a runnable job.
func IsTemplate(name string) bool {
	return strings.HasSuffix(name, ".template.yaml")
}

func substituteEnv(text string) (string, error) {
	var missing []string
	result := envRefRe.ReplaceAllStringFunc(text, func(m string) string {
		name := envRefRe.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", errkind.New(errkind.Config, "unset environment variable(s) referenced in config: "+strings.Join(missing, ", "))
	}
	return result, nil
}

func (c *Config) populate() {
	c.Source = Endpoint{
		URL:      c.getString("source.url", ""),
		User:     c.getString("source.user", ""),
		Password: c.getString("source.password", ""),
	}
	c.GroupBy = c.getString("source.group_by", "5m")
	c.Databases = c.getDatabases("source.databases")

	c.Destination = Endpoint{
		URL:      c.getString("destination.url", ""),
		User:     c.getString("destination.user", ""),
		Password: c.getString("destination.password", ""),
	}

	c.Include = c.getStringSlice("measurements.include", nil)
	c.Exclude = c.getStringSlice("measurements.exclude", nil)
	c.Specific = c.getSpecific("measurements.specific")

	chunkDays := c.getInt("options.chunk_days", 0)
	if chunkDays == 0 {
		chunkDays = c.getInt("options.days_of_pagination", 7)
	}

	c.Options = Options{
		Mode:          c.getString("options.mode", "incremental"),
		BackupPeriod:  c.getString("options.backup_period", ""),
		ChunkDays:     chunkDays,
		TimeoutClient: time.Duration(c.getInt("options.timeout_client", 20)) * time.Second,
		Retries:       c.getInt("options.retries", 3),
		RetryDelay:    time.Duration(c.getInt("options.retry_delay", 5)) * time.Second,
		Incremental: Incremental{
			FallbackDays:      c.getInt("options.incremental.fallback_days", 30),
			Schedule:          c.getString("options.incremental.schedule", ""),
			ObsoleteThreshold: c.getString("options.incremental.obsolete_threshold", ""),
		},
		ObsoleteDays: c.getInt("options.obsolete_days", 30),
		LogFile:      c.getString("options.log_file", ""),
		LogLevel:     c.getString("options.log_level", "INFO"),
		LogRotation: LogRotation{
			MaxSizeMB:  c.getInt("options.log_rotation.max_size_mb", 100),
			MaxAgeDays: c.getInt("options.log_rotation.max_age_days", 28),
			MaxBackups: c.getInt("options.log_rotation.max_backups", 5),
		},
		Metrics: Metrics{
			Enabled: c.getBool("options.metrics.enabled", false),
			Listen:  c.getString("options.metrics.listen", "127.0.0.1:9090"),
		},
	}

	if s := c.getString("options.start_date", ""); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			c.Options.StartDate = &t
		}
	}
	if s := c.getString("options.end_date", ""); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			c.Options.EndDate = &t
		}
	}
}

func (c *Config) validate() error {
	if c.Source.URL == "" {
		return errkind.New(errkind.Config, "source.url is required in "+c.Path)
	}
	if c.Destination.URL == "" {
		return errkind.New(errkind.Config, "destination.url is required in "+c.Path)
	}
	switch c.Options.Mode {
	case "range", "incremental":
	default:
		return errkind.New(errkind.Config, "options.mode must be \"range\" or \"incremental\", got "+c.Options.Mode)
	}
	if c.Options.Mode == "range" && c.Options.StartDate == nil {
		return errkind.New(errkind.Config, "options.start_date is required when options.mode is \"range\"")
	}
	if c.Options.ChunkDays < 1 {
		return errkind.New(errkind.Config, "options.chunk_days must be >= 1")
	}
	if c.GroupBy == "" && c.Options.ChunkDays > 1 {
		return errkind.New(errkind.Config, "source.group_by is empty (raw rows requested) but options.chunk_days > 1; set chunk_days = 1 or configure group_by")
	}
	for name, policy := range c.Specific {
		for _, t := range policy.Types {
			switch t {
			case "numeric", "string", "boolean":
			default:
				return errkind.New(errkind.Config, fmt.Sprintf("measurements.specific.%s.fields.types contains unknown type %q", name, t))
			}
		}
	}
	return nil
}

// Get resolves a dotted path against the raw decoded document, returning
// def when any segment of the path is missing or not a nested mapping.
func (c *Config) Get(path string, def interface{}) interface{} {
	cur := interface{}(c.raw)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asStringMap(cur)
		if !ok {
			return def
		}
		v, ok := m[seg]
		if !ok {
			return def
		}
		cur = v
	}
	if cur == nil {
		return def
	}
	return cur
}

func (c *Config) getString(path, def string) string {
	v := c.Get(path, def)
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func (c *Config) getBool(path string, def bool) bool {
	v := c.Get(path, def)
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (c *Config) getInt(path string, def int) int {
	v := c.Get(path, def)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

func (c *Config) getStringSlice(path string, def []string) []string {
	v := c.Get(path, def)
	list, ok := v.([]interface{})
	if !ok {
		return def
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) getDatabases(path string) []DatabaseEntry {
	v := c.Get(path, nil)
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]DatabaseEntry, 0, len(list))
	for _, item := range list {
		m, ok := asStringMap(item)
		if !ok {
			continue
		}
		out = append(out, DatabaseEntry{
			Name:        stringField(m, "name"),
			Destination: stringField(m, "destination"),
			Prefix:      stringField(m, "prefix"),
			Suffix:      stringField(m, "suffix"),
		})
	}
	return out
}

func (c *Config) getSpecific(path string) map[string]FieldPolicy {
	v := c.Get(path, nil)
	m, ok := asStringMap(v)
	if !ok {
		return nil
	}
	out := make(map[string]FieldPolicy, len(m))
	for name, entry := range m {
		em, ok := asStringMap(entry)
		if !ok {
			continue
		}
		fm, ok := asStringMap(em["fields"])
		if !ok {
			continue
		}
		out[name] = FieldPolicy{
			Include: stringSliceField(fm, "include"),
			Exclude: stringSliceField(fm, "exclude"),
			Types:   stringSliceField(fm, "types"),
		}
	}
	return out
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func stringSliceField(m map[string]interface{}, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
