// Package lineprotocol parses and escapes InfluxDB line protocol text. It
// exists alongside the influxclient/client/v2-based write path as a
// dependency-free way to validate a point's identifiers before handing it
// to the wire client, and to round-trip a written point back for tests.
package lineprotocol

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Point is a single parsed line protocol point.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Timestamp   time.Time
}

var tagPairRE = regexp.MustCompile(`^([^=]+)=([^,\s]+)$`)

// ParseLine parses one line protocol line: measurement[,tag=val...] field=val[,field=val...] [timestamp].
func ParseLine(line string) (*Point, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty line")
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid line format: %s", line)
	}

	measurement, tags, err := parseMeasurementTags(parts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse measurement/tags: %w", err)
	}

	fields, err := parseFields(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse fields: %w", err)
	}

	timestampPart := ""
	if len(parts) == 3 {
		timestampPart = parts[2]
	}
	timestamp, err := parseTimestamp(timestampPart)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	return &Point{Measurement: measurement, Tags: tags, Fields: fields, Timestamp: timestamp}, nil
}

func parseMeasurementTags(part string) (string, map[string]string, error) {
	parts := strings.Split(part, ",")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, fmt.Errorf("empty measurement")
	}
	measurement := unescapeMeasurement(parts[0])

	tags := make(map[string]string)
	for _, tagPart := range parts[1:] {
		matches := tagPairRE.FindStringSubmatch(tagPart)
		if len(matches) != 3 {
			continue
		}
		key := unescapeKey(matches[1])
		value := unescapeValue(matches[2])
		if key != "" && value != "" {
			tags[key] = value
		}
	}
	return measurement, tags, nil
}

func parseFields(part string) (map[string]interface{}, error) {
	raw := make(map[string]string)
	for _, fieldPart := range strings.Split(part, ",") {
		kv := strings.SplitN(fieldPart, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := unescapeKey(kv[0])
		value := strings.Trim(kv[1], `"`)
		raw[key] = value
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no valid fields found in %q", part)
	}

	fields := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		fields[key] = convertFieldValue(value)
	}
	return fields, nil
}

func parseTimestamp(part string) (time.Time, error) {
	if part == "" {
		return time.Time{}, nil
	}
	ns, err := strconv.ParseInt(part, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %s", part)
	}
	return time.Unix(0, ns).UTC(), nil
}

func convertFieldValue(value string) interface{} {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasSuffix(value, "i") {
		if n, err := strconv.ParseInt(strings.TrimSuffix(value, "i"), 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// FormatLine renders p as a line protocol line, escaping identifiers and
// values that contain reserved characters (space, comma, equals sign).
func FormatLine(p *Point) string {
	var b strings.Builder
	b.WriteString(escapeMeasurement(p.Measurement))
	for _, k := range sortedTagKeys(p.Tags) {
		b.WriteByte(',')
		b.WriteString(escapeKey(k))
		b.WriteByte('=')
		b.WriteString(escapeKey(p.Tags[k]))
	}
	b.WriteByte(' ')
	fieldKeys := sortedFieldKeys(p.Fields)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeKey(k))
		b.WriteByte('=')
		b.WriteString(formatFieldValue(p.Fields[k]))
	}
	if !p.Timestamp.IsZero() {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.Timestamp.UnixNano(), 10))
	}
	return b.String()
}

func formatFieldValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return `"` + strings.ReplaceAll(val, `"`, `\"`) + `"`
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(val, 10) + "i"
	case int:
		return strconv.Itoa(val) + "i"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ValidateLine checks a line's shape without fully decoding field values,
// used as a cheap pre-flight check before writes.
func ValidateLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Errorf("empty line")
	}
	// Split into at most three sections on spaces that are neither
	// backslash-escaped nor inside a quoted string field value.
	var parts []string
	start, inQuote := 0, false
	for i := 0; i < len(line) && len(parts) < 2; i++ {
		switch {
		case line[i] == '\\':
			i++
		case line[i] == '"':
			inQuote = !inQuote
		case line[i] == ' ' && !inQuote:
			parts = append(parts, line[start:i])
			start = i + 1
		}
	}
	parts = append(parts, line[start:])
	if len(parts) < 2 {
		return fmt.Errorf("invalid line format: %s", line)
	}
	if !strings.Contains(parts[1], "=") {
		return fmt.Errorf("no fields found: %s", parts[1])
	}
	if len(parts) == 3 {
		if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
			return fmt.Errorf("invalid timestamp: %s", parts[2])
		}
	}
	return nil
}

func sortedTagKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unescapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, `\ `, " ")
	return strings.ReplaceAll(s, `\,`, ",")
}

func unescapeKey(s string) string {
	s = strings.ReplaceAll(s, `\ `, " ")
	s = strings.ReplaceAll(s, `\,`, ",")
	return strings.ReplaceAll(s, `\=`, "=")
}

func unescapeValue(s string) string {
	s = strings.ReplaceAll(s, `\ `, " ")
	return strings.ReplaceAll(s, `\,`, ",")
}

func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	return strings.ReplaceAll(s, " ", `\ `)
}

func escapeKey(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "=", `\=`)
	return strings.ReplaceAll(s, " ", `\ `)
}
