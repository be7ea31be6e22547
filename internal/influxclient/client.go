// Package influxclient is a typed wrapper over the InfluxDB 1.x HTTP API,
// built on the influxdata/influxdb client/v2 package rather than a
// hand-rolled HTTP layer.
package influxclient

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	client "github.com/influxdata/influxdb/client/v2"

	"github.com/nullstream/influx-replicator/internal/errkind"
	"github.com/nullstream/influx-replicator/pkg/lineprotocol"
)

// Config configures one endpoint connection.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// FieldKind mirrors the three field kinds InfluxDB 1.x supports.
type FieldKind string

const (
	Numeric FieldKind = "numeric"
	String  FieldKind = "string"
	Boolean FieldKind = "boolean"
)

// Field describes one field discovered via SHOW FIELD KEYS.
type Field struct {
	Name string
	Kind FieldKind
}

// Row is one normalized result row: a timestamp, its tag set, and a value
// per requested field (with the mean_/last_ aggregation prefix stripped and
// non-finite numeric cells already dropped).
type Row struct {
	Time   time.Time
	Tags   map[string]string
	Values map[string]interface{}
}

// Point is a single line-protocol point ready to write.
type Point struct {
	Measurement string
	Time        time.Time
	Tags        map[string]string
	Fields      map[string]interface{}
}

// Client wraps a single InfluxDB 1.x HTTP endpoint.
type Client struct {
	cli     client.Client
	timeout time.Duration
}

// New builds the endpoint client described by cfg. client/v2 does not
// connect until the first call.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.URL,
		Username: cfg.User,
		Password: cfg.Password,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Connection, "building influxdb client for "+cfg.URL, err)
	}
	return &Client{cli: c, timeout: timeout}, nil
}

// Ping verifies reachability. Any failure is a ConnectionError.
func (c *Client) Ping() error {
	_, _, err := c.cli.Ping(c.timeout)
	if err != nil {
		return errkind.Wrap(errkind.Connection, "ping failed", err)
	}
	return nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) query(db, q string) (*client.Response, error) {
	resp, err := c.cli.Query(client.NewQuery(q, db, ""))
	if err != nil {
		return nil, classifyNetworkError(err)
	}
	if resp.Error() != nil {
		return nil, classifyQueryError(resp.Error())
	}
	return resp, nil
}

// classifyNetworkError maps a client/v2 transport-level error (connection
// reset, timeout, non-2xx status baked into the error string) onto the
// TransientError/PermanentError taxonomy.
func classifyNetworkError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "404") {
		return errkind.Wrap(errkind.Permanent, "query failed", err)
	}
	for _, code := range []string{"500", "502", "503", "504", "timeout", "connection reset", "EOF"} {
		if strings.Contains(msg, code) {
			return errkind.Wrap(errkind.Transient, "query failed", err)
		}
	}
	return errkind.Wrap(errkind.Transient, "query failed", err)
}

// classifyQueryError maps an InfluxQL-level error (syntax error, unknown
// field) returned inside a 200 response body onto PermanentError.
func classifyQueryError(err error) error {
	return errkind.Wrap(errkind.Permanent, "query rejected by server", err)
}

// Databases returns the database names reported by SHOW DATABASES.
func (c *Client) Databases() ([]string, error) {
	resp, err := c.query("", "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	names, err := singleColumnStrings(resp, "name")
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Measurements returns the measurement names in db.
func (c *Client) Measurements(db string) ([]string, error) {
	resp, err := c.query(db, "SHOW MEASUREMENTS")
	if err != nil {
		return nil, err
	}
	return singleColumnStrings(resp, "name")
}

// FieldKeys returns the fields declared on measurement, with Influx's
// fieldType mapped onto FieldKind.
func (c *Client) FieldKeys(db, measurement string) ([]Field, error) {
	q := fmt.Sprintf(`SHOW FIELD KEYS FROM %s`, quoteIdent(measurement))
	resp, err := c.query(db, q)
	if err != nil {
		return nil, err
	}
	var fields []Field
	for _, result := range resp.Results {
		for _, series := range result.Series {
			nameIdx, typeIdx := colIndex(series.Columns, "fieldKey"), colIndex(series.Columns, "fieldType")
			if nameIdx < 0 || typeIdx < 0 {
				continue
			}
			for _, row := range series.Values {
				name, _ := row[nameIdx].(string)
				kindStr, _ := row[typeIdx].(string)
				fields = append(fields, Field{Name: name, Kind: mapFieldKind(kindStr)})
			}
		}
	}
	return fields, nil
}

func mapFieldKind(influxType string) FieldKind {
	switch influxType {
	case "integer", "float":
		return Numeric
	case "boolean":
		return Boolean
	default:
		return String
	}
}

// FirstTimestamp returns the earliest point's timestamp in measurement, or
// ok=false if the measurement has no points.
func (c *Client) FirstTimestamp(db, measurement string) (ts time.Time, ok bool, err error) {
	return c.edgeTimestamp(db, measurement, "ASC")
}

// LastTimestamp returns the latest point's timestamp in measurement, or
// ok=false if the measurement has no points.
func (c *Client) LastTimestamp(db, measurement string) (ts time.Time, ok bool, err error) {
	return c.edgeTimestamp(db, measurement, "DESC")
}

func (c *Client) edgeTimestamp(db, measurement, order string) (time.Time, bool, error) {
	q := fmt.Sprintf(`SELECT * FROM %s ORDER BY time %s LIMIT 1`, quoteIdent(measurement), order)
	resp, err := c.query(db, q)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, result := range resp.Results {
		for _, series := range result.Series {
			timeIdx := colIndex(series.Columns, "time")
			if timeIdx < 0 || len(series.Values) == 0 {
				continue
			}
			t, ok := parseTimestamp(series.Values[0][timeIdx])
			if !ok {
				continue
			}
			return t, true, nil
		}
	}
	return time.Time{}, false, nil
}

// LastFieldTimestamp returns the latest timestamp at which field carried a
// non-null value, used by the per-field obsolescence check.
func (c *Client) LastFieldTimestamp(db, measurement, field string) (time.Time, bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY time DESC LIMIT 1`, quoteIdent(field), quoteIdent(measurement), quoteIdent(field))
	resp, err := c.query(db, q)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, result := range resp.Results {
		for _, series := range result.Series {
			timeIdx := colIndex(series.Columns, "time")
			if timeIdx < 0 || len(series.Values) == 0 {
				continue
			}
			t, ok := parseTimestamp(series.Values[0][timeIdx])
			if !ok {
				continue
			}
			return t, true, nil
		}
	}
	return time.Time{}, false, nil
}

// Aggregator selects which function wraps each requested field in QueryChunk.
type Aggregator string

const (
	Mean Aggregator = "mean"
	Last Aggregator = "last"
)

// QueryChunk executes SELECT agg(f1), agg(f2), ... FROM measurement WHERE
// time >= t0 AND time < t1 GROUP BY time(groupBy), * (time > t0 when
// exclusiveStart is set). With an empty groupBy the fields are selected raw,
// without agg, grouped by tags only. The result is normalized: aggregation
// prefixes stripped, non-finite numeric cells dropped.
func (c *Client) QueryChunk(db, measurement string, fields []string, t0, t1 time.Time, exclusiveStart bool, groupBy string, agg Aggregator) ([]Row, int, error) {
	if len(fields) == 0 {
		return nil, 0, nil
	}
	q := buildChunkQuery(measurement, fields, t0, t1, exclusiveStart, groupBy, agg)
	resp, err := c.query(db, q)
	if err != nil {
		return nil, 0, err
	}
	return normalizeRows(resp, string(agg)+"_")
}

func buildChunkQuery(measurement string, fields []string, t0, t1 time.Time, exclusiveStart bool, groupBy string, agg Aggregator) string {
	selectors := make([]string, len(fields))
	for i, f := range fields {
		if groupBy == "" {
			selectors[i] = quoteIdent(f)
		} else {
			selectors[i] = fmt.Sprintf(`%s(%s)`, agg, quoteIdent(f))
		}
	}
	startOp := ">="
	if exclusiveStart {
		startOp = ">"
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE time %s '%s' AND time < '%s'`,
		strings.Join(selectors, ", "), quoteIdent(measurement), startOp,
		t0.UTC().Format(time.RFC3339Nano), t1.UTC().Format(time.RFC3339Nano))
	if groupBy != "" {
		q += fmt.Sprintf(` GROUP BY time(%s), *`, groupBy)
	} else {
		q += ` GROUP BY *`
	}
	return q
}

// normalizeRows flattens every series in the response into Rows, stripping
// the given column-name prefix and dropping non-finite numeric cells,
// returning the drop count for WARNING-level logging by the caller.
func normalizeRows(resp *client.Response, stripPrefix string) ([]Row, int, error) {
	var rows []Row
	dropped := 0
	for _, result := range resp.Results {
		for _, series := range result.Series {
			timeIdx := colIndex(series.Columns, "time")
			if timeIdx < 0 {
				continue
			}
			for _, values := range series.Values {
				t, ok := parseTimestamp(values[timeIdx])
				if !ok {
					continue
				}
				row := Row{Time: t, Tags: series.Tags, Values: map[string]interface{}{}}
				for i, col := range series.Columns {
					if i == timeIdx {
						continue
					}
					name := strings.TrimPrefix(col, stripPrefix)
					v := values[i]
					if n, ok := v.(json.Number); ok {
						if f, err := n.Float64(); err == nil {
							v = f
						}
					}
					if f, ok := v.(float64); ok && !isFinite(f) {
						dropped++
						continue
					}
					if v != nil {
						row.Values[name] = v
					}
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, dropped, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// EnsureDatabase creates db if it does not already exist. Idempotent.
func (c *Client) EnsureDatabase(db string) error {
	_, err := c.query("", fmt.Sprintf(`CREATE DATABASE %s`, quoteIdent(db)))
	return err
}

// WritePoints issues one or more line-protocol writes to db, batched at up
// to batchSize points per request. A single attempt is made per batch; the
// caller (the transfer engine) is responsible for retries.
func (c *Client) WritePoints(db string, points []Point, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 5000
	}
	for start := 0; start < len(points); start += batchSize {
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}
		if err := c.writeBatch(db, points[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeBatch(db string, points []Point) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  db,
		Precision: "ns",
	})
	if err != nil {
		return errkind.Wrap(errkind.Data, "building batch", err)
	}
	for _, p := range points {
		line := lineprotocol.FormatLine(&lineprotocol.Point{Measurement: p.Measurement, Tags: p.Tags, Fields: p.Fields, Timestamp: p.Time})
		if err := lineprotocol.ValidateLine(line); err != nil {
			return errkind.Wrap(errkind.Data, "invalid line protocol for "+p.Measurement, err)
		}
		pt, err := client.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
		if err != nil {
			return errkind.Wrap(errkind.Data, "building point for "+p.Measurement, err)
		}
		bp.AddPoint(pt)
	}
	if err := c.cli.Write(bp); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

func classifyWriteError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, strconv.Itoa(http.StatusNotFound)) {
		return errkind.Wrap(errkind.Permanent, "write rejected", err)
	}
	for _, code := range []string{"400", "401", "403", "422"} {
		if strings.Contains(msg, code) {
			return errkind.Wrap(errkind.Permanent, "write rejected", err)
		}
	}
	return errkind.Wrap(errkind.Transient, "write failed", err)
}

func singleColumnStrings(resp *client.Response, column string) ([]string, error) {
	var out []string
	for _, result := range resp.Results {
		for _, series := range result.Series {
			idx := colIndex(series.Columns, column)
			if idx < 0 {
				idx = 0
			}
			for _, row := range series.Values {
				if s, ok := row[idx].(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out, nil
}

func colIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	case float64:
		return time.Unix(0, int64(t)).UTC(), true
	case time.Time:
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}
