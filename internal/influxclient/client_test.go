package influxclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/influx-replicator/internal/errkind"
)

// fakeInflux mimics just enough of the InfluxDB 1.x HTTP API for the client
// wrapper's unit tests: GET /ping and POST /query with a pluggable response.
type fakeInflux struct {
	queryResponses map[string]string // keyed by the "q" query string
	writeStatus    int
	writes         int32
}

func newFakeInflux(t *testing.T) (*httptest.Server, *fakeInflux) {
	f := &fakeInflux{queryResponses: map[string]string{}, writeStatus: http.StatusNoContent}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ping":
			w.Header().Set("X-Influxdb-Version", "1.8.10")
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/query":
			q := r.URL.Query().Get("q")
			if r.Method == http.MethodPost && q == "" {
				_ = r.ParseForm()
				q = r.FormValue("q")
			}
			body, ok := f.queryResponses[q]
			if !ok {
				t.Fatalf("unexpected query: %s", q)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		case r.URL.Path == "/write":
			atomic.AddInt32(&f.writes, 1)
			w.WriteHeader(f.writeStatus)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	return srv, f
}

func TestPing_Success(t *testing.T) {
	srv, _ := newFakeInflux(t)
	defer srv.Close()

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.NoError(t, c.Ping())
}

func TestDatabases_ExcludesNothingItself(t *testing.T) {
	srv, f := newFakeInflux(t)
	defer srv.Close()

	f.queryResponses["SHOW DATABASES"] = `{"results":[{"series":[{"name":"databases","columns":["name"],"values":[["telegraf"],["ops"],["_internal"]]}]}]}`

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	dbs, err := c.Databases()
	require.NoError(t, err)
	assert.Equal(t, []string{"telegraf", "ops", "_internal"}, dbs)
}

func TestFieldKeys_MapsInfluxTypesToKinds(t *testing.T) {
	srv, f := newFakeInflux(t)
	defer srv.Close()

	f.queryResponses[`SHOW FIELD KEYS FROM "cpu"`] = `{"results":[{"series":[{"name":"cpu","columns":["fieldKey","fieldType"],"values":[["usage","float"],["host_id","integer"],["label","string"],["ok","boolean"]]}]}]}`

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	fields, err := c.FieldKeys("telegraf", "cpu")
	require.NoError(t, err)
	require.Len(t, fields, 4)
	assert.Equal(t, Numeric, fields[0].Kind)
	assert.Equal(t, Numeric, fields[1].Kind)
	assert.Equal(t, String, fields[2].Kind)
	assert.Equal(t, Boolean, fields[3].Kind)
}

func TestLastTimestamp_EmptyMeasurement(t *testing.T) {
	srv, f := newFakeInflux(t)
	defer srv.Close()

	f.queryResponses[`SELECT * FROM "cpu" ORDER BY time DESC LIMIT 1`] = `{"results":[{}]}`

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	_, ok, err := c.LastTimestamp("telegraf", "cpu")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryChunk_StripsPrefixAndDropsNonFinite(t *testing.T) {
	srv, f := newFakeInflux(t)
	defer srv.Close()

	q := `SELECT mean("usage") FROM "cpu" WHERE time >= '2024-01-01T00:00:00Z' AND time < '2024-01-01T00:05:00Z' GROUP BY time(5m), *`
	f.queryResponses[q] = `{"results":[{"series":[{"name":"cpu","tags":{"host":"a"},"columns":["time","mean_usage"],"values":[["2024-01-01T00:00:00Z",1.5],["2024-01-01T00:01:00Z",null]]}]}]}`

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)
	rows, dropped, err := c.QueryChunk("telegraf", "cpu", []string{"usage"}, t0, t1, false, "5m", Mean)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.5, rows[0].Values["usage"])
	assert.Equal(t, "a", rows[0].Tags["host"])
	assert.NotContains(t, rows[1].Values, "usage")
}

func TestWritePoints_BatchesAtBatchSize(t *testing.T) {
	srv, f := newFakeInflux(t)
	defer srv.Close()

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	points := make([]Point, 3)
	for i := range points {
		points[i] = Point{
			Measurement: "cpu",
			Time:        time.Unix(int64(i), 0),
			Fields:      map[string]interface{}{"usage": float64(i)},
		}
	}
	require.NoError(t, c.WritePoints("telegraf", points, 2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.writes))
}

func TestWritePoints_ServerErrorIsTransient(t *testing.T) {
	srv, f := newFakeInflux(t)
	defer srv.Close()
	f.writeStatus = http.StatusServiceUnavailable

	c, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	err = c.WritePoints("telegraf", []Point{{Measurement: "cpu", Time: time.Unix(0, 0), Fields: map[string]interface{}{"usage": 1.0}}}, 10)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Transient))
}
