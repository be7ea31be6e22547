package lineprotocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLine_ThenParseLine_RoundTrips(t *testing.T) {
	p := &Point{
		Measurement: "cpu usage",
		Tags:        map[string]string{"host": "a,b"},
		Fields:      map[string]interface{}{"value": 1.5, "ok": true, "label": "idle"},
		Timestamp:   time.Unix(0, 1704067200000000000),
	}

	line := FormatLine(p)
	require.NoError(t, ValidateLine(line))

	parsed, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "cpu usage", parsed.Measurement)
	assert.Equal(t, "a,b", parsed.Tags["host"])
	assert.Equal(t, 1.5, parsed.Fields["value"])
	assert.Equal(t, true, parsed.Fields["ok"])
	assert.Equal(t, "idle", parsed.Fields["label"])
	assert.Equal(t, p.Timestamp, parsed.Timestamp)
}

func TestParseLine_RejectsMissingFields(t *testing.T) {
	_, err := ParseLine("cpu 1700000000000000000")
	assert.Error(t, err)
}

func TestValidateLine_RejectsBadTimestamp(t *testing.T) {
	err := ValidateLine("cpu value=1 not-a-timestamp")
	assert.Error(t, err)
}
