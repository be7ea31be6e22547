package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/influx-replicator/internal/errkind"
)

func writeTempConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndSubstitutesEnv(t *testing.T) {
	t.Setenv("SRC_PASSWORD", "secret")
	path := writeTempConfig(t, `
source:
  url: http://source:8086
  password: ${SRC_PASSWORD}
destination:
  url: http://dest:8086
options:
  mode: incremental
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://source:8086", cfg.Source.URL)
	assert.Equal(t, "secret", cfg.Source.Password)
	assert.Equal(t, "5m", cfg.GroupBy)
	assert.Equal(t, 7, cfg.Options.ChunkDays)
	assert.Equal(t, 3, cfg.Options.Retries)
}

func TestLoad_MissingEnvVarIsConfigError(t *testing.T) {
	path := writeTempConfig(t, `
source:
  url: http://source:8086
  password: ${UNSET_VAR_XYZ}
destination:
  url: http://dest:8086
options:
  mode: incremental
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestLoad_RangeModeWithoutStartDateIsConfigError(t *testing.T) {
	path := writeTempConfig(t, `
source:
  url: http://source:8086
destination:
  url: http://dest:8086
options:
  mode: range
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestLoad_EmptyGroupByWithMultiDayChunksIsConfigError(t *testing.T) {
	path := writeTempConfig(t, `
source:
  url: http://source:8086
  group_by: ""
destination:
  url: http://dest:8086
options:
  mode: incremental
  chunk_days: 7
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestLoad_SpecificFieldPolicyOverridesGlobal(t *testing.T) {
	path := writeTempConfig(t, `
source:
  url: http://source:8086
destination:
  url: http://dest:8086
measurements:
  include: [cpu, mem]
  specific:
    cpu:
      fields:
        include: [usage]
        types: [numeric]
options:
  mode: incremental
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	policy, ok := cfg.Specific["cpu"]
	require.True(t, ok)
	assert.Equal(t, []string{"usage"}, policy.Include)
	assert.Equal(t, []string{"numeric"}, policy.Types)
}

func TestIsTemplate(t *testing.T) {
	assert.True(t, IsTemplate("job.template.yaml"))
	assert.False(t, IsTemplate("job.yaml"))
}
