package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sacctd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  clusterName: snowflake
  accountingEnforce: [limits, qos]
  privateData: [users, usage]
  trackWCKey: true
  storage:
    kind: mysql
    host: 127.0.0.1
    port: 3306
  rollup:
    interval: 1h
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "snowflake", cfg.Server.ClusterName)
	assert.Equal(t, "mysql", cfg.Server.Storage.Kind)
	assert.True(t, cfg.Server.TrackWCKey)
	assert.Equal(t, "1h", cfg.Server.Rollup.Interval)
}

func TestLoadRequiresClusterName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sacctd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  storage:\n    kind: none\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseEnforce(t *testing.T) {
	e, err := ParseEnforce([]string{"limits"})
	require.NoError(t, err)
	// LIMITS implies ASSOCS.
	assert.Equal(t, EnforceAssocs|EnforceLimits, e)

	e, err = ParseEnforce([]string{"QOS", " safe "})
	require.NoError(t, err)
	assert.Equal(t, EnforceAssocs|EnforceQOS|EnforceLimits|EnforceSafe, e)

	e, err = ParseEnforce(nil)
	require.NoError(t, err)
	assert.Zero(t, e)

	_, err = ParseEnforce([]string{"bogus"})
	assert.Error(t, err)
}

func TestParsePrivate(t *testing.T) {
	p, err := ParsePrivate([]string{"users", "events"})
	require.NoError(t, err)
	assert.Equal(t, PrivateUsers|PrivateEvents, p)

	_, err = ParsePrivate([]string{"jobs"})
	assert.Error(t, err)
}
