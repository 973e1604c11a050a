package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileDefaults(t *testing.T) {
	prod := NewConfig(ProfileProduction)
	assert.Equal(t, 2, prod.Pool.MinConnections)
	assert.Equal(t, 20, prod.Pool.MaxConnections)
	assert.Equal(t, 10*time.Minute, prod.Pool.IdleTimeout)
	assert.Equal(t, "json", prod.Logging.Encoding)
	require.NoError(t, prod.Validate())

	dev := NewConfig(ProfileDevelopment)
	assert.Equal(t, 1, dev.Pool.MinConnections)
	assert.Equal(t, 5, dev.Pool.MaxConnections)
	assert.Equal(t, 5*time.Minute, dev.Pool.IdleTimeout)
	require.NoError(t, dev.Validate())
}

func TestValidateRejectsBadLimits(t *testing.T) {
	cfg := NewConfig(ProfileDevelopment)
	cfg.Pool.MinConnections = 10
	cfg.Pool.MaxConnections = 2
	assert.Error(t, cfg.Validate())

	cfg = NewConfig(ProfileDevelopment)
	cfg.Pool.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = NewConfig(ProfileDevelopment)
	cfg.Pool.AcquireTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = NewConfig(ProfileDevelopment)
	cfg.Resilience.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = NewConfig(ProfileDevelopment)
	cfg.Resilience.MaxDelay = cfg.Resilience.BaseDelay / 2
	assert.Error(t, cfg.Validate())
}

func TestLoadFileWithEnvSubstitution(t *testing.T) {
	t.Setenv("RESERVOIR_TEST_DSN", "postgres://app@db/main")

	content := `
profile: production
pool:
  conn_string: ${RESERVOIR_TEST_DSN}
  max_connections: 30
`
	path := filepath.Join(t.TempDir(), "reservoir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ProfileProduction, cfg.Profile)
	assert.Equal(t, "postgres://app@db/main", cfg.Pool.ConnString)
	assert.Equal(t, 30, cfg.Pool.MaxConnections)
	// untouched fields keep the profile defaults
	assert.Equal(t, 2, cfg.Pool.MinConnections)
	assert.Equal(t, 10*time.Minute, cfg.Pool.IdleTimeout)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	content := `
pool:
  min_connections: 9
  max_connections: 3
`
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_connections")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("RESERVOIR_PROFILE", "production")
	t.Setenv("RESERVOIR_CONN_STRING", "postgres://app@db/main")
	t.Setenv("RESERVOIR_METRICS_ADDR", ":9999")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ProfileProduction, cfg.Profile)
	assert.Equal(t, "postgres://app@db/main", cfg.Pool.ConnString)
	assert.Equal(t, ":9999", cfg.Metrics.ListenAddr)
	assert.Equal(t, 20, cfg.Pool.MaxConnections)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := NewConfig(ProfileDevelopment)
	cfg.Pool.ConnString = "postgres://local/dev"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Pool.ConnString, loaded.Pool.ConnString)
	assert.Equal(t, cfg.Pool.MaxConnections, loaded.Pool.MaxConnections)
}
