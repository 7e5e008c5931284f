package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "branchdb.yaml")
	err := os.WriteFile(path, []byte(`
storage:
  backend: pebble
  path: /var/lib/branchdb
schema: schema.graphql
log_level: debug
lock_timeout: 2s
clock: lamport
`), 0o644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPebble, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/branchdb", cfg.Storage.Path)
	assert.Equal(t, "schema.graphql", cfg.Schema)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, ClockLamport, cfg.Clock)
	assert.Equal(t, 4096, cfg.CacheSize)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("BRANCHDB_STORAGE", "sqlite")
	t.Setenv("BRANCHDB_PATH", "/tmp/branchdb.db")
	t.Setenv("BRANCHDB_LOCK_TIMEOUT", "250ms")
	t.Setenv("BRANCHDB_CACHE_SIZE", "16")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/branchdb.db", cfg.Storage.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 16, cfg.CacheSize)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("BRANCHDB_STORAGE", "pebble")
	_, err := Load("")
	assert.ErrorContains(t, err, "requires a path")

	t.Setenv("BRANCHDB_STORAGE", "postgres")
	_, err = Load("")
	assert.ErrorContains(t, err, "invalid storage backend")

	t.Setenv("BRANCHDB_STORAGE", "")
	t.Setenv("BRANCHDB_LOCK_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "BRANCHDB_LOCK_TIMEOUT")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
