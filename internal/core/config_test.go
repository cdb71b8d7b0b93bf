package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetfs/internal/registry"
)

const sampleConfig = `
data_dir: /var/lib/fleetfs
workers:
  - name: local
    kind: disk
    root: /srv/fleetfs
  - name: edge
    kind: sftp
    address: 10.0.0.7:22
    root: /data/fleetfs
    agent_url: http://10.0.0.7:8088
  - name: archive
    kind: s3
    bucket: fleet-archive
    root: chunks
scheduler:
  policy: sjn
orchestrator:
  task_timeout: 90s
  max_retries: 3
health:
  interval: 10s
  degraded_free_bytes: 2048
lock:
  wait: 500ms
chunk:
  size: 65536
stores:
  replica:
    driver: pgx
monitoring:
  addr: 127.0.0.1:9100
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte(`
# replica credentials
FLEETFS_REPLICA_DSN="postgres://fleet:pw@db/fleet"
AWS_ACCESS_KEY_ID=AKIA123
AWS_SECRET_ACCESS_KEY='s3cr3t'
`), 0o600))
	t.Setenv("FLEETFS_AGENT_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Workers, 3)
	assert.Equal(t, registry.KindSFTP, cfg.Workers[1].Kind)
	assert.Equal(t, "http://10.0.0.7:8088", cfg.Workers[1].AgentURL)
	assert.Equal(t, "fleet-archive", cfg.Workers[2].Bucket)
	assert.Equal(t, "sjn", cfg.Scheduler.Policy)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.TaskTimeout)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.EqualValues(t, 2048, cfg.Health.DegradedFree)
	assert.Equal(t, 500*time.Millisecond, cfg.Lock.Wait)
	assert.Equal(t, 65536, cfg.Chunk.Size)
	assert.Equal(t, "127.0.0.1:9100", cfg.Monitoring.Addr)

	assert.Equal(t, "postgres://fleet:pw@db/fleet", cfg.Stores.Replica.DSN)
	assert.Equal(t, "pgx", cfg.Stores.Replica.Driver)
	assert.Equal(t, "AKIA123", cfg.S3.AccessKey)
	assert.Equal(t, "s3cr3t", cfg.S3.SecretKey)
	assert.Equal(t, "from-env", cfg.SSH.AgentToken)

	assert.Equal(t, "sqlite", cfg.Stores.Primary.Driver)
	assert.Equal(t, "/var/lib/fleetfs/fleetfs.db", cfg.Stores.Primary.DSN)
	assert.Equal(t, "/var/lib/fleetfs/locks", cfg.Lock.Dir)
	assert.False(t, cfg.generated)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	data := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.generated)
	require.Len(t, cfg.Workers, 3)
	assert.Equal(t, filepath.Join(data, "fleetfs", "workers", "w1"), cfg.Workers[0].Root)
	assert.Equal(t, "round-robin", cfg.Scheduler.Policy)
	assert.Empty(t, cfg.Stores.Replica.Driver)
	assert.Equal(t, 5, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Orchestrator.TaskTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.Retain)
}

func TestUnboundedRetriesSurviveDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_retries: -1\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.Orchestrator.MaxRetries)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "open config")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Policy = "random"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Workers = append(cfg.Workers, cfg.Workers[0])
	assert.ErrorIs(t, cfg.Validate(), registry.ErrDuplicateWorker)

	cfg = DefaultConfig()
	cfg.Workers = []registry.Worker{{Name: "x", Kind: registry.KindSFTP}}
	assert.ErrorIs(t, cfg.Validate(), registry.ErrInvalidWorker)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetfs", "config.yaml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Workers, 3)
}

func TestLoadSecretsEnvMissing(t *testing.T) {
	s, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)
	assert.Empty(t, s)
}
