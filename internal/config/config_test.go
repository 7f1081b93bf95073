package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukanx/backend/internal/sync/maintenance"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dukanx.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 4, cfg.Sync.MaxConcurrency)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.AutoStart)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Sync.LeaseTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.Retention)
	assert.Equal(t, 2*time.Second, cfg.Backoff.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Backoff.MaxDelay)
	assert.Equal(t, 5, cfg.Backoff.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, RemoteMemory, cfg.Remote.Kind)
	assert.Equal(t, ArchiveFile, cfg.Archive.Kind)
	assert.Equal(t, maintenance.IntervalDaily, cfg.Maintenance.Interval)
	assert.True(t, cfg.Maintenance.ExportDeadLetters)
	assert.Equal(t, "localhost:8090", cfg.Server.Addr)
	assert.Equal(t, filepath.Join("./data", "archive"), cfg.ArchiveDir())
}

func TestLoad_file(t *testing.T) {
	p := writeConfig(t, `
data_dir: /var/lib/dukanx
log:
  level: debug
sync:
  max_concurrency: 8
  poll_interval: 10s
backoff:
  max_retries: 3
remote:
  kind: dynamodb
  dynamodb:
    table: shop-sync
    region: ap-south-1
archive:
  kind: s3
  s3:
    provider: minio
    bucket: dead-letters
    endpoint: localhost:9000
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/dukanx", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Sync.MaxConcurrency)
	assert.Equal(t, 50, cfg.Sync.BatchSize, "unset keys keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 3, cfg.Backoff.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Backoff.BaseDelay)
	assert.Equal(t, "shop-sync", cfg.Remote.DynamoDB.Table)
	assert.Equal(t, "ap-south-1", cfg.Remote.DynamoDB.Region)
	assert.Equal(t, "dead-letters", cfg.Archive.S3.Bucket)
	assert.EqualValues(t, "minio", cfg.Archive.S3.Provider)

	sc := cfg.SyncSettings()
	assert.Equal(t, 8, sc.MaxConcurrency)
	assert.Equal(t, 3, sc.Backoff.MaxRetries)
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("DUKANX_SYNC_MAX_CONCURRENCY", "2")
	t.Setenv("DUKANX_SYNC_AUTO_START", "false")
	t.Setenv("DUKANX_REMOTE_KIND", "http")
	t.Setenv("DUKANX_REMOTE_HTTP_BASE_URL", "https://api.dukanx.in")
	t.Setenv("DUKANX_ARCHIVE_S3_SECRET_KEY", "s3cr3t")

	p := writeConfig(t, "sync:\n  max_concurrency: 16\n")
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Sync.MaxConcurrency, "env wins over file")
	assert.False(t, cfg.Sync.AutoStart)
	assert.Equal(t, RemoteHTTP, cfg.Remote.Kind)
	assert.Equal(t, "https://api.dukanx.in", cfg.Remote.HTTP.BaseURL)
	assert.Equal(t, "s3cr3t", cfg.Archive.S3.SecretKey)
}

func TestLoad_errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	tests := []struct {
		name string
		body string
	}{
		{"bad log level", "log:\n  level: loud\n"},
		{"zero concurrency", "sync:\n  max_concurrency: 0\n"},
		{"lease below remote timeout", "sync:\n  lease_timeout: 5s\n  remote_timeout: 10s\n"},
		{"bad backoff", "backoff:\n  base_delay: 10m\n  max_delay: 1m\n"},
		{"http without url", "remote:\n  kind: http\n"},
		{"dynamodb without table", "remote:\n  kind: dynamodb\n"},
		{"unknown remote", "remote:\n  kind: ftp\n"},
		{"s3 without bucket", "archive:\n  kind: s3\n"},
		{"unknown archive", "archive:\n  kind: tape\n"},
		{"zero scheduler interval", "scheduler:\n  interval: 0s\n"},
		{"unknown maintenance interval", "maintenance:\n  interval: hourly\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Archive.S3.SecretKey = "hidden"
	cfg.Sync.BatchSize = 7

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hidden")
	assert.Contains(t, string(out), "poll_interval: 30s")

	loaded, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Sync.BatchSize)
	assert.Equal(t, cfg.Sync.PollInterval, loaded.Sync.PollInterval)
}
