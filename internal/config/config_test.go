package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pageserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `data_dir: /var/lib/pageserver`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/pageserver", cfg.DataDir)
	require.Equal(t, "127.0.0.1:9898", cfg.ListenAddr)
	require.EqualValues(t, 16<<20, cfg.WalSegSize)
	require.Equal(t, StorageMemory, cfg.Storage.Kind)
}

func TestLoadS3RequiresBucket(t *testing.T) {
	path := writeConfig(t, "storage:\n  kind: s3\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "bucket")
}

func TestLoadAzureRequiresAccountURLAndContainer(t *testing.T) {
	path := writeConfig(t, "storage:\n  kind: azure\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "account_url")
}

func TestLoadRejectsUnknownStorageKind(t *testing.T) {
	path := writeConfig(t, "storage:\n  kind: gcs\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown storage.kind")
}

func TestLoadRejectsZeroWalSegSize(t *testing.T) {
	path := writeConfig(t, "wal_seg_size: 0\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "wal_seg_size")
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr: "0.0.0.0:9898"
data_dir: /data
wal_seg_size: 1048576
logging:
  level: debug
  json_output: true
storage:
  kind: s3
  s3:
    bucket: my-bucket
    prefix: tenants/
    region: us-east-1
  retry:
    max_attempts: 3
  upload_bytes_per_second: 1000000
timeline:
  wal_backup_enabled: true
  enable_offload: true
size_cache_entries: 8192
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9898", cfg.ListenAddr)
	require.Equal(t, "my-bucket", cfg.Storage.S3.Bucket)
	require.Equal(t, 3, cfg.Storage.Retry.MaxAttempts)
	require.True(t, cfg.Timeline.WalBackupEnabled)
	require.True(t, cfg.Timeline.EnableOffload)
	require.False(t, cfg.Timeline.PartialBackupEnabled)
	require.EqualValues(t, 8192, cfg.SizeCacheEntries)

	logCfg := cfg.Logging.ToLogging()
	require.True(t, logCfg.JSONOutput)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
