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
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 3, cfg.BatchConcurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.BackoffCeiling)
	assert.InDelta(t, 0.7, cfg.PartialSuccessThreshold, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.MinSyncInterval)
	assert.Equal(t, 5, cfg.BackupRetentionMax)
}

func TestLoadConfig_JsonOverlay(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	file := filepath.Join(t.TempDir(), "conf.json")
	body := `{
		"remote_endpoint": "https://sync.clinic.example",
		"batch_size": 25,
		"backoff_base": "1s",
		"min_sync_interval": "90s",
		"sensitive_collections": ["PATIENTS", "MEDICAL_RECORDS"],
		"quota_warn_ratio": 0.5
	}`
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	os.Args = []string{"phcmois", "-c", file}
	cfg := LoadConfig()

	assert.Equal(t, "https://sync.clinic.example", cfg.RemoteEndpoint)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 90*time.Second, cfg.MinSyncInterval)
	assert.Equal(t, []string{"PATIENTS", "MEDICAL_RECORDS"}, cfg.SensitiveCollections)
	assert.InDelta(t, 0.5, cfg.QuotaWarnRatio, 1e-9)

	// untouched fields keep defaults
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadConfig_FlagsOverrideJson(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	file := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"remote_endpoint":"https://from-json"}`), 0o600))

	os.Args = []string{"phcmois", "-c", file, "-a", "https://from-flag", "-i", "30"}
	cfg := LoadConfig()

	assert.Equal(t, "https://from-flag", cfg.RemoteEndpoint)
	assert.Equal(t, 30*time.Second, cfg.MinSyncInterval)
}

func TestLoadConfig_MirrorSettings(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	// mirroring is off by default
	cfg := &Config{}
	cfg.LoadDefaults()
	assert.Empty(t, cfg.MirrorBucket)

	file := filepath.Join(t.TempDir(), "conf.json")
	body := `{
		"mirror_bucket": "clinic-backups",
		"mirror_region": "eu-west-1",
		"mirror_endpoint": "http://minio.local:9000",
		"mirror_access_key": "minio",
		"mirror_secret_key": "minio123"
	}`
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	os.Args = []string{"phcmois", "-c", file}
	cfg = LoadConfig()

	assert.Equal(t, "clinic-backups", cfg.MirrorBucket)
	assert.Equal(t, "eu-west-1", cfg.MirrorRegion)
	assert.Equal(t, "http://minio.local:9000", cfg.MirrorEndpoint)
	assert.Equal(t, "minio", cfg.MirrorAccessKey)
	assert.Equal(t, "minio123", cfg.MirrorSecretKey)
}
