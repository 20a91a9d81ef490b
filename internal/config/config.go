// Package config assembles runtime settings for the offline core.
// Values are layered: defaults, then an optional JSON file, then flags.
package config

import "time"

// Config holds the externally tuned knobs of the offline core.
//
// Sync engine tunables (batch size, concurrency, retry/backoff, threshold)
// intentionally live here and not as per-record constants.
type Config struct {
	// DataDir is where the local SQLite database lives.
	DataDir string
	// RemoteEndpoint is the base URL of the remote sync collaborator.
	RemoteEndpoint string

	// Sync engine.
	BatchSize               int
	BatchConcurrency        int
	MaxRetries              int
	BackoffBase             time.Duration
	BackoffCeiling          time.Duration
	PartialSuccessThreshold float64

	// Background trigger.
	MinSyncInterval time.Duration

	// Durable store.
	CompressionThreshold  int
	SensitiveCollections  []string
	MaxItemsPerCollection int
	MaxTotalItems         int
	QuotaWarnRatio        float64
	QuotaCriticalRatio    float64
	ArchiveHorizon        time.Duration
	ArchiveMaxPerBucket   int
	BackupRetentionMax    int

	// Backup mirror. A non-empty bucket enables off-device replication of
	// backup blobs to an S3-compatible store. Empty access key means the
	// default AWS credential chain.
	MirrorBucket    string
	MirrorRegion    string
	MirrorEndpoint  string
	MirrorAccessKey string
	MirrorSecretKey string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "./data"
	c.RemoteEndpoint = "http://127.0.0.1:8080"

	c.BatchSize = 10
	c.BatchConcurrency = 3
	c.MaxRetries = 3
	c.BackoffBase = 2 * time.Second
	c.BackoffCeiling = 5 * time.Minute
	c.PartialSuccessThreshold = 0.7

	c.MinSyncInterval = 5 * time.Minute

	c.CompressionThreshold = 10 * 1024
	c.SensitiveCollections = nil
	c.MaxItemsPerCollection = 10000
	c.MaxTotalItems = 50000
	c.QuotaWarnRatio = 0.8
	c.QuotaCriticalRatio = 0.95
	c.ArchiveHorizon = 90 * 24 * time.Hour
	c.ArchiveMaxPerBucket = 1000
	c.BackupRetentionMax = 5

	// mirroring is opt-in
	c.MirrorBucket = ""
	c.MirrorRegion = "af-south-1"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
