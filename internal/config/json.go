package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/flagx"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations may
// be given either as strings like "5m" or as integer nanoseconds.
type JsonConfig struct {
	DataDir        string `json:"data_dir"`
	RemoteEndpoint string `json:"remote_endpoint"`

	BatchSize               *int           `json:"batch_size"`
	BatchConcurrency        *int           `json:"batch_concurrency"`
	MaxRetries              *int           `json:"max_retries"`
	BackoffBase             timex.Duration `json:"backoff_base"`
	BackoffCeiling          timex.Duration `json:"backoff_ceiling"`
	PartialSuccessThreshold *float64       `json:"partial_success_threshold"`

	MinSyncInterval timex.Duration `json:"min_sync_interval"`

	CompressionThreshold  *int           `json:"compression_threshold"`
	SensitiveCollections  []string       `json:"sensitive_collections"`
	MaxItemsPerCollection *int           `json:"max_items_per_collection"`
	MaxTotalItems         *int           `json:"max_total_items"`
	QuotaWarnRatio        *float64       `json:"quota_warn_ratio"`
	QuotaCriticalRatio    *float64       `json:"quota_critical_ratio"`
	ArchiveHorizon        timex.Duration `json:"archive_horizon"`
	ArchiveMaxPerBucket   *int           `json:"archive_max_per_bucket"`
	BackupRetentionMax    *int           `json:"backup_retention_max"`

	MirrorBucket    string `json:"mirror_bucket"`
	MirrorRegion    string `json:"mirror_region"`
	MirrorEndpoint  string `json:"mirror_endpoint"`
	MirrorAccessKey string `json:"mirror_access_key"`
	MirrorSecretKey string `json:"mirror_secret_key"`
}

// parseJson overlays cfg with values loaded from the JSON file named by the
// -c/-config flags. Absent file path means nothing is loaded. Read or
// unmarshal errors panic; config is resolved once at startup.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DataDir != "" {
		cfg.DataDir = jc.DataDir
	}
	if jc.RemoteEndpoint != "" {
		cfg.RemoteEndpoint = jc.RemoteEndpoint
	}
	if jc.BatchSize != nil {
		cfg.BatchSize = *jc.BatchSize
	}
	if jc.BatchConcurrency != nil {
		cfg.BatchConcurrency = *jc.BatchConcurrency
	}
	if jc.MaxRetries != nil {
		cfg.MaxRetries = *jc.MaxRetries
	}
	if jc.BackoffBase.Duration != 0 {
		cfg.BackoffBase = time.Duration(jc.BackoffBase.Duration)
	}
	if jc.BackoffCeiling.Duration != 0 {
		cfg.BackoffCeiling = time.Duration(jc.BackoffCeiling.Duration)
	}
	if jc.PartialSuccessThreshold != nil {
		cfg.PartialSuccessThreshold = *jc.PartialSuccessThreshold
	}
	if jc.MinSyncInterval.Duration != 0 {
		cfg.MinSyncInterval = time.Duration(jc.MinSyncInterval.Duration)
	}
	if jc.CompressionThreshold != nil {
		cfg.CompressionThreshold = *jc.CompressionThreshold
	}
	if jc.SensitiveCollections != nil {
		cfg.SensitiveCollections = jc.SensitiveCollections
	}
	if jc.MaxItemsPerCollection != nil {
		cfg.MaxItemsPerCollection = *jc.MaxItemsPerCollection
	}
	if jc.MaxTotalItems != nil {
		cfg.MaxTotalItems = *jc.MaxTotalItems
	}
	if jc.QuotaWarnRatio != nil {
		cfg.QuotaWarnRatio = *jc.QuotaWarnRatio
	}
	if jc.QuotaCriticalRatio != nil {
		cfg.QuotaCriticalRatio = *jc.QuotaCriticalRatio
	}
	if jc.ArchiveHorizon.Duration != 0 {
		cfg.ArchiveHorizon = time.Duration(jc.ArchiveHorizon.Duration)
	}
	if jc.ArchiveMaxPerBucket != nil {
		cfg.ArchiveMaxPerBucket = *jc.ArchiveMaxPerBucket
	}
	if jc.BackupRetentionMax != nil {
		cfg.BackupRetentionMax = *jc.BackupRetentionMax
	}
	if jc.MirrorBucket != "" {
		cfg.MirrorBucket = jc.MirrorBucket
	}
	if jc.MirrorRegion != "" {
		cfg.MirrorRegion = jc.MirrorRegion
	}
	if jc.MirrorEndpoint != "" {
		cfg.MirrorEndpoint = jc.MirrorEndpoint
	}
	if jc.MirrorAccessKey != "" {
		cfg.MirrorAccessKey = jc.MirrorAccessKey
	}
	if jc.MirrorSecretKey != "" {
		cfg.MirrorSecretKey = jc.MirrorSecretKey
	}
}
