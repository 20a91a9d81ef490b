package models

import "time"

// BackupSnapshot describes one stored backup. The checksum covers the
// serialized payload before compression and encryption.
type BackupSnapshot struct {
	ID            string         `json:"backupId"`
	Timestamp     time.Time      `json:"timestamp"`
	SchemaVersion int            `json:"schemaVersion"`
	Counts        map[string]int `json:"perCollectionCounts"`
	Checksum      string         `json:"checksum"`
	Encrypted     bool           `json:"encrypted"`
	Compressed    bool           `json:"compressed"`
}

// CollectionStats are the per-collection counters tracked for quota checks.
type CollectionStats struct {
	Active   int `json:"active"`
	Deleted  int `json:"deleted"`
	Synced   int `json:"synced"`
	Unsynced int `json:"unsynced"`
}

// Total returns all records in the collection, soft-deleted included.
func (s CollectionStats) Total() int { return s.Active + s.Deleted }

// QuotaReport is the outcome of a quota check. Callers decide remediation;
// the store only flags thresholds.
type QuotaReport struct {
	Collections  map[string]CollectionStats `json:"collections"`
	TotalItems   int                        `json:"totalItems"`
	UsageRatio   float64                    `json:"usageRatio"`
	NeedsCleanup bool                       `json:"needsCleanup"`
	Warning      bool                       `json:"warning"`
	Critical     bool                       `json:"critical"`
}
