// Package common defines shared constants and sentinel errors used across
// the offline core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store-level errors.
	ErrNotFound    = errors.New("not found")
	ErrDuplicateID = errors.New("duplicate record id")
	ErrValidation  = errors.New("validation failed")
	ErrStorage     = errors.New("storage failure")
	ErrMigration   = errors.New("migration failed")

	// Backup/restore errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrBackupNotFound   = errors.New("backup not found")

	// Sync errors.
	ErrNoConnectivity = errors.New("no connectivity")
	ErrSyncInProgress = errors.New("sync already in progress")

	// Outbox errors.
	ErrEntryNotFound = errors.New("outbox entry not found")
)
