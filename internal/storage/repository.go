// Package storage persists the offline core's blobs in a local SQLite
// database: one blob per collection key, one for the outbox, one per backup,
// plus scalar metadata such as the schema version.
package storage

import "context"

// Reserved blob keys and key prefixes of the persisted layout.
const (
	CollectionPrefix = "collection/"
	BackupPrefix     = "backup/"
	KeyOutbox        = "outbox"
	KeyArchive       = "archive"
	KeyBackupIndex   = "backup-index"
	KeyLastSync      = "last-sync-time"
)

// Metadata keys.
const (
	MetaSchemaVersion = "schema_version"
)

// CollectionKey returns the blob key for a collection.
func CollectionKey(name string) string { return CollectionPrefix + name }

// BackupKey returns the blob key for a backup payload.
func BackupKey(id string) string { return BackupPrefix + id }

// Repository is a durable key-addressed blob store. Get returns (nil, nil)
// for a missing key so callers can treat absence as an empty value.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetMany upserts a group of blobs atomically: either all land or none.
	SetMany(ctx context.Context, blobs map[string][]byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key string, value string) error
}
