package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/objstore"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
)

// Config assembles the store's collaborators and tunables.
type Config struct {
	// Schemas are the externally supplied per-collection validation rules.
	Schemas map[string]CollectionSchema
	// SensitiveCollections are sealed with the encryption key at rest.
	SensitiveCollections []string
	// EncryptionKey is the derived AES key for sensitive collections.
	// Leave nil to store everything in plaintext.
	EncryptionKey []byte
	// CompressionThreshold is the serialized size in bytes above which a
	// collection payload is compressed. Zero disables compression.
	CompressionThreshold int

	Quota   QuotaConfig
	Archive ArchiveConfig
	Backup  BackupConfig

	// Migrations are the record transforms applied in ascending version
	// order exactly once.
	Migrations []Migration

	// Mirror, when set, receives a copy of every backup blob (off-device
	// replication). Failures to mirror are reported, never fatal.
	Mirror objstore.ObjectStore

	Logger logging.Logger
	Faults common.FaultReporter
	Clock  func() time.Time
}

// Store is the durable, schema-validated, key-addressed collection store.
// All collection writes are whole-snapshot: a failure mid-write leaves either
// the fully-old or fully-new serialized collection.
type Store struct {
	repo       storage.Repository
	schemas    *SchemaSet
	codec      *codec
	sensitive  map[string]bool
	quota      QuotaConfig
	archive    ArchiveConfig
	backup     BackupConfig
	migrations *migrationSet
	mirror     objstore.ObjectStore
	log        logging.Logger
	faults     common.FaultReporter
	now        func() time.Time

	// mu serializes read-modify-write cycles on collections.
	mu sync.Mutex
}

// New builds a Store, compiling the collection schemas.
func New(repo storage.Repository, cfg Config) (*Store, error) {
	schemas, err := NewSchemaSet(cfg.Schemas)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger{}
	}
	if cfg.Faults == nil {
		cfg.Faults = common.NopReporter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	sensitive := make(map[string]bool, len(cfg.SensitiveCollections))
	for _, name := range cfg.SensitiveCollections {
		sensitive[name] = true
	}

	return &Store{
		repo:       repo,
		schemas:    schemas,
		codec:      &codec{key: cfg.EncryptionKey, threshold: cfg.CompressionThreshold, faults: cfg.Faults},
		sensitive:  sensitive,
		quota:      cfg.Quota,
		archive:    cfg.Archive,
		backup:     cfg.Backup,
		migrations: newMigrationSet(cfg.Migrations),
		mirror:     cfg.Mirror,
		log:        cfg.Logger.With("component", "store"),
		faults:     cfg.Faults,
		now:        cfg.Clock,
	}, nil
}

// GetCollection returns all records of a collection, running any pending
// migrations first. Deserialization failures degrade to an empty read with a
// fault report; soft-deleted records are included.
func (s *Store) GetCollection(ctx context.Context, key string) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return nil, err
	}
	return s.loadCollection(ctx, key)
}

// SetCollection validates, sanitizes and persists a whole collection
// snapshot. Any record failing validation aborts the write with nothing
// persisted.
func (s *Store) SetCollection(ctx context.Context, key string, records []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return err
	}

	prepared := make([]models.Record, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			return fmt.Errorf("%w: record without id", common.ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s", common.ErrDuplicateID, id)
		}
		seen[id] = true
		if err := s.schemas.Validate(key, rec); err != nil {
			return err
		}
		prepared = append(prepared, sanitizeRecord(rec))
	}

	return s.saveCollection(ctx, key, prepared)
}

// Add inserts a single record, rejecting duplicate ids. The persisted
// (sanitized) record is returned.
func (s *Store) Add(ctx context.Context, key string, rec models.Record) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return nil, err
	}

	id := rec.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: record without id", common.ErrValidation)
	}
	if err := s.schemas.Validate(key, rec); err != nil {
		return nil, err
	}

	records, err := s.loadCollection(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, existing := range records {
		if existing.ID() == id {
			return nil, fmt.Errorf("%w: %s", common.ErrDuplicateID, id)
		}
	}

	clean := sanitizeRecord(rec)
	records = append(records, clean)
	if err := s.saveCollection(ctx, key, records); err != nil {
		return nil, err
	}
	return clean, nil
}

// Update replaces the record with the given id. Returns common.ErrNotFound
// when the id does not exist; nothing is persisted in that case.
func (s *Store) Update(ctx context.Context, key, id string, rec models.Record) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return nil, err
	}
	if err := s.schemas.Validate(key, rec); err != nil {
		return nil, err
	}

	records, err := s.loadCollection(ctx, key)
	if err != nil {
		return nil, err
	}

	clean := sanitizeRecord(rec)
	for i, existing := range records {
		if existing.ID() == id {
			records[i] = clean
			if err := s.saveCollection(ctx, key, records); err != nil {
				return nil, err
			}
			return clean, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", common.ErrNotFound, key, id)
}

// Upsert inserts or replaces a record by id without the duplicate check.
// Used by sync reconciliation, which owns the record after acknowledgment.
func (s *Store) Upsert(ctx context.Context, key string, rec models.Record) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return nil, err
	}
	id := rec.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: record without id", common.ErrValidation)
	}
	if err := s.schemas.Validate(key, rec); err != nil {
		return nil, err
	}

	records, err := s.loadCollection(ctx, key)
	if err != nil {
		return nil, err
	}

	clean := sanitizeRecord(rec)
	replaced := false
	for i, existing := range records {
		if existing.ID() == id {
			records[i] = clean
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, clean)
	}
	if err := s.saveCollection(ctx, key, records); err != nil {
		return nil, err
	}
	return clean, nil
}

// Get returns a single record by id.
func (s *Store) Get(ctx context.Context, key, id string) (models.Record, error) {
	records, err := s.GetCollection(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID() == id {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", common.ErrNotFound, key, id)
}

// Delete removes a record from the collection entirely (hard delete).
func (s *Store) Delete(ctx context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return err
	}

	records, err := s.loadCollection(ctx, key)
	if err != nil {
		return err
	}

	for i, existing := range records {
		if existing.ID() == id {
			records = append(records[:i], records[i+1:]...)
			return s.saveCollection(ctx, key, records)
		}
	}
	return fmt.Errorf("%w: %s/%s", common.ErrNotFound, key, id)
}

// Remove drops a collection key entirely.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Delete(ctx, storage.CollectionKey(key)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}

// CollectionNames lists the collections currently persisted.
func (s *Store) CollectionNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectionNames(ctx)
}

func (s *Store) collectionNames(ctx context.Context) ([]string, error) {
	keys, err := s.repo.Keys(ctx, storage.CollectionPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, storage.CollectionPrefix))
	}
	return names, nil
}

// LastSyncTime returns the persisted last-sync marker, zero when unset.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	blob, err := s.repo.Get(ctx, storage.KeyLastSync)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if len(blob) == 0 {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(blob))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return t, nil
}

// SetLastSyncTime persists the last-sync marker.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	if err := s.repo.Set(ctx, storage.KeyLastSync, []byte(t.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}

// loadCollection reads and decodes one collection. Per the error-handling
// design, deserialization failures degrade to an empty read with a fault
// report; only storage-layer errors propagate.
func (s *Store) loadCollection(ctx context.Context, key string) ([]models.Record, error) {
	blob, err := s.repo.Get(ctx, storage.CollectionKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if len(blob) == 0 {
		return []models.Record{}, nil
	}

	payload, err := s.codec.Decode(ctx, blob)
	if err != nil {
		s.faults.Report(ctx, common.SeverityError, "store", err, map[string]any{"collection": key})
		return []models.Record{}, nil
	}

	var records []models.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		s.faults.Report(ctx, common.SeverityError, "store", err, map[string]any{"collection": key})
		return []models.Record{}, nil
	}
	return records, nil
}

func (s *Store) saveCollection(ctx context.Context, key string, records []models.Record) error {
	blob, err := s.encodeCollection(ctx, key, records)
	if err != nil {
		return err
	}
	if err := s.repo.Set(ctx, storage.CollectionKey(key), blob); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}

func (s *Store) encodeCollection(ctx context.Context, key string, records []models.Record) ([]byte, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	blob, err := s.codec.Encode(ctx, payload, s.sensitive[key])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return blob, nil
}
