package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
)

// BackupConfig bounds backup retention.
type BackupConfig struct {
	// RetentionMax caps the number of kept snapshots; the oldest are
	// pruned first. Zero means unbounded.
	RetentionMax int
}

// backupPayload is the serialized shape of a snapshot body: every collection
// with all of its records, deleted markers included.
type backupPayload struct {
	SchemaVersion int                        `json:"schemaVersion"`
	Collections   map[string][]models.Record `json:"collections"`
}

// CreateBackup snapshots every collection into a single checksummed blob.
// The checksum is computed over the serialized payload before compression
// and encryption, so restore can verify integrity end to end.
func (s *Store) CreateBackup(ctx context.Context) (models.BackupSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrateIfNeeded(ctx); err != nil {
		return models.BackupSnapshot{}, err
	}

	payload, counts, err := s.buildBackupPayload(ctx)
	if err != nil {
		return models.BackupSnapshot{}, err
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return models.BackupSnapshot{}, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	sum := sha256.Sum256(serialized)
	snap := models.BackupSnapshot{
		ID:            uuid.NewString(),
		Timestamp:     s.now().UTC(),
		SchemaVersion: payload.SchemaVersion,
		Counts:        counts,
		Checksum:      hex.EncodeToString(sum[:]),
		Encrypted:     len(s.codec.key) > 0,
		Compressed:    s.codec.threshold > 0 && len(serialized) > s.codec.threshold,
	}

	blob, err := s.codec.Encode(ctx, serialized, true)
	if err != nil {
		return models.BackupSnapshot{}, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if err := s.repo.Set(ctx, storage.BackupKey(snap.ID), blob); err != nil {
		return models.BackupSnapshot{}, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	index, err := s.loadBackupIndex(ctx)
	if err != nil {
		return models.BackupSnapshot{}, err
	}
	index = append(index, snap)
	index, pruned := s.pruneBackups(ctx, index)
	if err := s.saveBackupIndex(ctx, index); err != nil {
		return models.BackupSnapshot{}, err
	}

	s.mirrorBackup(ctx, snap.ID, blob)

	s.log.Info(ctx, "backup created", "backup", snap.ID, "items", counts, "pruned", pruned)
	return snap, nil
}

// RestoreBackup verifies the snapshot checksum and replaces every collection
// with the snapshot's contents. A checksum mismatch aborts with
// common.ErrChecksumMismatch and nothing mutated. A safety backup of the
// current state is created before the overwrite.
func (s *Store) RestoreBackup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadBackupIndex(ctx)
	if err != nil {
		return err
	}
	var snap *models.BackupSnapshot
	for i := range index {
		if index[i].ID == id {
			snap = &index[i]
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("%w: %s", common.ErrBackupNotFound, id)
	}

	blob, err := s.repo.Get(ctx, storage.BackupKey(id))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if len(blob) == 0 {
		return fmt.Errorf("%w: %s", common.ErrBackupNotFound, id)
	}

	serialized, err := s.codec.Decode(ctx, blob)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(serialized)
	if hex.EncodeToString(sum[:]) != snap.Checksum {
		s.faults.Report(ctx, common.SeverityCritical, "store.backup", common.ErrChecksumMismatch, map[string]any{"backup": id})
		return fmt.Errorf("%w: backup %s", common.ErrChecksumMismatch, id)
	}

	var payload backupPayload
	if err := json.Unmarshal(serialized, &payload); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	// Safety net: snapshot the current state before overwriting it.
	if _, err := s.createSafetyBackup(ctx); err != nil {
		s.faults.Report(ctx, common.SeverityWarning, "store.backup", err, map[string]any{"backup": id})
	}

	existing, err := s.collectionNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, ok := payload.Collections[name]; ok {
			continue
		}
		if err := s.repo.Delete(ctx, storage.CollectionKey(name)); err != nil {
			return fmt.Errorf("%w: %v", common.ErrStorage, err)
		}
	}

	// the snapshot's collections land atomically
	restored := make(map[string][]byte, len(payload.Collections))
	for name, records := range payload.Collections {
		data, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrStorage, err)
		}
		encoded, err := s.codec.Encode(ctx, data, s.sensitive[name])
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrStorage, err)
		}
		restored[storage.CollectionKey(name)] = encoded
	}
	if err := s.repo.SetMany(ctx, restored); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	// The restored records carry the snapshot's schema; rewind the version
	// marker so the next read re-runs any newer migrations over them.
	if err := s.repo.SetMeta(ctx, storage.MetaSchemaVersion, strconv.Itoa(payload.SchemaVersion)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	s.migrations.checked = false

	s.log.Info(ctx, "backup restored", "backup", id, "schemaVersion", payload.SchemaVersion)
	return nil
}

// ListBackups returns the index, newest first.
func (s *Store) ListBackups(ctx context.Context) ([]models.BackupSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadBackupIndex(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(index, func(i, j int) bool { return index[i].Timestamp.After(index[j].Timestamp) })
	return index, nil
}

// DeleteBackup removes one snapshot and its index entry.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadBackupIndex(ctx)
	if err != nil {
		return err
	}
	found := false
	kept := index[:0]
	for _, snap := range index {
		if snap.ID == id {
			found = true
			continue
		}
		kept = append(kept, snap)
	}
	if !found {
		return fmt.Errorf("%w: %s", common.ErrBackupNotFound, id)
	}

	if err := s.repo.Delete(ctx, storage.BackupKey(id)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return s.saveBackupIndex(ctx, kept)
}

func (s *Store) buildBackupPayload(ctx context.Context) (backupPayload, map[string]int, error) {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return backupPayload{}, nil, err
	}

	names, err := s.collectionNames(ctx)
	if err != nil {
		return backupPayload{}, nil, err
	}

	payload := backupPayload{
		SchemaVersion: version,
		Collections:   make(map[string][]models.Record, len(names)),
	}
	counts := make(map[string]int, len(names))
	for _, name := range names {
		records, err := s.loadCollection(ctx, name)
		if err != nil {
			return backupPayload{}, nil, err
		}
		payload.Collections[name] = records
		counts[name] = len(records)
	}
	return payload, counts, nil
}

// createSafetyBackup is CreateBackup without the lock, used from inside
// RestoreBackup. Its snapshot joins the regular index.
func (s *Store) createSafetyBackup(ctx context.Context) (models.BackupSnapshot, error) {
	payload, counts, err := s.buildBackupPayload(ctx)
	if err != nil {
		return models.BackupSnapshot{}, err
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		return models.BackupSnapshot{}, err
	}

	sum := sha256.Sum256(serialized)
	snap := models.BackupSnapshot{
		ID:            uuid.NewString(),
		Timestamp:     s.now().UTC(),
		SchemaVersion: payload.SchemaVersion,
		Counts:        counts,
		Checksum:      hex.EncodeToString(sum[:]),
		Encrypted:     len(s.codec.key) > 0,
	}

	blob, err := s.codec.Encode(ctx, serialized, true)
	if err != nil {
		return models.BackupSnapshot{}, err
	}
	if err := s.repo.Set(ctx, storage.BackupKey(snap.ID), blob); err != nil {
		return models.BackupSnapshot{}, err
	}

	index, err := s.loadBackupIndex(ctx)
	if err != nil {
		return models.BackupSnapshot{}, err
	}
	index = append(index, snap)
	index, _ = s.pruneBackups(ctx, index)
	return snap, s.saveBackupIndex(ctx, index)
}

// pruneBackups enforces the retention cap, dropping the oldest snapshots and
// their blobs.
func (s *Store) pruneBackups(ctx context.Context, index []models.BackupSnapshot) ([]models.BackupSnapshot, int) {
	if s.backup.RetentionMax <= 0 || len(index) <= s.backup.RetentionMax {
		return index, 0
	}

	sort.SliceStable(index, func(i, j int) bool { return index[i].Timestamp.Before(index[j].Timestamp) })
	drop := len(index) - s.backup.RetentionMax
	for _, snap := range index[:drop] {
		if err := s.repo.Delete(ctx, storage.BackupKey(snap.ID)); err != nil {
			s.faults.Report(ctx, common.SeverityWarning, "store.backup", err, map[string]any{"backup": snap.ID})
		}
	}
	return index[drop:], drop
}

func (s *Store) mirrorBackup(ctx context.Context, id string, blob []byte) {
	if s.mirror == nil {
		return
	}
	key := fmt.Sprintf("backups/%s/%s.bak", s.now().UTC().Format("2006/01/02"), id)
	if err := s.mirror.Put(ctx, key, blob); err != nil {
		s.faults.Report(ctx, common.SeverityWarning, "store.backup", err, map[string]any{"backup": id, "mirror": key})
		return
	}
	s.log.Debug(ctx, "backup mirrored", "backup", id, "key", key)
}

func (s *Store) loadBackupIndex(ctx context.Context) ([]models.BackupSnapshot, error) {
	blob, err := s.repo.Get(ctx, storage.KeyBackupIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if len(blob) == 0 {
		return []models.BackupSnapshot{}, nil
	}
	var index []models.BackupSnapshot
	if err := json.Unmarshal(blob, &index); err != nil {
		s.faults.Report(ctx, common.SeverityError, "store.backup", err, nil)
		return []models.BackupSnapshot{}, nil
	}
	return index, nil
}

func (s *Store) saveBackupIndex(ctx context.Context, index []models.BackupSnapshot) error {
	blob, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if err := s.repo.Set(ctx, storage.KeyBackupIndex, blob); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}

// BackupAge returns how long ago the newest snapshot was taken; ok is false
// when no snapshot exists.
func (s *Store) BackupAge(ctx context.Context) (time.Duration, bool, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(backups) == 0 {
		return 0, false, nil
	}
	return s.now().Sub(backups[0].Timestamp), true, nil
}
