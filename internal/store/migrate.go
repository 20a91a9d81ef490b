package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
)

// Migration is a pure record transform that upgrades one collection's
// records to the given schema version. Transforms must not mutate their
// input; they return the upgraded record.
type Migration struct {
	Version    int
	Collection string
	Transform  func(models.Record) (models.Record, error)
}

type migrationSet struct {
	steps  []Migration
	target int
	// checked avoids re-reading the version marker on every operation
	// once the store is known to be current.
	checked bool
}

func newMigrationSet(steps []Migration) *migrationSet {
	sorted := make([]Migration, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	target := 0
	if len(sorted) > 0 {
		target = sorted[len(sorted)-1].Version
	}
	return &migrationSet{steps: sorted, target: target}
}

// migrateIfNeeded lazily runs all pending migrations. The whole run is
// all-or-nothing per collection version step: if any record transform fails,
// nothing from that step is persisted and the version marker stays put, so
// the next access retries.
//
// Caller must hold s.mu.
func (s *Store) migrateIfNeeded(ctx context.Context) error {
	if s.migrations.checked || len(s.migrations.steps) == 0 {
		return nil
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= s.migrations.target {
		s.migrations.checked = true
		return nil
	}

	for _, step := range s.migrations.steps {
		if step.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, step); err != nil {
			return err
		}
		if err := s.repo.SetMeta(ctx, storage.MetaSchemaVersion, strconv.Itoa(step.Version)); err != nil {
			return fmt.Errorf("%w: %v", common.ErrStorage, err)
		}
		current = step.Version
		s.log.Info(ctx, "schema migration applied", "version", step.Version, "collection", step.Collection)
	}

	s.migrations.checked = true
	return nil
}

func (s *Store) applyMigration(ctx context.Context, step Migration) error {
	records, err := s.loadCollection(ctx, step.Collection)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	upgraded := make([]models.Record, len(records))
	for i, rec := range records {
		next, err := step.Transform(rec.Clone())
		if err != nil {
			s.faults.Report(ctx, common.SeverityCritical, "store.migrate", err, map[string]any{
				"version":    step.Version,
				"collection": step.Collection,
				"record":     rec.ID(),
			})
			return fmt.Errorf("%w: version %d collection %s: %v", common.ErrMigration, step.Version, step.Collection, err)
		}
		upgraded[i] = next
	}

	return s.saveCollection(ctx, step.Collection, upgraded)
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	raw, err := s.repo.GetMeta(ctx, storage.MetaSchemaVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: bad schema version %q", common.ErrMigration, raw)
	}
	return v, nil
}

// SchemaVersion exposes the current persisted schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaVersion(ctx)
}
