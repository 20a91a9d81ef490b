// Package offline is the façade applications talk to: every write lands
// locally first and is queued for sync, so the app works identically with or
// without connectivity.
package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/engine"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/outbox"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/remote"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/store"
)

// Options tunes façade behavior.
type Options struct {
	// DefaultPolicy is the conflict policy attached to queued mutations
	// when the caller does not override it.
	DefaultPolicy models.ResolutionPolicy

	Logger logging.Logger
	Clock  func() time.Time
}

// Service wires the durable store, the outbox and the sync engine behind a
// single offline-first API.
type Service struct {
	store  *store.Store
	box    *outbox.Outbox
	engine *engine.Engine
	probe  remote.Probe
	policy models.ResolutionPolicy
	log    logging.Logger
	now    func() time.Time
}

func NewService(st *store.Store, box *outbox.Outbox, eng *engine.Engine, probe remote.Probe, opts Options) *Service {
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = models.ResolutionServerWins
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:  st,
		box:    box,
		engine: eng,
		probe:  probe,
		policy: opts.DefaultPolicy,
		log:    opts.Logger.With("component", "offline"),
		now:    opts.Clock,
	}
}

// Create stores a new record locally and queues it for sync. A missing id is
// assigned; createdAt/updatedAt are stamped and the record starts unsynced.
func (s *Service) Create(ctx context.Context, collection string, rec models.Record) (models.Record, error) {
	rec = rec.Clone()
	if rec == nil {
		rec = models.Record{}
	}
	if rec.ID() == "" {
		rec[models.FieldID] = uuid.NewString()
	}

	now := s.now()
	rec.SetTime(models.FieldCreatedAt, now)
	rec.SetTime(models.FieldUpdatedAt, now)
	rec[models.FieldSynced] = false

	stored, err := s.store.Add(ctx, collection, rec)
	if err != nil {
		return nil, err
	}

	if _, err := s.box.Enqueue(ctx, collection, models.OperationCreate, stored, s.policy); err != nil {
		return nil, fmt.Errorf("record stored but not queued for sync: %w", err)
	}
	return stored, nil
}

// Update merges a partial change into an existing record and queues it. A
// missing record returns common.ErrNotFound with nothing written or queued.
func (s *Service) Update(ctx context.Context, collection, id string, changes models.Record) (models.Record, error) {
	current, err := s.store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	merged := current.Clone()
	for k, v := range changes {
		if k == models.FieldID {
			continue
		}
		merged[k] = v
	}
	merged.SetTime(models.FieldUpdatedAt, s.now())
	merged[models.FieldSynced] = false

	stored, err := s.store.Update(ctx, collection, id, merged)
	if err != nil {
		return nil, err
	}

	if _, err := s.box.Enqueue(ctx, collection, models.OperationUpdate, stored, s.policy); err != nil {
		return nil, fmt.Errorf("record updated but not queued for sync: %w", err)
	}
	return stored, nil
}

// Delete removes a record. Soft delete (the default) marks the record
// deleted and queues the deletion for the backend; hard delete purges it
// locally without queueing anything, which leaves a synced record dangling
// on the server.
func (s *Service) Delete(ctx context.Context, collection, id string, hard bool) error {
	current, err := s.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}

	if hard {
		if current.Synced() {
			s.log.Warn(ctx, "hard-deleting a synced record leaves the server copy in place",
				"collection", collection, "record", id)
		}
		return s.store.Delete(ctx, collection, id)
	}

	marked := current.Clone()
	marked[models.FieldDeleted] = true
	marked.SetTime(models.FieldDeletedAt, s.now())
	marked.SetTime(models.FieldUpdatedAt, s.now())
	marked[models.FieldSynced] = false

	stored, err := s.store.Update(ctx, collection, id, marked)
	if err != nil {
		return err
	}

	if _, err := s.box.Enqueue(ctx, collection, models.OperationDelete, stored, s.policy); err != nil {
		return fmt.Errorf("record deleted but not queued for sync: %w", err)
	}
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, collection, id string) (models.Record, error) {
	return s.store.Get(ctx, collection, id)
}

// List returns a collection's records. Soft-deleted records are filtered out
// unless includeDeleted is set.
func (s *Service) List(ctx context.Context, collection string, includeDeleted bool) ([]models.Record, error) {
	records, err := s.store.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return records, nil
	}
	visible := records[:0]
	for _, rec := range records {
		if !rec.Deleted() {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

// ResolveConflict applies a server version to a local record outside a sync
// cycle (e.g. after a pull), using server-wins merge semantics.
func (s *Service) ResolveConflict(ctx context.Context, collection, id string, serverRecord models.Record) (models.Record, error) {
	local, err := s.store.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	resolved := models.MergeResolve(local, serverRecord, s.now())
	return s.store.Upsert(ctx, collection, resolved)
}

// Restore replaces all local state with a backup snapshot and drops the
// mutation queue: queued entries reference pre-restore records and pushing
// them would resurrect state the restore just rolled back.
func (s *Service) Restore(ctx context.Context, backupID string) error {
	if err := s.store.RestoreBackup(ctx, backupID); err != nil {
		return err
	}
	if err := s.box.Clear(ctx); err != nil {
		return err
	}
	s.log.Info(ctx, "backup restored, mutation queue cleared", "backup", backupID)
	return nil
}

// PendingChanges reports the number of queued mutations. Errors degrade to
// zero so status surfaces never fail on a corrupt queue.
func (s *Service) PendingChanges(ctx context.Context) int {
	n, err := s.box.Len(ctx)
	if err != nil {
		s.log.Error(ctx, "failed to read outbox length", "error", err.Error())
		return 0
	}
	return n
}

// SyncAll runs one sync cycle, short-circuiting to a failure result when the
// backend is unreachable.
func (s *Service) SyncAll(ctx context.Context) (engine.CycleResult, error) {
	if s.probe != nil && !s.probe.Online(ctx) {
		return engine.CycleResult{Status: engine.StatusFailure}, common.ErrNoConnectivity
	}
	return s.engine.Sync(ctx)
}

// Status is a snapshot of the offline core for UI surfaces.
type Status struct {
	Online       bool         `json:"online"`
	Syncing      bool         `json:"syncing"`
	Pending      int          `json:"pending"`
	Failed       int          `json:"failed"`
	LastSyncTime *time.Time   `json:"lastSyncTime,omitempty"`
	Outbox       outbox.Stats `json:"outbox"`
}

// Status reports connectivity, queue depth and the last successful sync.
func (s *Service) Status(ctx context.Context) (Status, error) {
	stats, err := s.box.GetStats(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Syncing: s.engine.Running(),
		Pending: stats.Pending,
		Failed:  stats.Failed,
		Outbox:  stats,
	}
	if s.probe != nil {
		st.Online = s.probe.Online(ctx)
	}
	if ts, err := s.store.LastSyncTime(ctx); err == nil && !ts.IsZero() {
		st.LastSyncTime = &ts
	}
	return st, nil
}
