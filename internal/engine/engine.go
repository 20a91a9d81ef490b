// Package engine runs sync cycles: draining the outbox to the backend in
// bounded batches, with retry backoff and conflict resolution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/outbox"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/remote"
)

// CycleStatus classifies the outcome of one sync cycle.
type CycleStatus string

const (
	StatusSuccess CycleStatus = "success"
	StatusPartial CycleStatus = "partial"
	StatusFailure CycleStatus = "failure"
)

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Status    CycleStatus   `json:"status"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// LocalStore is the slice of the durable store the engine needs.
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (models.Record, error)
	Upsert(ctx context.Context, collection string, rec models.Record) (models.Record, error)
	SetLastSyncTime(ctx context.Context, t time.Time) error
}

// Resolver decides a manual conflict: it receives the local and server
// versions and returns the record to keep.
type Resolver func(ctx context.Context, collection string, local, server models.Record) (models.Record, error)

// Config tunes the engine.
type Config struct {
	// BatchSize caps the entries taken per batch; batches run
	// sequentially.
	BatchSize int
	// BatchConcurrency bounds the pushes in flight within one batch.
	BatchConcurrency int
	// MaxRetries is the attempt budget per entry before it is parked as
	// permanently failed.
	MaxRetries int
	// BackoffBase and BackoffCeiling shape the per-entry retry delay:
	// base doubled per attempt, never above the ceiling.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	// PartialSuccessThreshold is the success ratio at or above which a
	// cycle with failures still counts as partial (advancing the
	// last-sync marker) instead of a failure.
	PartialSuccessThreshold float64

	// Resolver handles entries with the manual resolution policy. When
	// nil, manual conflicts fall back to server-wins.
	Resolver Resolver

	Logger logging.Logger
	Faults common.FaultReporter
	Clock  func() time.Time
}

// Engine drains the outbox to the backend. At most one cycle runs at a
// time; concurrent Sync calls return common.ErrSyncInProgress untouched.
type Engine struct {
	store  LocalStore
	box    *outbox.Outbox
	client remote.Client
	probe  remote.Probe
	cfg    Config
	log    logging.Logger
	faults common.FaultReporter
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

func New(store LocalStore, box *outbox.Outbox, client remote.Client, probe remote.Probe, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 5 * time.Minute
	}
	if cfg.PartialSuccessThreshold <= 0 {
		cfg.PartialSuccessThreshold = 0.7
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

	return &Engine{
		store:  store,
		box:    box,
		client: client,
		probe:  probe,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "engine"),
		faults: cfg.Faults,
		now:    cfg.Clock,
	}
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Sync runs one full cycle. A cycle that starts while another is running
// returns common.ErrSyncInProgress without touching the queue; a cycle
// started without connectivity returns common.ErrNoConnectivity likewise.
func (e *Engine) Sync(ctx context.Context) (CycleResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return CycleResult{Status: StatusFailure}, common.ErrSyncInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if e.probe != nil && !e.probe.Online(ctx) {
		return CycleResult{Status: StatusFailure}, common.ErrNoConnectivity
	}

	started := e.now()
	entries, err := e.box.Pending(ctx)
	if err != nil {
		return CycleResult{Status: StatusFailure}, err
	}

	due := entries[:0]
	for _, entry := range entries {
		if entry.Due(started) {
			due = append(due, entry)
		}
	}
	if len(due) == 0 {
		if err := e.store.SetLastSyncTime(ctx, e.now()); err != nil {
			return CycleResult{Status: StatusFailure}, err
		}
		return CycleResult{Status: StatusSuccess, Duration: e.now().Sub(started)}, nil
	}

	result := CycleResult{Attempted: len(due)}
	for start := 0; start < len(due); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(due) {
			end = len(due)
		}
		succeeded, failed, conflicts := e.runBatch(ctx, due[start:end])
		result.Succeeded += succeeded
		result.Failed += failed
		result.Conflicts += conflicts

		if err := ctx.Err(); err != nil {
			result.Status = StatusFailure
			result.Duration = e.now().Sub(started)
			return result, err
		}
	}

	ratio := float64(result.Succeeded) / float64(result.Attempted)
	switch {
	case result.Failed == 0:
		result.Status = StatusSuccess
	case ratio >= e.cfg.PartialSuccessThreshold:
		result.Status = StatusPartial
	default:
		result.Status = StatusFailure
	}

	if result.Status != StatusFailure {
		if err := e.store.SetLastSyncTime(ctx, e.now()); err != nil {
			return result, err
		}
	}

	result.Duration = e.now().Sub(started)
	e.log.Info(ctx, "sync cycle finished",
		"status", string(result.Status),
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
	)
	return result, nil
}

// runBatch pushes a batch with bounded concurrency. Entry outcomes are
// independent; one failure never aborts the batch.
func (e *Engine) runBatch(ctx context.Context, batch []models.MutationEntry) (succeeded, failed, conflicts int) {
	outcomes := make([]outcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for i, entry := range batch {
		g.Go(func() error {
			outcomes[i] = e.pushEntry(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch {
		case o.ok:
			succeeded++
		default:
			failed++
		}
		if o.conflict {
			conflicts++
		}
	}
	return succeeded, failed, conflicts
}

type outcome struct {
	ok       bool
	conflict bool
}

// pushEntry attempts one entry and settles its queue state.
func (e *Engine) pushEntry(ctx context.Context, entry models.MutationEntry) outcome {
	if entry.RetryCount >= e.cfg.MaxRetries {
		if err := e.box.MarkFailed(ctx, entry.ID, fmt.Sprintf("retry budget exhausted after %d attempts", entry.RetryCount)); err != nil {
			e.faults.Report(ctx, common.SeverityError, "engine", err, map[string]any{"entry": entry.ID})
		}
		return outcome{}
	}

	// every attempt is recorded, whatever its outcome
	now := e.now()
	entry.RetryCount++
	entry.LastAttempt = &now

	resp, err := e.client.Push(ctx, remote.PushRequest{
		Operation:  entry.Operation,
		Collection: entry.Collection,
		Payload:    entry.Payload,
	})
	if err != nil {
		e.scheduleRetry(ctx, entry, err.Error())
		return outcome{}
	}

	switch {
	case resp.Conflict:
		if err := e.resolveConflict(ctx, entry, resp.ServerRecord); err != nil {
			e.faults.Report(ctx, common.SeverityError, "engine", err, map[string]any{"entry": entry.ID})
			e.scheduleRetry(ctx, entry, err.Error())
			return outcome{conflict: true}
		}
		e.ack(ctx, entry.ID)
		return outcome{ok: true, conflict: true}

	case resp.Accepted:
		if err := e.reconcile(ctx, entry, resp.ServerRecord); err != nil {
			e.faults.Report(ctx, common.SeverityError, "engine", err, map[string]any{"entry": entry.ID})
			e.scheduleRetry(ctx, entry, err.Error())
			return outcome{}
		}
		e.ack(ctx, entry.ID)
		return outcome{ok: true}

	case resp.Retryable:
		e.scheduleRetry(ctx, entry, resp.Message)
		return outcome{}

	default:
		if err := e.box.MarkFailed(ctx, entry.ID, resp.Message); err != nil {
			e.faults.Report(ctx, common.SeverityError, "engine", err, map[string]any{"entry": entry.ID})
		}
		return outcome{}
	}
}

// reconcile folds the acknowledgment back into the local record: the record
// becomes synced and picks up any server-assigned fields.
func (e *Engine) reconcile(ctx context.Context, entry models.MutationEntry, serverRecord models.Record) error {
	recordID := entry.RecordID()

	local, err := e.store.Get(ctx, entry.Collection, recordID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// the record is gone locally (removed mid-cycle); nothing
			// to reconcile
			return nil
		}
		return err
	}

	merged := local.Clone()
	for _, field := range []string{models.FieldServerID, models.FieldServerUpdatedAt} {
		if v, ok := serverRecord[field]; ok {
			merged[field] = v
		}
	}
	merged[models.FieldSynced] = true

	_, err = e.store.Upsert(ctx, entry.Collection, merged)
	return err
}

// resolveConflict applies the entry's resolution policy to the server's
// version of the record.
func (e *Engine) resolveConflict(ctx context.Context, entry models.MutationEntry, serverRecord models.Record) error {
	recordID := entry.RecordID()
	local, err := e.store.Get(ctx, entry.Collection, recordID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			local = entry.Payload
		} else {
			return err
		}
	}

	policy := entry.Policy
	if policy == models.ResolutionManual && e.cfg.Resolver == nil {
		policy = models.ResolutionServerWins
		e.log.Warn(ctx, "manual conflict without a resolver, falling back to server-wins",
			"collection", entry.Collection, "record", recordID)
	}

	var resolved models.Record
	switch policy {
	case models.ResolutionClientWins:
		resolved = local.Clone()
		resolved[models.FieldSynced] = true
		resolved[models.FieldConflictResolved] = true
		resolved.SetTime(models.FieldConflictResolvedAt, e.now())

	case models.ResolutionManual:
		resolved, err = e.cfg.Resolver(ctx, entry.Collection, local, serverRecord)
		if err != nil {
			return fmt.Errorf("manual resolution failed: %w", err)
		}
		resolved[models.FieldSynced] = true
		resolved[models.FieldConflictResolved] = true
		resolved.SetTime(models.FieldConflictResolvedAt, e.now())

	default: // server-wins
		resolved = models.MergeResolve(local, serverRecord, e.now())
	}

	e.log.Info(ctx, "conflict resolved",
		"collection", entry.Collection, "record", recordID, "policy", string(policy))

	_, err = e.store.Upsert(ctx, entry.Collection, resolved)
	return err
}

// scheduleRetry records the attempt and parks the entry until its backoff
// delay elapses: base doubled per attempt, capped at the ceiling.
func (e *Engine) scheduleRetry(ctx context.Context, entry models.MutationEntry, cause string) {
	delay := e.cfg.BackoffBase << (entry.RetryCount - 1)
	if delay > e.cfg.BackoffCeiling || delay <= 0 {
		delay = e.cfg.BackoffCeiling
	}
	next := e.now().Add(delay)
	entry.NextAttemptAt = &next
	entry.LastError = cause

	if err := e.box.Update(ctx, entry); err != nil {
		e.faults.Report(ctx, common.SeverityError, "engine", err, map[string]any{"entry": entry.ID})
		return
	}
	e.log.Debug(ctx, "retry scheduled", "entry", entry.ID, "attempt", entry.RetryCount, "delay", delay.String())
}

func (e *Engine) ack(ctx context.Context, entryID string) {
	if err := e.box.Ack(ctx, entryID); err != nil {
		e.faults.Report(ctx, common.SeverityError, "engine", err, map[string]any{"entry": entryID})
	}
}
