// Package outbox is the durable queue of mutations awaiting sync. Entries
// survive restarts and are coalesced so at most one pending entry exists per
// record.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
)

// Stats summarizes the queue for status surfaces.
type Stats struct {
	Pending  int            `json:"pending"`
	Failed   int            `json:"failed"`
	ByKind   map[string]int `json:"byKind"`
	OldestAt *time.Time     `json:"oldestAt,omitempty"`
}

// Outbox is the persistent mutation queue. All methods are safe for
// concurrent use; the serialized queue is rewritten as a whole on every
// change, so a crash leaves either the old or the new queue.
type Outbox struct {
	repo storage.Repository
	log  logging.Logger
	now  func() time.Time

	mu sync.Mutex
}

type Option func(*Outbox)

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

func New(repo storage.Repository, log logging.Logger, opts ...Option) *Outbox {
	o := &Outbox{repo: repo, log: log.With("component", "outbox"), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue records a mutation. When a pending entry already exists for the
// same (collection, record) pair it is replaced in place: the newer payload
// and operation win, the queue position is kept, and the retry count starts
// over. The stored entry is returned.
func (o *Outbox) Enqueue(ctx context.Context, collection string, op models.OperationKind, payload models.Record, policy models.ResolutionPolicy) (models.MutationEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return models.MutationEntry{}, err
	}

	entry := models.MutationEntry{
		ID:         uuid.NewString(),
		Collection: collection,
		Operation:  op,
		Payload:    payload.Clone(),
		CreatedAt:  o.now().UTC(),
		Policy:     policy,
	}

	recordID := payload.ID()
	replaced := false
	for i, existing := range entries {
		if existing.Failed || existing.Collection != collection || existing.RecordID() != recordID {
			continue
		}
		entries[i] = entry
		replaced = true
		break
	}
	if !replaced {
		entries = append(entries, entry)
	}

	if err := o.save(ctx, entries); err != nil {
		return models.MutationEntry{}, err
	}
	o.log.Debug(ctx, "mutation enqueued", "entry", entry.ID, "collection", collection, "op", string(op), "coalesced", replaced)
	return entry, nil
}

// Pending returns the non-failed entries in queue order.
func (o *Outbox) Pending(ctx context.Context) ([]models.MutationEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]models.MutationEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Failed {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// All returns every entry, failed ones included.
func (o *Outbox) All(ctx context.Context) ([]models.MutationEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(ctx)
}

// Ack removes a successfully synced entry.
func (o *Outbox) Ack(ctx context.Context, entryID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.ID == entryID {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("%w: %s", common.ErrEntryNotFound, entryID)
	}
	return o.save(ctx, kept)
}

// Update rewrites an entry in place, preserving its queue position. Used by
// the sync engine to record attempts and backoff deadlines.
func (o *Outbox) Update(ctx context.Context, entry models.MutationEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.ID == entry.ID {
			entries[i] = entry
			return o.save(ctx, entries)
		}
	}
	return fmt.Errorf("%w: %s", common.ErrEntryNotFound, entry.ID)
}

// MarkFailed flags an entry as permanently failed. It stays in the queue for
// inspection and manual retry but is skipped by sync cycles.
func (o *Outbox) MarkFailed(ctx context.Context, entryID string, cause string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.ID == entryID {
			entries[i].Failed = true
			entries[i].LastError = cause
			o.log.Warn(ctx, "mutation permanently failed", "entry", entryID, "collection", e.Collection, "cause", cause)
			return o.save(ctx, entries)
		}
	}
	return fmt.Errorf("%w: %s", common.ErrEntryNotFound, entryID)
}

// RetryFailed moves every permanently failed entry back into the pending
// set with a fresh retry budget. Returns how many entries were revived.
func (o *Outbox) RetryFailed(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return 0, err
	}
	revived := 0
	for i := range entries {
		if !entries[i].Failed {
			continue
		}
		entries[i].Failed = false
		entries[i].RetryCount = 0
		entries[i].NextAttemptAt = nil
		entries[i].LastError = ""
		revived++
	}
	if revived == 0 {
		return 0, nil
	}
	if err := o.save(ctx, entries); err != nil {
		return 0, err
	}
	o.log.Info(ctx, "failed mutations queued for retry", "count", revived)
	return revived, nil
}

// Len reports the number of non-failed entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	pending, err := o.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// GetStats summarizes the queue.
func (o *Outbox) GetStats(ctx context.Context) (Stats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.load(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByKind: map[string]int{}}
	for _, e := range entries {
		if e.Failed {
			stats.Failed++
			continue
		}
		stats.Pending++
		stats.ByKind[string(e.Operation)]++
		if stats.OldestAt == nil || e.CreatedAt.Before(*stats.OldestAt) {
			at := e.CreatedAt
			stats.OldestAt = &at
		}
	}
	return stats, nil
}

// Clear drops the whole queue. Used by restore flows where the local state
// no longer matches the queued mutations.
func (o *Outbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.repo.Delete(ctx, storage.KeyOutbox); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}

func (o *Outbox) load(ctx context.Context) ([]models.MutationEntry, error) {
	blob, err := o.repo.Get(ctx, storage.KeyOutbox)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if len(blob) == 0 {
		return []models.MutationEntry{}, nil
	}
	var entries []models.MutationEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return entries, nil
}

func (o *Outbox) save(ctx context.Context, entries []models.MutationEntry) error {
	blob, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if err := o.repo.Set(ctx, storage.KeyOutbox, blob); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}
