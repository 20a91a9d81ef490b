package outbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
)

func testRepo(t *testing.T) storage.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE blobs (key TEXT PRIMARY KEY, value BLOB NOT NULL, updated_at INTEGER NOT NULL DEFAULT 0);
CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
`)
	require.NoError(t, err)
	return storage.NewSQLiteRepository(db)
}

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	return New(testRepo(t), logging.NopLogger{})
}

func TestOutbox_EnqueueAndPending(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	e1, err := o.Enqueue(ctx, "PATIENTS", models.OperationCreate, models.Record{"id": "p1", "name": "a"}, models.ResolutionServerWins)
	require.NoError(t, err)
	assert.NotEmpty(t, e1.ID)
	assert.Equal(t, 0, e1.RetryCount)

	_, err = o.Enqueue(ctx, "VISITS", models.OperationCreate, models.Record{"id": "v1"}, models.ResolutionServerWins)
	require.NoError(t, err)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "PATIENTS", pending[0].Collection)
	assert.Equal(t, "VISITS", pending[1].Collection)
}

func TestOutbox_CoalescesSameRecord(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	first, err := o.Enqueue(ctx, "PATIENTS", models.OperationCreate, models.Record{"id": "p1", "name": "a"}, models.ResolutionServerWins)
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, "VISITS", models.OperationCreate, models.Record{"id": "p1"}, models.ResolutionServerWins)
	require.NoError(t, err)

	// bump the first entry's retry count, then coalesce over it
	first.RetryCount = 2
	require.NoError(t, o.Update(ctx, first))

	second, err := o.Enqueue(ctx, "PATIENTS", models.OperationUpdate, models.Record{"id": "p1", "name": "b"}, models.ResolutionServerWins)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// queue position is preserved, payload and operation are the newer
	// ones, and the retry budget starts over
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, models.OperationUpdate, pending[0].Operation)
	assert.Equal(t, "b", pending[0].Payload["name"])
	assert.Equal(t, 0, pending[0].RetryCount)

	// the same record id in another collection is untouched
	assert.Equal(t, "VISITS", pending[1].Collection)
}

func TestOutbox_AckRemovesEntry(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	e, err := o.Enqueue(ctx, "PATIENTS", models.OperationCreate, models.Record{"id": "p1"}, models.ResolutionServerWins)
	require.NoError(t, err)

	require.NoError(t, o.Ack(ctx, e.ID))
	n, err := o.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, o.Ack(ctx, e.ID), common.ErrEntryNotFound)
}

func TestOutbox_FailedLifecycle(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	e, err := o.Enqueue(ctx, "PATIENTS", models.OperationDelete, models.Record{"id": "p1"}, models.ResolutionServerWins)
	require.NoError(t, err)

	e.RetryCount = 3
	require.NoError(t, o.Update(ctx, e))
	require.NoError(t, o.MarkFailed(ctx, e.ID, "server rejected payload"))

	// failed entries leave the pending set but stay inspectable
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := o.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Failed)
	assert.Equal(t, "server rejected payload", all[0].LastError)

	// a new mutation for the same record does not coalesce into the
	// failed entry
	_, err = o.Enqueue(ctx, "PATIENTS", models.OperationUpdate, models.Record{"id": "p1"}, models.ResolutionServerWins)
	require.NoError(t, err)
	all, err = o.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	revived, err := o.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, revived)

	pending, err = o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Empty(t, pending[0].LastError)
}

func TestOutbox_Stats(t *testing.T) {
	base := time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC)
	current := base
	o := New(testRepo(t), logging.NopLogger{}, WithClock(func() time.Time {
		current = current.Add(time.Minute)
		return current
	}))
	ctx := context.Background()

	_, err := o.Enqueue(ctx, "PATIENTS", models.OperationCreate, models.Record{"id": "p1"}, models.ResolutionServerWins)
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, "PATIENTS", models.OperationUpdate, models.Record{"id": "p2"}, models.ResolutionServerWins)
	require.NoError(t, err)
	failed, err := o.Enqueue(ctx, "VISITS", models.OperationDelete, models.Record{"id": "v1"}, models.ResolutionServerWins)
	require.NoError(t, err)
	require.NoError(t, o.MarkFailed(ctx, failed.ID, "boom"))

	stats, err := o.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, map[string]int{"create": 1, "update": 1}, stats.ByKind)
	require.NotNil(t, stats.OldestAt)
	assert.True(t, stats.OldestAt.Equal(base.Add(time.Minute)))
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	o1 := New(repo, logging.NopLogger{})
	_, err := o1.Enqueue(ctx, "PATIENTS", models.OperationCreate, models.Record{"id": "p1"}, models.ResolutionServerWins)
	require.NoError(t, err)

	o2 := New(repo, logging.NopLogger{})
	pending, err := o2.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].RecordID())
}
