package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/outbox"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/remote"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/store"
)

// fakeClient scripts per-record responses and records the pushes it saw.
type fakeClient struct {
	mu        sync.Mutex
	responses map[string]remote.PushResponse
	errs      map[string]error
	pushes    []remote.PushRequest
	started   chan struct{}
	release   chan struct{}
}

func (c *fakeClient) Push(ctx context.Context, req remote.PushRequest) (remote.PushResponse, error) {
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, req)
	id := req.Payload.ID()
	if err, ok := c.errs[id]; ok {
		return remote.PushResponse{}, err
	}
	if resp, ok := c.responses[id]; ok {
		return resp, nil
	}
	return remote.PushResponse{Accepted: true}, nil
}

func (c *fakeClient) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

type fixture struct {
	store  *store.Store
	box    *outbox.Outbox
	client *fakeClient
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`
CREATE TABLE blobs (key TEXT PRIMARY KEY, value BLOB NOT NULL, updated_at INTEGER NOT NULL DEFAULT 0);
CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
`)
	require.NoError(t, err)
	repo := storage.NewSQLiteRepository(db)

	f := &fixture{now: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	st, err := store.New(repo, store.Config{Clock: clock})
	require.NoError(t, err)
	f.store = st
	f.box = outbox.New(repo, logging.NopLogger{}, outbox.WithClock(clock))
	f.client = &fakeClient{
		responses: map[string]remote.PushResponse{},
		errs:      map[string]error{},
	}

	cfg := Config{
		BatchSize:        2,
		BatchConcurrency: 2,
		MaxRetries:       3,
		BackoffBase:      2 * time.Second,
		BackoffCeiling:   10 * time.Second,
		Clock:            clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.engine = New(st, f.box, f.client, remote.AlwaysOnline, cfg)
	return f
}

func (f *fixture) seed(t *testing.T, id string, policy models.ResolutionPolicy) models.MutationEntry {
	t.Helper()
	ctx := context.Background()
	rec := models.Record{"id": id, "name": "n-" + id, "_synced": false}
	_, err := f.store.Add(ctx, "PATIENTS", rec)
	require.NoError(t, err)
	entry, err := f.box.Enqueue(ctx, "PATIENTS", models.OperationCreate, rec, policy)
	require.NoError(t, err)
	return entry
}

func TestEngine_SuccessfulCycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.seed(t, "p2", models.ResolutionServerWins)
	f.client.responses["p1"] = remote.PushResponse{
		Accepted:     true,
		ServerRecord: models.Record{"id": "p1", "serverId": "srv-1"},
	}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)

	// queue drained, records synced, server fields folded in
	n, err := f.box.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.store.Get(ctx, "PATIENTS", "p1")
	require.NoError(t, err)
	assert.Equal(t, true, rec["_synced"])
	assert.Equal(t, "srv-1", rec["serverId"])

	ts, err := f.store.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.True(t, ts.Equal(f.now))
}

func TestEngine_SingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.client.started = make(chan struct{}, 1)
	f.client.release = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = f.engine.Sync(ctx)
	}()

	<-f.client.started
	assert.True(t, f.engine.Running())

	// a second cycle while the first is in flight is rejected untouched
	_, err := f.engine.Sync(ctx)
	assert.ErrorIs(t, err, common.ErrSyncInProgress)

	close(f.client.release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.False(t, f.engine.Running())
}

func TestEngine_OfflineCycleTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	offline := remote.ProbeFunc(func(context.Context) bool { return false })
	e := New(f.store, f.box, f.client, offline, Config{Clock: func() time.Time { return f.now }})

	_, err := e.Sync(ctx)
	assert.ErrorIs(t, err, common.ErrNoConnectivity)
	assert.Zero(t, f.client.pushCount())

	n, err := f.box.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ts, err := f.store.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestEngine_RetryableFailureBacksOff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.client.responses["p1"] = remote.PushResponse{Retryable: true, Message: "try later"}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)

	all, err := f.box.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	entry := all[0]
	assert.Equal(t, 1, entry.RetryCount)
	require.NotNil(t, entry.LastAttempt)
	require.NotNil(t, entry.NextAttemptAt)
	// first retry waits the base delay
	assert.True(t, entry.NextAttemptAt.Equal(f.now.Add(2*time.Second)))
	assert.Equal(t, "try later", entry.LastError)

	// a cycle before the deadline skips the entry entirely
	before := f.client.pushCount()
	res, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, before, f.client.pushCount())

	// delays double per attempt and cap at the ceiling
	f.now = f.now.Add(3 * time.Second)
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	all, err = f.box.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].RetryCount)
	assert.True(t, all[0].NextAttemptAt.Equal(f.now.Add(4*time.Second)))
}

func TestEngine_RetryBudgetExhaustedParksEntry(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxRetries = 2 })
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.client.responses["p1"] = remote.PushResponse{Retryable: true}

	for i := 0; i < 3; i++ {
		_, err := f.engine.Sync(ctx)
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	// two real attempts, then the entry is parked without another call
	assert.Equal(t, 2, f.client.pushCount())
	all, err := f.box.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Failed)

	// parked entries are invisible to later cycles
	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
}

func TestEngine_NonRetryableRejectionParksEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.client.responses["p1"] = remote.PushResponse{Message: "schema unknown"}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 1, f.client.pushCount())

	all, err := f.box.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Failed)
	assert.Equal(t, "schema unknown", all[0].LastError)
}

func TestEngine_ConflictServerWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.client.responses["p1"] = remote.PushResponse{
		Conflict:     true,
		ServerRecord: models.Record{"id": "p1", "name": "server name", "serverId": "srv-1"},
	}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Conflicts)

	rec, err := f.store.Get(ctx, "PATIENTS", "p1")
	require.NoError(t, err)
	assert.Equal(t, "server name", rec["name"])
	assert.Equal(t, true, rec["_synced"])
	assert.Equal(t, true, rec["_conflictResolved"])

	n, err := f.box.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_ConflictClientWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionClientWins)
	f.client.responses["p1"] = remote.PushResponse{
		Conflict:     true,
		ServerRecord: models.Record{"id": "p1", "name": "server name"},
	}

	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, "PATIENTS", "p1")
	require.NoError(t, err)
	assert.Equal(t, "n-p1", rec["name"])
	assert.Equal(t, true, rec["_conflictResolved"])
}

func TestEngine_ManualConflictUsesResolver(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Resolver = func(_ context.Context, _ string, local, server models.Record) (models.Record, error) {
			merged := server.Clone()
			merged["note"] = local["name"]
			return merged, nil
		}
	})
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionManual)
	f.client.responses["p1"] = remote.PushResponse{
		Conflict:     true,
		ServerRecord: models.Record{"id": "p1", "name": "server name"},
	}

	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, "PATIENTS", "p1")
	require.NoError(t, err)
	assert.Equal(t, "server name", rec["name"])
	assert.Equal(t, "n-p1", rec["note"])
}

func TestEngine_ManualConflictWithoutResolverFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionManual)
	f.client.responses["p1"] = remote.PushResponse{
		Conflict:     true,
		ServerRecord: models.Record{"id": "p1", "name": "server name"},
	}

	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, "PATIENTS", "p1")
	require.NoError(t, err)
	assert.Equal(t, "server name", rec["name"])
}

func TestEngine_PartialSuccessThreshold(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.BatchSize = 10
		cfg.PartialSuccessThreshold = 0.7
	})
	ctx := context.Background()

	ids := []string{"p1", "p2", "p3", "p4"}
	for _, id := range ids {
		f.seed(t, id, models.ResolutionServerWins)
	}
	// 3 of 4 succeed: exactly at the threshold
	f.client.responses["p4"] = remote.PushResponse{Retryable: true}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	// partial cycles still advance the last-sync marker
	ts, err := f.store.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	// 1 of 4: below the threshold, the marker stays put
	f2 := newFixture(t, func(cfg *Config) { cfg.BatchSize = 10 })
	for _, id := range ids {
		f2.seed(t, id, models.ResolutionServerWins)
	}
	for _, id := range []string{"p1", "p2", "p3"} {
		f2.client.responses[id] = remote.PushResponse{Retryable: true}
	}
	res, err = f2.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)

	ts, err = f2.store.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestEngine_TransportErrorIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, "p1", models.ResolutionServerWins)
	f.client.errs["p1"] = errors.New("connection reset")

	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)

	all, err := f.box.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Failed)
	assert.Equal(t, 1, all[0].RetryCount)
	assert.NotNil(t, all[0].NextAttemptAt)
}

func TestEngine_BatchConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	f := newFixture(t, func(cfg *Config) {
		cfg.BatchSize = 8
		cfg.BatchConcurrency = 2
	})
	ctx := context.Background()

	base := f.client
	counting := &countingClient{inner: base, inFlight: &inFlight, peak: &peak}
	f.engine = New(f.store, f.box, counting, remote.AlwaysOnline, Config{
		BatchSize:        8,
		BatchConcurrency: 2,
		Clock:            func() time.Time { return f.now },
	})

	for i := 0; i < 8; i++ {
		f.seed(t, string(rune('a'+i)), models.ResolutionServerWins)
	}

	res, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type countingClient struct {
	inner    remote.Client
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (c *countingClient) Push(ctx context.Context, req remote.PushRequest) (remote.PushResponse, error) {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	defer c.inFlight.Add(-1)
	return c.inner.Push(ctx, req)
}
