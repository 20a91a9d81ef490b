// Package trigger decides when sync cycles run: app lifecycle events and an
// optional periodic schedule, both gated by a minimum interval so event
// storms cannot hammer the backend.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/engine"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/remote"
)

// Syncer is the slice of the engine the trigger needs.
type Syncer interface {
	Sync(ctx context.Context) (engine.CycleResult, error)
}

// Config tunes the trigger.
type Config struct {
	// MinInterval is the shortest time between two triggered cycles.
	// Events inside the window are dropped.
	MinInterval time.Duration
	// Period, when positive, also runs cycles on a fixed schedule while
	// the trigger is started.
	Period time.Duration

	Logger logging.Logger
	Clock  func() time.Time
}

// Trigger fires sync cycles in response to lifecycle events.
type Trigger struct {
	syncer Syncer
	probe  remote.Probe
	cfg    Config
	log    logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(syncer Syncer, probe remote.Probe, cfg Config) *Trigger {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Trigger{
		syncer: syncer,
		probe:  probe,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "trigger"),
		now:    cfg.Clock,
	}
}

// OnForeground fires when the app returns to the foreground. Returns true
// when a cycle was actually started.
func (t *Trigger) OnForeground(ctx context.Context) bool {
	return t.maybeSync(ctx, "foreground")
}

// OnConnectivityRestored fires when the network comes back.
func (t *Trigger) OnConnectivityRestored(ctx context.Context) bool {
	return t.maybeSync(ctx, "connectivity-restored")
}

// maybeSync runs a cycle unless the min-interval window or connectivity says
// otherwise.
func (t *Trigger) maybeSync(ctx context.Context, reason string) bool {
	t.mu.Lock()
	now := t.now()
	if !t.lastRun.IsZero() && now.Sub(t.lastRun) < t.cfg.MinInterval {
		t.mu.Unlock()
		t.log.Debug(ctx, "sync suppressed by min interval", "reason", reason)
		return false
	}
	if t.probe != nil && !t.probe.Online(ctx) {
		t.mu.Unlock()
		t.log.Debug(ctx, "sync suppressed, offline", "reason", reason)
		return false
	}
	t.lastRun = now
	t.mu.Unlock()

	res, err := t.syncer.Sync(ctx)
	if err != nil {
		t.log.Warn(ctx, "triggered sync failed", "reason", reason, "error", err.Error())
		return false
	}
	t.log.Info(ctx, "triggered sync finished", "reason", reason, "status", string(res.Status))
	return true
}

// Start launches the periodic loop when a period is configured. It is a
// no-op otherwise.
func (t *Trigger) Start(ctx context.Context) {
	if t.cfg.Period <= 0 {
		return
	}

	t.mu.Lock()
	if t.stopCh != nil {
		t.mu.Unlock()
		return
	}
	t.stopCh = make(chan struct{})
	stop := t.stopCh
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.Period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.maybeSync(ctx, "periodic")
			}
		}
	}()
	t.log.Info(ctx, "periodic sync started", "period", t.cfg.Period.String())
}

// Stop halts the periodic loop and waits for an in-flight tick to finish.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if t.stopCh == nil {
		t.mu.Unlock()
		return
	}
	close(t.stopCh)
	t.stopCh = nil
	t.mu.Unlock()
	t.wg.Wait()
}
