// Package cli wires the offline core together behind a small command-line
// surface for inspection and maintenance: status, sync, backup, restore.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/config"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/cryptox"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/engine"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/objstore"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/offline"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/outbox"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/remote"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/storage"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/store"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/trigger"
)

// keySalt pins the key derivation salt for the local vault. The passphrase
// is the secret; the salt only has to be stable per installation.
var keySalt = []byte("phcmois-local-vault")

// App owns the wired offline core for the lifetime of one CLI invocation.
type App struct {
	cfg     *config.Config
	db      *sql.DB
	store   *store.Store
	box     *outbox.Outbox
	service *offline.Service
	trigger *trigger.Trigger
	log     logging.Logger
	out     io.Writer
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	db, err := storage.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	repo := storage.NewSQLiteRepository(db)

	var key []byte
	if len(cfg.SensitiveCollections) > 0 {
		passphrase, err := GetPassword(os.Stderr)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		key = cryptox.DeriveKey(passphrase, keySalt)
	}

	var mirror objstore.ObjectStore
	if cfg.MirrorBucket != "" {
		mirror, err = objstore.NewS3Store(ctx, objstore.S3Config{
			Region:       cfg.MirrorRegion,
			Bucket:       cfg.MirrorBucket,
			AccessKey:    cfg.MirrorAccessKey,
			SecretKey:    cfg.MirrorSecretKey,
			BaseEndpoint: cfg.MirrorEndpoint,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set up backup mirror: %w", err)
		}
	}

	faults := common.LogReporter{Log: log}
	st, err := store.New(repo, store.Config{
		SensitiveCollections: cfg.SensitiveCollections,
		EncryptionKey:        key,
		CompressionThreshold: cfg.CompressionThreshold,
		Quota: store.QuotaConfig{
			MaxItemsPerCollection: cfg.MaxItemsPerCollection,
			MaxTotalItems:         cfg.MaxTotalItems,
			WarnRatio:             cfg.QuotaWarnRatio,
			CriticalRatio:         cfg.QuotaCriticalRatio,
		},
		Archive: store.ArchiveConfig{
			Horizon:      cfg.ArchiveHorizon,
			MaxPerBucket: cfg.ArchiveMaxPerBucket,
		},
		Backup: store.BackupConfig{RetentionMax: cfg.BackupRetentionMax},
		Mirror: mirror,
		Logger: log,
		Faults: faults,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	box := outbox.New(repo, log)
	client := remote.NewHTTPClient(remote.HTTPClientConfig{Endpoint: cfg.RemoteEndpoint})
	probe := remote.NewHTTPProbe(cfg.RemoteEndpoint, 3*time.Second)

	eng := engine.New(st, box, client, probe, engine.Config{
		BatchSize:               cfg.BatchSize,
		BatchConcurrency:        cfg.BatchConcurrency,
		MaxRetries:              cfg.MaxRetries,
		BackoffBase:             cfg.BackoffBase,
		BackoffCeiling:          cfg.BackoffCeiling,
		PartialSuccessThreshold: cfg.PartialSuccessThreshold,
		Logger:                  log,
		Faults:                  faults,
	})

	svc := offline.NewService(st, box, eng, probe, offline.Options{Logger: log})
	trg := trigger.New(eng, probe, trigger.Config{
		MinInterval: cfg.MinSyncInterval,
		Logger:      log,
	})

	return &App{
		cfg:     cfg,
		db:      db,
		store:   st,
		box:     box,
		service: svc,
		trigger: trg,
		log:     log,
		out:     os.Stdout,
	}, nil
}

func (a *App) Close() error {
	return a.db.Close()
}

// Run dispatches one subcommand.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return nil
	}

	switch args[0] {
	case "status":
		return a.runStatus(ctx)
	case "sync":
		return a.runSync(ctx)
	case "backup":
		return a.runBackup(ctx)
	case "backups":
		return a.runListBackups(ctx)
	case "restore":
		if len(args) < 2 {
			return fmt.Errorf("usage: restore <backup-id>")
		}
		return a.runRestore(ctx, args[1])
	case "retry-failed":
		return a.runRetryFailed(ctx)
	case "archive":
		return a.runArchive(ctx)
	case "quota":
		return a.runQuota(ctx)
	default:
		a.usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *App) usage() {
	fmt.Fprintln(a.out, `commands:
  status        connectivity, queue depth and last sync
  sync          run one sync cycle now
  backup        create a checksummed backup snapshot
  backups       list backup snapshots
  restore <id>  restore a backup snapshot
  retry-failed  re-queue permanently failed mutations
  archive       move cold synced records to the archive
  quota         report local storage usage`)
}

func (a *App) runStatus(ctx context.Context) error {
	st, err := a.service.Status(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(st)
}

func (a *App) runSync(ctx context.Context) error {
	res, err := a.service.SyncAll(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

func (a *App) runBackup(ctx context.Context) error {
	snap, err := a.store.CreateBackup(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(snap)
}

func (a *App) runListBackups(ctx context.Context) error {
	backups, err := a.store.ListBackups(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(backups)
}

func (a *App) runRestore(ctx context.Context, id string) error {
	if err := a.service.Restore(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "restored backup %s\n", id)
	return nil
}

func (a *App) runRetryFailed(ctx context.Context) error {
	n, err := a.box.RetryFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "re-queued %d failed mutations\n", n)
	return nil
}

func (a *App) runArchive(ctx context.Context) error {
	res, err := a.store.ArchiveOld(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

func (a *App) runQuota(ctx context.Context) error {
	report, err := a.store.CheckQuota(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(report)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
