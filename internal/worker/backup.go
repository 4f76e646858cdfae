package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/cartsync/internal/snapshot"
	"github.com/hyperengineering/cartsync/internal/store"
)

// BackupStore writes a consistent copy of the database to a path.
type BackupStore interface {
	Backup(ctx context.Context, destPath string) error
}

// BackupWorker writes periodic database backups and uploads them when
// snapshot storage is configured.
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	interval time.Duration
	path     string
	name     string
}

// NewBackupWorker creates a backup worker writing to path. name is the
// object prefix used for uploads. uploader may be nil.
func NewBackupWorker(s BackupStore, uploader snapshot.Uploader, interval time.Duration, path, name string) *BackupWorker {
	return &BackupWorker{
		store:    s,
		uploader: uploader,
		interval: interval,
		path:     path,
		name:     name,
	}
}

// Run backs up immediately and then on each interval until ctx is
// cancelled. It returns early when the database does not support backups.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
		"interval", w.interval.String(),
		"path", w.path,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if !w.backup(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if !w.backup(ctx) {
				return
			}
		}
	}
}

// backup runs one pass. Returns false when the worker should stop.
func (w *BackupWorker) backup(ctx context.Context) bool {
	start := time.Now()
	slog.Info("backup started",
		"component", "worker",
		"worker", "backup",
		"action", "backup_start",
	)

	if err := w.store.Backup(ctx, w.path); err != nil {
		if errors.Is(err, store.ErrBackupUnsupported) {
			slog.Info("database does not support backups, worker exiting",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "unsupported",
			)
			return false
		}
		if ctx.Err() != nil {
			return true
		}
		slog.Warn("backup failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_failed",
			"error", err,
		)
		return true
	}

	// Upload failures are not fatal; the local backup remains valid.
	if w.uploader != nil {
		if err := w.uploader.Upload(ctx, w.name, w.path); err != nil {
			slog.Warn("backup upload to S3 failed",
				"component", "worker",
				"worker", "backup",
				"action", "backup_upload_failed",
				"error", err,
			)
		} else {
			slog.Debug("backup uploaded",
				"component", "worker",
				"worker", "backup",
				"action", "backup_uploaded",
			)
		}
	}

	slog.Info("backup completed",
		"component", "worker",
		"worker", "backup",
		"action", "backup_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
