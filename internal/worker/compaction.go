package worker

import (
	"context"
	"log/slog"
	"time"
)

// CompactionStore trims the change log and the idempotency cache.
type CompactionStore interface {
	// CompactEvents removes change-log rows created before the cutoff.
	CompactEvents(ctx context.Context, before time.Time) (int64, error)
	// CleanIdempotency removes idempotency records created before the cutoff.
	CleanIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// CompactionWorker periodically trims old change-log rows and idempotency
// records.
type CompactionWorker struct {
	store                CompactionStore
	interval             time.Duration
	eventRetention       time.Duration
	idempotencyRetention time.Duration
	now                  func() time.Time
}

// NewCompactionWorker creates a compaction worker. A zero retention disables
// that half of the work.
func NewCompactionWorker(store CompactionStore, interval, eventRetention, idempotencyRetention time.Duration) *CompactionWorker {
	return &CompactionWorker{
		store:                store,
		interval:             interval,
		eventRetention:       eventRetention,
		idempotencyRetention: idempotencyRetention,
		now:                  time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
//
// The first pass waits one interval so compaction does not compete with
// server startup.
func (w *CompactionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "compaction",
		"action", "worker_started",
		"interval", w.interval.String(),
		"event_retention", w.eventRetention.String(),
		"idempotency_retention", w.idempotencyRetention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "compaction",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.compact(ctx)
		}
	}
}

func (w *CompactionWorker) compact(ctx context.Context) {
	start := time.Now()
	now := w.now()
	var events, records int64

	if w.eventRetention > 0 {
		n, err := w.store.CompactEvents(ctx, now.Add(-w.eventRetention))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("event compaction failed",
				"component", "worker",
				"worker", "compaction",
				"action", "compaction_failed",
				"error", err,
			)
		}
		events = n
	}

	if w.idempotencyRetention > 0 {
		n, err := w.store.CleanIdempotency(ctx, now.Add(-w.idempotencyRetention))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("idempotency cleanup failed",
				"component", "worker",
				"worker", "compaction",
				"action", "compaction_failed",
				"error", err,
			)
		}
		records = n
	}

	if events == 0 && records == 0 {
		slog.Debug("nothing to compact",
			"component", "worker",
			"worker", "compaction",
		)
		return
	}

	slog.Info("compaction completed",
		"component", "worker",
		"worker", "compaction",
		"action", "compaction_complete",
		"events_deleted", events,
		"idempotency_deleted", records,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
