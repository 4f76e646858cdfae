package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/cartsync/internal/types"
)

// ExpiryStore marks carts whose TTL has lapsed as expired.
type ExpiryStore interface {
	ExpireIdleCarts(ctx context.Context, now time.Time) ([]types.CartID, error)
}

// CartCloser ends live broadcast streams of an expired cart.
// Implemented by broadcast.Hub.
type CartCloser interface {
	CloseCart(cartID types.CartID)
}

// CartExpiryWorker periodically expires idle carts and notifies their
// subscribers.
type CartExpiryWorker struct {
	store    ExpiryStore
	closer   CartCloser
	interval time.Duration
	now      func() time.Time
}

// NewCartExpiryWorker creates an expiry worker. closer may be nil.
func NewCartExpiryWorker(store ExpiryStore, closer CartCloser, interval time.Duration) *CartExpiryWorker {
	return &CartExpiryWorker{
		store:    store,
		closer:   closer,
		interval: interval,
		now:      time.Now,
	}
}

// Run expires carts immediately and then on each interval until ctx is
// cancelled.
func (w *CartExpiryWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "cart-expiry",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.expire(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "cart-expiry",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.expire(ctx)
		}
	}
}

func (w *CartExpiryWorker) expire(ctx context.Context) {
	start := time.Now()
	ids, err := w.store.ExpireIdleCarts(ctx, w.now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("cart expiry failed",
			"component", "worker",
			"worker", "cart-expiry",
			"action", "expiry_failed",
			"error", err,
		)
		return
	}
	if len(ids) == 0 {
		return
	}

	if w.closer != nil {
		for _, id := range ids {
			w.closer.CloseCart(id)
		}
	}

	slog.Info("carts expired",
		"component", "worker",
		"worker", "cart-expiry",
		"action", "carts_expired",
		"count", len(ids),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
