package store

import (
	"context"
	"time"

	"github.com/hyperengineering/cartsync/internal/types"
)

// Store defines the server authority's cart storage operations.
type Store interface {
	GetSnapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, error)
	ApplyMutation(ctx context.Context, m types.Mutation) (ApplyResult, error)
	GetEventsAfter(ctx context.Context, cartID types.CartID, after int64, limit int) ([]types.CartEvent, error)
	LatestVersion(ctx context.Context, cartID types.CartID) (int64, error)
	SetInventory(ctx context.Context, key types.ItemKey, available int) error
	ExpireIdleCarts(ctx context.Context, now time.Time) ([]types.CartID, error)
	CompactEvents(ctx context.Context, before time.Time) (int64, error)
	CleanIdempotency(ctx context.Context, before time.Time) (int64, error)
	Backup(ctx context.Context, destPath string) error
	GetStats(ctx context.Context) (*types.StoreStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// ApplyResult is the outcome of ApplyMutation.
type ApplyResult struct {
	Result types.SubmitResult
	// Replayed is true when the mutation was resolved by an earlier submission.
	Replayed bool
}

// Dialect names a supported database driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)
