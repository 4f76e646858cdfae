package mutationlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/cartsync/internal/types"
)

// HistoryEntry is one recorded intent and its final outcome.
type HistoryEntry struct {
	MutationID string             `json:"mutation_id"`
	CartID     types.CartID       `json:"cart_id"`
	Seq        int64              `json:"seq"`
	Kind       types.MutationKind `json:"kind"`
	Key        string             `json:"key"`
	Quantity   int                `json:"quantity"`
	SyncState  types.SyncState    `json:"sync_state"`
	Reason     string             `json:"reason,omitempty"`
	Version    int64              `json:"version,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// Stats summarizes the log's contents.
type Stats struct {
	Pending     int64 `json:"pending"`
	History     int64 `json:"history"`
	CachedCarts int64 `json:"cached_carts"`
}

// SaveSnapshot caches the latest server snapshot for offline startup. A
// snapshot older than the cached one is ignored and reports ErrStaleSnapshot.
func (l *Log) SaveSnapshot(ctx context.Context, s types.Snapshot) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM cached_snapshots WHERE cart_id = ?`, string(s.CartID)).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read cached snapshot: %w", err)
	}
	if err == nil && s.Version < stored {
		return fmt.Errorf("%w: cached version %d, received %d", types.ErrStaleSnapshot, stored, s.Version)
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cached_snapshots (cart_id, version, payload, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(cart_id) DO UPDATE SET version = excluded.version, payload = excluded.payload, saved_at = excluded.saved_at
	`, string(s.CartID), s.Version, string(payload), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot returns the cached snapshot for cartID, if any.
func (l *Log) LoadSnapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, bool, error) {
	var payload string
	err := l.db.QueryRowContext(ctx,
		`SELECT payload FROM cached_snapshots WHERE cart_id = ?`, string(cartID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var s types.Snapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, true, nil
}

// History returns the most recent intents for cartID, newest first.
func (l *Log) History(ctx context.Context, cartID types.CartID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT mutation_id, cart_id, seq, kind, item_key, quantity, sync_state, reason, version, created_at, resolved_at
		FROM mutation_history
		WHERE cart_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(cartID), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			e          HistoryEntry
			cart       string
			kind       string
			state      string
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&e.MutationID, &cart, &e.Seq, &kind, &e.Key, &e.Quantity,
			&state, &e.Reason, &e.Version, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.CartID = types.CartID(cart)
		e.Kind = types.MutationKind(kind)
		e.SyncState = types.SyncState(state)

		var parseErr error
		if e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
			slog.Warn("mutation_history: failed to parse created_at", "value", createdAt, "error", parseErr)
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				e.ResolvedAt = &t
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns counts of pending entries, history rows and cached carts.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM mutation_log),
			(SELECT COUNT(*) FROM mutation_history),
			(SELECT COUNT(*) FROM cached_snapshots)
	`).Scan(&s.Pending, &s.History, &s.CachedCarts)
	if err != nil {
		return Stats{}, fmt.Errorf("log stats: %w", err)
	}
	return s, nil
}
