package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/cartsync/internal/types"
)

// GetEventsAfter returns up to limit change-log rows of a cart with a version
// greater than after, in version order.
func (s *SQLStore) GetEventsAfter(ctx context.Context, cartID types.CartID, after int64, limit int) ([]types.CartEvent, error) {
	if limit <= 0 {
		limit = types.DefaultDeltaLimit
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT version, mutation_id, client_id, kind, item_key, quantity, created_at
		FROM cart_events
		WHERE cart_id = ? AND version > ?
		ORDER BY version ASC
		LIMIT ?
	`), string(cartID), after, limit)
	if err != nil {
		return nil, fmt.Errorf("query cart events: %w", err)
	}
	defer rows.Close()

	var events []types.CartEvent
	for rows.Next() {
		var (
			e         types.CartEvent
			kind, key string
			createdAt string
		)
		if err := rows.Scan(&e.Version, &e.MutationID, &e.ClientID, &kind, &key, &e.Quantity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cart event: %w", err)
		}
		e.CartID = cartID
		e.Kind = types.MutationKind(kind)
		if e.Key, err = types.ParseItemKey(key); err != nil {
			return nil, fmt.Errorf("scan cart event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt, "created_at")
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart events: %w", err)
	}
	return events, nil
}

// LatestVersion returns the current version of a cart, 0 when unknown.
func (s *SQLStore) LatestVersion(ctx context.Context, cartID types.CartID) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT version FROM carts WHERE cart_id = ?`), string(cartID),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cart version: %w", err)
	}
	return v, nil
}

// CompactEvents deletes change-log rows created before the cutoff.
func (s *SQLStore) CompactEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM cart_events WHERE created_at < ?`), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("compact cart events: %w", err)
	}
	return res.RowsAffected()
}

// CleanIdempotency deletes idempotency records created before the cutoff.
// Resubmissions older than that are still answered through the client
// watermark.
func (s *SQLStore) CleanIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM applied_mutations WHERE created_at < ?`), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("clean applied mutations: %w", err)
	}
	return res.RowsAffected()
}

// ExpireIdleCarts marks carts whose TTL has lapsed as expired, drops their
// lines and watermarks, and returns their ids.
func (s *SQLStore) ExpireIdleCarts(ctx context.Context, now time.Time) ([]types.CartID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		s.q(`SELECT cart_id FROM carts WHERE expired = 0 AND expires_at <= ? ORDER BY cart_id`), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query idle carts: %w", err)
	}
	var ids []types.CartID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan idle cart: %w", err)
		}
		ids = append(ids, types.CartID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle carts: %w", err)
	}

	for _, id := range ids {
		for _, stmt := range []string{
			`UPDATE carts SET expired = 1 WHERE cart_id = ?`,
			`DELETE FROM cart_lines WHERE cart_id = ?`,
			`DELETE FROM cart_clients WHERE cart_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), string(id)); err != nil {
				return nil, fmt.Errorf("expire cart %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return ids, nil
}
