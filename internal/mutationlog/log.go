// Package mutationlog is the client's durable, append-only record of cart
// mutations that the server authority has not yet resolved.
package mutationlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/cartsync/internal/types"
	"github.com/hyperengineering/cartsync/migrations"
)

// ErrNotFound indicates the mutation id is not in the pending log.
var ErrNotFound = errors.New("mutation not found")

// StateSuperseded marks a history row whose log entry was replaced in place.
const StateSuperseded types.SyncState = "superseded"

const clientIDKey = "client_id"

// Log is a SQLite-backed mutation log for one client.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the log at path and applies migrations.
func Open(ctx context.Context, path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mutation log: %w", err)
	}
	// One writer keeps seq assignment and supersession atomic.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations.FS, migrations.ClientDir)
	if err != nil {
		return fmt.Errorf("client migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// ClientID returns the client id persisted in the log. When none is stored
// yet, candidate is persisted and returned.
func (l *Log) ClientID(ctx context.Context, candidate string) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM client_metadata WHERE key = ?`, clientIDKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read client id: %w", err)
	}
	if candidate == "" {
		return "", fmt.Errorf("read client id: no stored id and no candidate")
	}
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO client_metadata (key, value) VALUES (?, ?)`, clientIDKey, candidate); err != nil {
		return "", fmt.Errorf("store client id: %w", err)
	}
	return candidate, nil
}

// Append records m as a pending mutation and returns it with its seq and
// mutation id assigned.
//
// When the latest pending entry for the same cart, client and key has never
// been submitted, it is replaced in place and keeps its seq; the two intents
// are merged so folding the merged entry equals folding both. An entry that
// was submitted at least once is never rewritten; m is appended after it.
func (l *Log) Append(ctx context.Context, m types.Mutation) (types.Mutation, error) {
	m = m.Normalize()
	m.SyncState = types.SyncPending
	m.Reason = ""
	m.Attempts = 0
	if m.MutationID == "" {
		m.MutationID = ulid.Make().String()
	}
	if m.ClientTimestamp.IsZero() {
		m.ClientTimestamp = time.Now()
	}
	m.ClientTimestamp = m.ClientTimestamp.UTC().Round(0)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Mutation{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	key := m.Key.String()

	var (
		prevSeq      int64
		prevID       string
		prevPayload  string
		prevAttempts int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, mutation_id, payload, attempts FROM mutation_log
		WHERE cart_id = ? AND client_id = ? AND item_key = ?
		ORDER BY seq DESC LIMIT 1
	`, string(m.CartID), m.ClientID, key).Scan(&prevSeq, &prevID, &prevPayload, &prevAttempts)
	switch {
	case err == nil && prevAttempts == 0:
		var prev types.Mutation
		if err := json.Unmarshal([]byte(prevPayload), &prev); err != nil {
			return types.Mutation{}, fmt.Errorf("decode superseded mutation %s: %w", prevID, err)
		}
		m = supersede(prev, m)
		m.Seq = prevSeq
		payload, err := json.Marshal(m)
		if err != nil {
			return types.Mutation{}, fmt.Errorf("encode mutation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutation_log SET mutation_id = ?, payload = ? WHERE seq = ?
		`, m.MutationID, string(payload), prevSeq); err != nil {
			return types.Mutation{}, fmt.Errorf("supersede mutation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutation_history SET sync_state = ?, resolved_at = ? WHERE mutation_id = ?
		`, string(StateSuperseded), now, prevID); err != nil {
			return types.Mutation{}, fmt.Errorf("record supersession: %w", err)
		}
	case err == nil || errors.Is(err, sql.ErrNoRows):
		payload, err := json.Marshal(m)
		if err != nil {
			return types.Mutation{}, fmt.Errorf("encode mutation: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO mutation_log (mutation_id, cart_id, client_id, item_key, payload, attempts, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
		`, m.MutationID, string(m.CartID), m.ClientID, key, string(payload), now)
		if err != nil {
			return types.Mutation{}, fmt.Errorf("append mutation: %w", err)
		}
		if m.Seq, err = res.LastInsertId(); err != nil {
			return types.Mutation{}, fmt.Errorf("get seq: %w", err)
		}
	default:
		return types.Mutation{}, fmt.Errorf("find superseded mutation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_history (mutation_id, cart_id, seq, kind, item_key, quantity, sync_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MutationID, string(m.CartID), m.Seq, string(m.Kind), key, m.Quantity, string(types.SyncPending), now); err != nil {
		return types.Mutation{}, fmt.Errorf("record history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Mutation{}, fmt.Errorf("commit transaction: %w", err)
	}

	slog.Debug("mutation appended",
		"component", "mutationlog",
		"cart_id", m.CartID,
		"mutation_id", m.MutationID,
		"seq", m.Seq,
		"kind", m.Kind,
	)
	return m, nil
}

// supersede collapses prev and next (same key, prev never submitted) into one
// entry carrying next's identity.
func supersede(prev, next types.Mutation) types.Mutation {
	merged := next
	if merged.Item == (types.ItemDescriptor{}) {
		merged.Item = prev.Item
	}
	if next.Kind != types.MutationAdd {
		return merged
	}
	switch prev.Kind {
	case types.MutationAdd:
		merged.Quantity = prev.Quantity + next.Quantity
	case types.MutationSetQuantity:
		merged.Kind = types.MutationSetQuantity
		merged.Quantity = prev.Quantity + next.Quantity
	case types.MutationRemove:
		merged.Kind = types.MutationSetQuantity
	}
	return merged
}

// PendingFor returns the cart's pending mutations in seq order.
func (l *Log) PendingFor(ctx context.Context, cartID types.CartID) ([]types.Mutation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, mutation_id, payload, attempts FROM mutation_log
		WHERE cart_id = ?
		ORDER BY seq ASC
	`, string(cartID))
	if err != nil {
		return nil, fmt.Errorf("query pending mutations: %w", err)
	}
	defer rows.Close()

	pending := make([]types.Mutation, 0)
	for rows.Next() {
		var (
			seq      int64
			id       string
			payload  string
			attempts int
		)
		if err := rows.Scan(&seq, &id, &payload, &attempts); err != nil {
			return nil, fmt.Errorf("scan pending mutation: %w", err)
		}
		var m types.Mutation
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode mutation %s: %w", id, err)
		}
		m.Seq = seq
		m.MutationID = id
		m.Attempts = attempts
		m.SyncState = types.SyncPending
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

// MarkSubmitted records a submission attempt. A submitted entry is frozen
// against in-place supersession.
func (l *Log) MarkSubmitted(ctx context.Context, mutationID string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE mutation_log SET attempts = attempts + 1 WHERE mutation_id = ?`, mutationID)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	return requireRow(res, mutationID)
}

// MarkAcknowledged purges an accepted mutation and records the version it
// was included in.
func (l *Log) MarkAcknowledged(ctx context.Context, mutationID string, version int64) error {
	return l.resolve(ctx, mutationID, types.SyncAcknowledged, "", version)
}

// MarkRejected purges a rejected mutation and records the reason.
func (l *Log) MarkRejected(ctx context.Context, mutationID, reason string) error {
	return l.resolve(ctx, mutationID, types.SyncRejected, reason, 0)
}

// MarkResolved purges a mutation the server reports as settled without
// saying how. The snapshot it came with is authoritative.
func (l *Log) MarkResolved(ctx context.Context, mutationID string, version int64) error {
	return l.resolve(ctx, mutationID, types.SyncResolved, "already resolved by server", version)
}

func (l *Log) resolve(ctx context.Context, mutationID string, state types.SyncState, reason string, version int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM mutation_log WHERE mutation_id = ?`, mutationID)
	if err != nil {
		return fmt.Errorf("purge mutation: %w", err)
	}
	if err := requireRow(res, mutationID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE mutation_history SET sync_state = ?, reason = ?, version = ?, resolved_at = ?
		WHERE mutation_id = ?
	`, string(state), reason, version, time.Now().UTC().Format(time.RFC3339Nano), mutationID); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, mutationID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %s: %w", mutationID, ErrNotFound)
	}
	return nil
}
