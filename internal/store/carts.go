package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/cartsync/internal/cartstate"
	"github.com/hyperengineering/cartsync/internal/types"
)

// reasonAlreadyResolved accompanies results for mutations at or below the
// client's watermark whose idempotency record has been cleaned up.
const reasonAlreadyResolved = "already resolved"

type cartRow struct {
	version   int64
	expiresAt string
	expired   bool
}

func (c cartRow) isExpired(now string) bool {
	return c.expired || c.expiresAt <= now
}

// GetSnapshot returns the authoritative snapshot of a cart. An unknown cart
// yields an empty snapshot at version 0.
func (s *SQLStore) GetSnapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, error) {
	if err := types.ValidateCartID(cartID); err != nil {
		return types.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	var row cartRow
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT version, expires_at, expired FROM carts WHERE cart_id = ?`), string(cartID),
	).Scan(&row.version, &row.expiresAt, &row.expired)
	if errors.Is(err, sql.ErrNoRows) {
		return emptySnapshot(cartID, s.rules), nil
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("read cart: %w", err)
	}
	if row.isExpired(formatTime(s.now())) {
		return types.Snapshot{}, ErrCartExpired
	}
	return s.readSnapshot(ctx, s.db, cartID)
}

func emptySnapshot(cartID types.CartID, rules cartstate.Rules) types.Snapshot {
	return types.Snapshot{
		CartID:     cartID,
		LineItems:  []types.LineItem{},
		Totals:     cartstate.ComputeTotals(nil, rules),
		Watermarks: map[string]int64{},
	}
}

// readSnapshot assembles a snapshot from the cart, line and watermark rows.
func (s *SQLStore) readSnapshot(ctx context.Context, qr queryer, cartID types.CartID) (types.Snapshot, error) {
	snap := emptySnapshot(cartID, s.rules)

	var updatedAt string
	err := qr.QueryRowContext(ctx,
		s.q(`SELECT version, updated_at FROM carts WHERE cart_id = ?`), string(cartID),
	).Scan(&snap.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("read cart: %w", err)
	}
	snap.UpdatedAt = parseTime(updatedAt, "updated_at")

	rows, err := qr.QueryContext(ctx, s.q(`
		SELECT item_id, kind, size, ticket_type, name, category, quantity, unit_price
		FROM cart_lines WHERE cart_id = ?
	`), string(cartID))
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("read cart lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l types.LineItem
		var kind string
		if err := rows.Scan(&l.ItemID, &kind, &l.Variant.Size, &l.Variant.TicketType,
			&l.Name, &l.Category, &l.Quantity, &l.UnitPrice); err != nil {
			return types.Snapshot{}, fmt.Errorf("scan cart line: %w", err)
		}
		l.Kind = types.ItemKind(kind)
		snap.LineItems = append(snap.LineItems, l)
	}
	if err := rows.Err(); err != nil {
		return types.Snapshot{}, fmt.Errorf("read cart lines: %w", err)
	}
	types.SortLines(snap.LineItems)
	snap.Totals = cartstate.ComputeTotals(snap.LineItems, s.rules)

	wrows, err := qr.QueryContext(ctx,
		s.q(`SELECT client_id, watermark FROM cart_clients WHERE cart_id = ?`), string(cartID))
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("read watermarks: %w", err)
	}
	defer wrows.Close()
	for wrows.Next() {
		var clientID string
		var wm int64
		if err := wrows.Scan(&clientID, &wm); err != nil {
			return types.Snapshot{}, fmt.Errorf("scan watermark: %w", err)
		}
		snap.Watermarks[clientID] = wm
	}
	if err := wrows.Err(); err != nil {
		return types.Snapshot{}, fmt.Errorf("read watermarks: %w", err)
	}

	return snap, nil
}

// ApplyMutation validates m against the authoritative cart and applies it
// atomically. Resubmitting a mutation id returns the first result with the
// current snapshot attached. Accepted mutations bump the cart version by one
// and append a change-log row; the client's watermark advances for accepted
// and rejected mutations alike.
func (s *SQLStore) ApplyMutation(ctx context.Context, m types.Mutation) (ApplyResult, error) {
	if err := checkMutation(m); err != nil {
		return ApplyResult{}, err
	}
	m = m.Normalize()
	now := s.now().UTC()
	nowText := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO carts (cart_id, version, created_at, updated_at, expires_at, expired)
		VALUES (?, 0, ?, ?, ?, 0)
		ON CONFLICT (cart_id) DO NOTHING
	`), string(m.CartID), nowText, nowText, formatTime(s.expiresAt(now))); err != nil {
		return ApplyResult{}, fmt.Errorf("create cart: %w", err)
	}

	cart, err := s.lockCart(ctx, tx, m.CartID)
	if err != nil {
		return ApplyResult{}, err
	}
	if cart.isExpired(nowText) {
		return ApplyResult{}, ErrCartExpired
	}

	out := ApplyResult{}
	cached, found, err := s.cachedResult(ctx, tx, m.MutationID)
	if err != nil {
		return ApplyResult{}, err
	}

	watermark, err := s.watermark(ctx, tx, m.CartID, m.ClientID)
	if err != nil {
		return ApplyResult{}, err
	}

	switch {
	case found:
		out.Result, out.Replayed = cached, true
	case m.Seq <= watermark:
		out.Result = types.SubmitResult{
			MutationID: m.MutationID,
			Version:    cart.version,
			Code:       types.ResultAlreadyResolved,
			Reason:     reasonAlreadyResolved,
		}
		out.Replayed = true
	default:
		out.Result, err = s.evaluate(ctx, tx, m, cart, now)
		if err != nil {
			return ApplyResult{}, err
		}
		if err := s.advanceWatermark(ctx, tx, m.CartID, m.ClientID, m.Seq); err != nil {
			return ApplyResult{}, err
		}
		if err := s.storeResult(ctx, tx, m, out.Result, nowText); err != nil {
			return ApplyResult{}, err
		}
	}

	snap, err := s.readSnapshot(ctx, tx, m.CartID)
	if err != nil {
		return ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	out.Result.Snapshot = &snap
	return out, nil
}

func checkMutation(m types.Mutation) error {
	if err := types.ValidateCartID(m.CartID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	switch {
	case m.MutationID == "":
		return fmt.Errorf("%w: missing mutation id", ErrInvalidMutation)
	case m.ClientID == "":
		return fmt.Errorf("%w: missing client id", ErrInvalidMutation)
	case m.Seq < 1:
		return fmt.Errorf("%w: seq must be positive", ErrInvalidMutation)
	case !m.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	case m.Key.ItemID == "":
		return fmt.Errorf("%w: missing item id", ErrInvalidMutation)
	}
	return nil
}

// lockCart reads the cart row, holding a row lock on PostgreSQL.
func (s *SQLStore) lockCart(ctx context.Context, tx *sql.Tx, cartID types.CartID) (cartRow, error) {
	query := `SELECT version, expires_at, expired FROM carts WHERE cart_id = ?`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	var row cartRow
	if err := tx.QueryRowContext(ctx, s.q(query), string(cartID)).
		Scan(&row.version, &row.expiresAt, &row.expired); err != nil {
		return cartRow{}, fmt.Errorf("lock cart: %w", err)
	}
	return row, nil
}

func (s *SQLStore) cachedResult(ctx context.Context, tx *sql.Tx, mutationID string) (types.SubmitResult, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT result FROM applied_mutations WHERE mutation_id = ?`), mutationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SubmitResult{}, false, nil
	}
	if err != nil {
		return types.SubmitResult{}, false, fmt.Errorf("read applied mutation: %w", err)
	}
	var res types.SubmitResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return types.SubmitResult{}, false, fmt.Errorf("decode applied mutation: %w", err)
	}
	return res, true, nil
}

func (s *SQLStore) storeResult(ctx context.Context, tx *sql.Tx, m types.Mutation, res types.SubmitResult, now string) error {
	res.Snapshot = nil
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO applied_mutations (mutation_id, cart_id, result, created_at)
		VALUES (?, ?, ?, ?)
	`), m.MutationID, string(m.CartID), string(raw), now); err != nil {
		return fmt.Errorf("record applied mutation: %w", err)
	}
	return nil
}

func (s *SQLStore) watermark(ctx context.Context, tx *sql.Tx, cartID types.CartID, clientID string) (int64, error) {
	var wm int64
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT watermark FROM cart_clients WHERE cart_id = ? AND client_id = ?`),
		string(cartID), clientID,
	).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

func (s *SQLStore) advanceWatermark(ctx context.Context, tx *sql.Tx, cartID types.CartID, clientID string, seq int64) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO cart_clients (cart_id, client_id, watermark)
		VALUES (?, ?, ?)
		ON CONFLICT (cart_id, client_id) DO UPDATE SET watermark = excluded.watermark
		WHERE cart_clients.watermark < excluded.watermark
	`), string(cartID), clientID, seq); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// evaluate decides a fresh mutation and, when accepted, writes the line
// change, the version bump and the change-log row.
func (s *SQLStore) evaluate(ctx context.Context, tx *sql.Tx, m types.Mutation, cart cartRow, now time.Time) (types.SubmitResult, error) {
	res := types.SubmitResult{MutationID: m.MutationID, Version: cart.version}
	itemKey := m.Key.String()

	current, exists, err := s.lineQuantity(ctx, tx, m.CartID, itemKey)
	if err != nil {
		return types.SubmitResult{}, err
	}

	var next int
	switch m.Kind {
	case types.MutationRemove:
		if !exists {
			res.Code, res.Reason = types.RejectNotInCart, "item is not in the cart"
			return res, nil
		}
	case types.MutationSetQuantity:
		if m.Quantity > s.rules.MaxQuantityPerLine {
			res.Code = types.RejectQuantityCap
			res.Reason = fmt.Sprintf("quantity %d exceeds the limit of %d per item", m.Quantity, s.rules.MaxQuantityPerLine)
			return res, nil
		}
		next = m.Quantity
	case types.MutationAdd:
		next = min(current+m.Quantity, s.rules.MaxQuantityPerLine)
		if next < current {
			next = current
		}
	}

	if m.Kind != types.MutationRemove {
		if !exists && !m.Item.Kind.Valid() {
			return types.SubmitResult{}, fmt.Errorf("%w: item descriptor required to add %s", ErrInvalidMutation, itemKey)
		}
		available, tracked, err := s.available(ctx, tx, itemKey)
		if err != nil {
			return types.SubmitResult{}, err
		}
		if tracked && next > available {
			res.Code = types.RejectInsufficientStock
			res.Reason = fmt.Sprintf("only %d available", available)
			return res, nil
		}
	}

	cartID := string(m.CartID)
	if m.Kind == types.MutationRemove {
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM cart_lines WHERE cart_id = ? AND item_key = ?`), cartID, itemKey); err != nil {
			return types.SubmitResult{}, fmt.Errorf("delete cart line: %w", err)
		}
	} else {
		line := m.LineFor(next)
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO cart_lines (cart_id, item_key, item_id, kind, size, ticket_type, name, category, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (cart_id, item_key) DO UPDATE SET quantity = excluded.quantity
		`), cartID, itemKey, line.ItemID, string(line.Kind), line.Variant.Size, line.Variant.TicketType,
			line.Name, line.Category, line.Quantity, int64(line.UnitPrice)); err != nil {
			return types.SubmitResult{}, fmt.Errorf("upsert cart line: %w", err)
		}
	}

	version := cart.version + 1
	nowText := formatTime(now)
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE carts SET version = ?, updated_at = ?, expires_at = ? WHERE cart_id = ?
	`), version, nowText, formatTime(s.expiresAt(now)), cartID); err != nil {
		return types.SubmitResult{}, fmt.Errorf("bump cart version: %w", err)
	}

	// quantity records the line's resulting quantity, 0 after a remove.
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO cart_events (cart_id, version, mutation_id, client_id, kind, item_key, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), cartID, version, m.MutationID, m.ClientID, string(m.Kind), itemKey, next, nowText); err != nil {
		return types.SubmitResult{}, fmt.Errorf("append cart event: %w", err)
	}

	res.Accepted = true
	res.Version = version
	return res, nil
}

func (s *SQLStore) lineQuantity(ctx context.Context, tx *sql.Tx, cartID types.CartID, itemKey string) (int, bool, error) {
	var qty int
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT quantity FROM cart_lines WHERE cart_id = ? AND item_key = ?`), string(cartID), itemKey,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cart line: %w", err)
	}
	return qty, true, nil
}

func (s *SQLStore) available(ctx context.Context, tx *sql.Tx, itemKey string) (int, bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT available FROM inventory WHERE item_key = ?`), itemKey,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read inventory: %w", err)
	}
	return n, true, nil
}

// SetInventory records how many units of an item variant are available.
// Items without an inventory row are not stock-limited.
func (s *SQLStore) SetInventory(ctx context.Context, key types.ItemKey, available int) error {
	if key.ItemID == "" {
		return fmt.Errorf("%w: missing item id", ErrInvalidMutation)
	}
	if available < 0 {
		return fmt.Errorf("%w: negative availability %d", ErrInvalidMutation, available)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inventory (item_key, available, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (item_key) DO UPDATE SET available = excluded.available, updated_at = excluded.updated_at
	`), key.String(), available, formatTime(s.now())); err != nil {
		return fmt.Errorf("set inventory: %w", err)
	}
	return nil
}
