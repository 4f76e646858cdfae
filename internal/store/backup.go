package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperengineering/cartsync/internal/types"
)

const lastBackupKey = "last_backup"

// Backup writes a consistent copy of the SQLite database to destPath.
// The copy is written to a temporary file and renamed into place.
// PostgreSQL deployments return ErrBackupUnsupported and rely on the
// database's own tooling.
func (s *SQLStore) Backup(ctx context.Context, destPath string) error {
	if s.dialect != DialectSQLite {
		return ErrBackupUnsupported
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	tmpPath := destPath + ".tmp"
	os.Remove(tmpPath)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename backup: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO store_metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`), lastBackupKey, formatTime(s.now())); err != nil {
		return fmt.Errorf("record backup time: %w", err)
	}
	return nil
}

// GetStats returns aggregate store statistics.
func (s *SQLStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM carts WHERE expired = 0),
			(SELECT COUNT(*) FROM carts WHERE expired = 1),
			(SELECT COUNT(*) FROM cart_events)
	`).Scan(&stats.CartCount, &stats.ExpiredCount, &stats.EventCount)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	var lastBackup string
	err = s.db.QueryRowContext(ctx,
		s.q(`SELECT value FROM store_metadata WHERE key = ?`), lastBackupKey,
	).Scan(&lastBackup)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read last backup: %w", err)
	default:
		t := parseTime(lastBackup, lastBackupKey)
		stats.LastBackup = &t
	}
	return &stats, nil
}
