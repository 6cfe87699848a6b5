package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/secureflow/secureflow-ids/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS ids_blocklist (
	address      TEXT PRIMARY KEY,
	reason       TEXT NOT NULL DEFAULT '',
	severity     TEXT NOT NULL DEFAULT 'high',
	auto_blocked BOOLEAN NOT NULL DEFAULT FALSE,
	blocked_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	version      BIGINT NOT NULL,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS ids_settings (
	id          SMALLINT PRIMARY KEY CHECK (id = 1),
	sensitivity DOUBLE PRECISION NOT NULL,
	auto_block  BOOLEAN NOT NULL,
	allowed_ips TEXT[] NOT NULL DEFAULT '{}',
	version     BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`

// ErrStaleVersion is returned when a write was skipped because the database
// already holds a newer version
var ErrStaleVersion = errors.New("stale version")

// PostgresStore persists the block list and the operator settings.
//
// Every write carries a version and only replaces a row holding a lower one,
// so writes that reach the database out of order cannot roll state back.
// Unblocks leave a tombstone row for the same reason.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens the database and creates the tables if needed
func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 10
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveBlock upserts a block entry unless a newer version is already stored
func (s *PostgresStore) SaveBlock(ctx context.Context, entry model.BlockEntry) error {
	query := `
		INSERT INTO ids_blocklist (address, reason, severity, auto_blocked, blocked_at, updated_at, version, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (address) DO UPDATE SET
			reason = EXCLUDED.reason,
			severity = EXCLUDED.severity,
			auto_blocked = EXCLUDED.auto_blocked,
			blocked_at = CASE WHEN ids_blocklist.deleted THEN EXCLUDED.blocked_at ELSE ids_blocklist.blocked_at END,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version,
			deleted = FALSE
		WHERE ids_blocklist.version < EXCLUDED.version
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Address, entry.Reason, string(entry.Severity), entry.AutoBlocked,
		entry.BlockedAt, entry.Timestamp, entry.Version)
	if err != nil {
		return fmt.Errorf("failed to save block %s: %w", entry.Address, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		s.logger.Debug("Skipped stale block write", "address", entry.Address, "version", entry.Version)
	}
	return nil
}

// DeleteBlock marks the entry for address as removed unless a newer version is already stored
func (s *PostgresStore) DeleteBlock(ctx context.Context, address string, version int64) error {
	query := `
		INSERT INTO ids_blocklist (address, version, deleted, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (address) DO UPDATE SET
			version = EXCLUDED.version,
			deleted = TRUE,
			updated_at = NOW()
		WHERE ids_blocklist.version < EXCLUDED.version
	`

	if _, err := s.db.ExecContext(ctx, query, address, version); err != nil {
		return fmt.Errorf("failed to delete block %s: %w", address, err)
	}
	return nil
}

// LoadBlocks returns all live block entries
func (s *PostgresStore) LoadBlocks(ctx context.Context) ([]model.BlockEntry, error) {
	query := `
		SELECT address, reason, severity, auto_blocked, blocked_at, updated_at, version
		FROM ids_blocklist
		WHERE NOT deleted
		ORDER BY blocked_at, address
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query block list: %w", err)
	}
	defer rows.Close()

	var entries []model.BlockEntry
	for rows.Next() {
		var entry model.BlockEntry
		var severity string
		if err := rows.Scan(&entry.Address, &entry.Reason, &severity, &entry.AutoBlocked,
			&entry.BlockedAt, &entry.Timestamp, &entry.Version); err != nil {
			return nil, fmt.Errorf("failed to scan block entry: %w", err)
		}
		entry.Severity = model.Severity(severity)
		entry.BlockedAt = entry.BlockedAt.UTC()
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

// SaveSettings stores the settings. It returns ErrStaleVersion when the stored
// row already has the same or a newer version.
func (s *PostgresStore) SaveSettings(ctx context.Context, settings model.Settings) error {
	query := `
		INSERT INTO ids_settings (id, sensitivity, auto_block, allowed_ips, version, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			sensitivity = EXCLUDED.sensitivity,
			auto_block = EXCLUDED.auto_block,
			allowed_ips = EXCLUDED.allowed_ips,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE ids_settings.version < EXCLUDED.version
	`

	allowed := settings.AllowedIPs
	if allowed == nil {
		allowed = []string{}
	}

	res, err := s.db.ExecContext(ctx, query,
		settings.Sensitivity, settings.AutoBlock, pq.Array(allowed), settings.Version, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("settings version %d not saved: %w", settings.Version, ErrStaleVersion)
	}
	return nil
}

// LoadSettings returns the stored settings, or nil when none were saved
func (s *PostgresStore) LoadSettings(ctx context.Context) (*model.Settings, error) {
	query := `
		SELECT sensitivity, auto_block, allowed_ips, version, updated_at
		FROM ids_settings
		WHERE id = 1
	`

	var settings model.Settings
	var allowed pq.StringArray
	err := s.db.QueryRowContext(ctx, query).Scan(
		&settings.Sensitivity, &settings.AutoBlock, &allowed, &settings.Version, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	settings.AllowedIPs = []string(allowed)
	settings.UpdatedAt = settings.UpdatedAt.UTC()
	return &settings, nil
}
