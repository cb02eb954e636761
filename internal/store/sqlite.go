package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/familytree/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveFeed replaces the cached feed of userID in one transaction.
func (s *SQLiteStore) SaveFeed(ctx context.Context, userID string, items []model.Notification) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM feed_entries WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing feed for %s: %w", userID, err)
	}

	const query = `
		INSERT OR REPLACE INTO feed_entries (
			user_id, id, position,
			kind, title, message, read,
			created_at, payload
		) VALUES (
			?, ?, ?,
			?, ?, ?, ?,
			?, ?
		)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, n := range items {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			return fmt.Errorf("marshaling payload for notification %s: %w", n.ID, err)
		}

		_, err = stmt.ExecContext(ctx,
			userID, n.ID, i,
			string(n.Kind), n.Title, n.Message, boolToInt(n.Read),
			n.CreatedAt.UTC(), string(payload),
		)
		if err != nil {
			return fmt.Errorf("inserting notification %s: %w", n.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feed_sync (user_id, synced_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET synced_at = excluded.synced_at`,
		userID, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording sync time for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing feed for %s: %w", userID, err)
	}
	return nil
}

// LoadFeed returns the cached feed of userID ordered by position.
func (s *SQLiteStore) LoadFeed(ctx context.Context, userID string) ([]model.Notification, error) {
	const query = `
		SELECT id, kind, title, message, read, created_at, payload
		FROM feed_entries
		WHERE user_id = ?
		ORDER BY position ASC`

	rows, err := s.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying feed for %s: %w", userID, err)
	}
	defer rows.Close()

	items := []model.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feed rows: %w", err)
	}

	return items, nil
}

// ClearFeed removes the cached feed and sync time of userID.
func (s *SQLiteStore) ClearFeed(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM feed_entries WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing feed for %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM feed_sync WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing sync time for %s: %w", userID, err)
	}

	return tx.Commit()
}

// LastSynced returns the time the feed of userID was last saved.
func (s *SQLiteStore) LastSynced(ctx context.Context, userID string) (time.Time, error) {
	var syncedAt time.Time
	err := s.db.GetContext(ctx, &syncedAt, "SELECT synced_at FROM feed_sync WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync time for %s: %w", userID, err)
	}
	return syncedAt, nil
}

// scanNotification scans a feed row from a sqlx.Rows result set.
func scanNotification(rows *sqlx.Rows) (model.Notification, error) {
	var (
		n         model.Notification
		kind      string
		readInt   int
		createdAt time.Time
		payload   string
	)

	err := rows.Scan(
		&n.ID, &kind, &n.Title, &n.Message,
		&readInt, &createdAt, &payload,
	)
	if err != nil {
		return model.Notification{}, fmt.Errorf("scanning notification row: %w", err)
	}

	n.Kind = model.ParseNotificationKind(kind)
	n.Read = readInt != 0
	n.CreatedAt = createdAt

	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return model.Notification{}, fmt.Errorf("unmarshaling payload of %s: %w", n.ID, err)
		}
	}

	return n, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
