package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLite implements KV on a single SQLite database. All conditional
// operations are single statements, so they are atomic under SQLite's
// writer lock and remain correct when several worker processes share the
// same database file.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
`

// OpenSQLite opens (creating if needed) the keyed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Keyed store opened")

	return &SQLite{db: db}, nil
}

// Get returns the value for key, treating expired rows as absent.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UnixMilli(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

// Set unconditionally upserts key.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expires := nullableMillis(expiryMillis(time.Now(), ttl))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// SetNX sets key only if it is absent or expired. The conflict clause only
// fires when the existing row has lapsed, which is what makes acquire
// atomic across processes.
func (s *SQLite) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := nullableMillis(expiryMillis(now, ttl))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?`,
		key, value, expires, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for key %s: %w", key, err)
	}
	return n > 0, nil
}

// CompareAndDelete deletes key only when its stored value matches expect.
func (s *SQLite) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND value = ?`,
		key, expect,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for key %s: %w", key, err)
	}
	return n > 0, nil
}

// CompareAndExpire extends the TTL of key only when its stored, unexpired
// value matches expect.
func (s *SQLite) CompareAndExpire(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET expires_at = ?
		 WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		nullableMillis(expiryMillis(now, ttl)), key, expect, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for key %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes key unconditionally.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// SweepExpired physically removes expired rows.
func (s *SQLite) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read swept row count: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// nullableMillis maps the zero deadline to SQL NULL.
func nullableMillis(ms int64) interface{} {
	if ms == 0 {
		return nil
	}
	return ms
}
