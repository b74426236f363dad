package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Shared is a cache tier stored in a SQL table, so every process using the
// same database sees the same entries. It works on the job store database.
type Shared struct {
	db  *sql.DB
	now func() time.Time
}

var _ Cache = (*Shared)(nil)

// NewShared creates the cache table if needed.
func NewShared(ctx context.Context, db *sql.DB) (*Shared, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			-- unix nanoseconds; 0 never expires
			expires_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create cache schema: %w", err)
		}
	}
	return &Shared{db: db, now: time.Now}, nil
}

func (s *Shared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		exp   int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if exp != 0 && s.now().UnixNano() >= exp {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, key, exp)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Shared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if e := expiry(s.now(), ttl); !e.IsZero() {
		exp = e.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, exp)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *Shared) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache remove %s: %w", key, err)
	}
	return nil
}

// Purge deletes expired rows.
func (s *Shared) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}
