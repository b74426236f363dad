package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/geoxfer/pkg/job"
)

// SQLBackend stores jobs in a SQLite/libsql database.
type SQLBackend struct {
	db    *sql.DB
	owned bool
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend wraps an open, migrated database. Close does not close db.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// OpenSQLBackend opens and migrates a database owned by the backend.
func OpenSQLBackend(ctx context.Context, cfg SQLConfig) (*SQLBackend, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLBackend{db: db, owned: true}, nil
}

// DB exposes the handle for components sharing the database.
func (s *SQLBackend) DB() *sql.DB { return s.db }

func descriptorKey(d *job.Descriptor) sql.NullString {
	if d == nil || d.Key == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Key, Valid: true}
}

// Put upserts the job.
func (s *SQLBackend) Put(ctx context.Context, j *job.Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	body, err := Encode(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, source_key, target_key, exp, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type,
			status=excluded.status,
			source_key=excluded.source_key,
			target_key=excluded.target_key,
			exp=excluded.exp,
			updated_at=excluded.updated_at,
			body=excluded.body`,
		j.ID, string(j.Type), string(j.Status),
		descriptorKey(j.Source), descriptorKey(j.Target),
		j.Exp, j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return nil
}

// Get reads one job.
func (s *SQLBackend) Get(ctx context.Context, id string) (*job.Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return Decode([]byte(body))
}

// List returns matching jobs, newest first.
func (s *SQLBackend) List(ctx context.Context, f Filter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Key != "" {
		switch f.Direction {
		case DirectionSource:
			where = append(where, "source_key = ?")
			args = append(args, f.Key)
		case DirectionTarget:
			where = append(where, "target_key = ?")
			args = append(args, f.Key)
		default:
			where = append(where, "(source_key = ? OR target_key = ?)")
			args = append(args, f.Key, f.Key)
		}
	}

	query := `SELECT body FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j, err := Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// Delete removes the job.
func (s *SQLBackend) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close closes the database when the backend opened it.
func (s *SQLBackend) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
