// Package pgbackend runs step statements and file imports against
// PostgreSQL through pgx, and relays database-side completion callbacks.
package pgbackend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/resource"
	"github.com/3leaps/geoxfer/pkg/step"
)

// DefaultAsyncTimeout is the statement_timeout of dispatched statements.
const DefaultAsyncTimeout = 12 * time.Hour

// Config describes one database resource.
type Config struct {
	// ID is the resource id steps and import jobs refer to.
	ID  string
	DSN string

	// Capacity is the number of virtual units the database offers.
	Capacity float64

	AsyncTimeout time.Duration
	MaxConns     int32

	// DrainTimeout is how long Close waits for dispatched statements.
	DrainTimeout time.Duration
}

// Database is a pooled PostgreSQL connection accounted as a resource.
type Database struct {
	id           string
	capacity     float64
	asyncTimeout time.Duration
	drainTimeout time.Duration
	pool         *pgxpool.Pool
	logger       *zap.Logger

	// mu orders closing against inflight.Add.
	mu       sync.Mutex
	closing  chan struct{}
	inflight sync.WaitGroup
	running  atomic.Int64
	closed   sync.Once
}

var (
	_ step.Backend      = (*Database)(nil)
	_ resource.Resource = (*Database)(nil)
)

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Database) {
		if l != nil {
			d.logger = l
		}
	}
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Database, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("database id is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn of %s: %w", cfg.ID, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "geoxfer"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool for %s: %w", cfg.ID, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapError("ping "+cfg.ID, err)
	}
	return newDatabase(cfg, pool, opts...), nil
}

func newDatabase(cfg Config, pool *pgxpool.Pool, opts ...Option) *Database {
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = DefaultAsyncTimeout
	}
	d := &Database{
		id:           cfg.ID,
		capacity:     cfg.Capacity,
		asyncTimeout: cfg.AsyncTimeout,
		drainTimeout: cfg.DrainTimeout,
		pool:         pool,
		logger:       zap.NewNop(),
		closing:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("resource", d.id))
	return d
}

func (d *Database) ID() string        { return d.id }
func (d *Database) Capacity() float64 { return d.capacity }

// Pool exposes the underlying pool.
func (d *Database) Pool() *pgxpool.Pool { return d.pool }

// Close stops accepting dispatches and waits up to the drain timeout for
// dispatched statements. Statements still running after that are left to
// the database: they are not cancelled, and their connections are
// abandoned with the process instead of being closed.
func (d *Database) Close() {
	d.closed.Do(func() {
		d.mu.Lock()
		close(d.closing)
		d.mu.Unlock()
		if !d.drain() {
			d.logger.Warn("leaving dispatched statements running",
				zap.Int64("statements", d.running.Load()),
				zap.Duration("drain_timeout", d.drainTimeout))
			return
		}
		if d.pool != nil {
			d.pool.Close()
		}
	})
}

// drain reports whether all dispatched statements finished in time.
func (d *Database) drain() bool {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	t := time.NewTimer(d.drainTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (d *Database) isClosing() bool {
	select {
	case <-d.closing:
		return true
	default:
		return false
	}
}

// Exec runs a labelled statement and returns the affected row count.
func (d *Database) Exec(ctx context.Context, l step.Labels, sql string, args ...any) (int64, error) {
	tag, err := d.pool.Exec(ctx, label(l, sql), args...)
	if err != nil {
		return 0, wrapError("exec", err)
	}
	return tag.RowsAffected(), nil
}

// QueryRow returns the values of the first row of a labelled query.
func (d *Database) QueryRow(ctx context.Context, l step.Labels, sql string, args ...any) ([]any, error) {
	rows, err := d.pool.Query(ctx, label(l, sql), args...)
	if err != nil {
		return nil, wrapError("query", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrapError("query", err)
		}
		return nil, pgx.ErrNoRows
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, wrapError("read row", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapError("query", err)
	}
	return vals, nil
}

// Dispatch acquires a connection within ctx and runs the statement on it in
// the background under the async statement timeout. The statement does not
// depend on ctx or on the process shutting down. Failures after the
// hand-off are only logged: wrapped statements report them through their
// own callback, others are found by execution-state inspection.
func (d *Database) Dispatch(ctx context.Context, l step.Labels, sql string) error {
	if d.isClosing() {
		return fmt.Errorf("database %s is closed", d.id)
	}
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return wrapError("acquire connection", err)
	}
	timeout := fmt.Sprintf("SET statement_timeout = %d", d.asyncTimeout.Milliseconds())
	if _, err := conn.Exec(ctx, timeout); err != nil {
		conn.Release()
		return wrapError("set statement timeout", err)
	}

	stmt := label(l, sql)
	log := d.logger.With(
		zap.String("job_id", l.JobID),
		zap.String("step_id", l.StepID),
		zap.String("operation_id", l.OperationID))

	d.mu.Lock()
	if d.isClosing() {
		d.mu.Unlock()
		conn.Release()
		return fmt.Errorf("database %s is closed", d.id)
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	d.running.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.running.Add(-1)
		defer conn.Release()
		start := time.Now()
		_, err := conn.Exec(context.WithoutCancel(ctx), stmt)
		// The session keeps the timeout otherwise.
		_, _ = conn.Exec(context.Background(), "RESET statement_timeout")
		if err != nil {
			log.Warn("async statement failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return
		}
		log.Debug("async statement finished", zap.Duration("elapsed", time.Since(start)))
	}()
	return nil
}

// IsRunning reports whether a statement of the operation is active.
func (d *Database) IsRunning(ctx context.Context, operationID string) (bool, error) {
	var running bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_stat_activity
			WHERE pid <> pg_backend_pid()
			  AND state <> 'idle'
			  AND query LIKE $1
		)`, activityPattern(operationID)).Scan(&running)
	if err != nil {
		return false, wrapError("inspect operation", err)
	}
	return running, nil
}

// CancelOperation cancels every backend running the operation. An
// operation that is no longer running needs no cancel and succeeds.
func (d *Database) CancelOperation(ctx context.Context, operationID string) error {
	rows, err := d.pool.Query(ctx, `
		SELECT pid, pg_cancel_backend(pid)
		FROM pg_stat_activity
		WHERE pid <> pg_backend_pid()
		  AND state <> 'idle'
		  AND query LIKE $1`, activityPattern(operationID))
	if err != nil {
		return wrapError("cancel operation", err)
	}
	defer rows.Close()

	var failed []int32
	for rows.Next() {
		var (
			pid int32
			ok  bool
		)
		if err := rows.Scan(&pid, &ok); err != nil {
			return wrapError("cancel operation", err)
		}
		if !ok {
			failed = append(failed, pid)
		}
	}
	if err := rows.Err(); err != nil {
		return wrapError("cancel operation", err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("pg_cancel_backend refused for pids %v", failed)
	}
	return nil
}

// TableExists reports whether schema.table exists.
func (d *Database) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgx.Identifier{schema, table}.Sanitize()).Scan(&exists)
	if err != nil {
		return false, wrapError("check table", err)
	}
	return exists, nil
}

var indexMethod = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CreateIndex builds idx on schema.table if it does not exist yet.
func (d *Database) CreateIndex(ctx context.Context, schema, table string, idx job.Index) error {
	if strings.TrimSpace(idx.Name) == "" || len(idx.Columns) == 0 {
		return fmt.Errorf("index needs a name and at least one column")
	}
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = pgx.Identifier{c}.Sanitize()
	}
	using := ""
	if idx.Using != "" {
		m := strings.ToLower(idx.Using)
		if !indexMethod.MatchString(m) {
			return fmt.Errorf("invalid index method %q", idx.Using)
		}
		using = " USING " + m
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s%s (%s)",
		pgx.Identifier{idx.Name}.Sanitize(),
		pgx.Identifier{schema, table}.Sanitize(),
		using,
		strings.Join(cols, ", "))
	if _, err := d.pool.Exec(ctx, stmt); err != nil {
		return wrapError("create index "+idx.Name, err)
	}
	return nil
}

// Set is the collection of configured databases.
type Set map[string]*Database

// Lookup resolves a step backend by id.
func (s Set) Lookup(id string) (step.Backend, bool) {
	d, ok := s[id]
	if !ok {
		return nil, false
	}
	return d, true
}

// Resources lists the databases as ledger resources.
func (s Set) Resources() []resource.Resource {
	out := make([]resource.Resource, 0, len(s))
	for _, d := range s {
		out = append(out, d)
	}
	return out
}

// TableExists checks a table on the named database.
func (s Set) TableExists(ctx context.Context, database, schema, table string) (bool, error) {
	d, ok := s[database]
	if !ok {
		return false, fmt.Errorf("%w: %q", errNoDatabase, database)
	}
	return d.TableExists(ctx, schema, table)
}

// CreateIndex builds an index on the named database.
func (s Set) CreateIndex(ctx context.Context, database, schema, table string, idx job.Index) error {
	d, ok := s[database]
	if !ok {
		return fmt.Errorf("%w: %q", errNoDatabase, database)
	}
	return d.CreateIndex(ctx, schema, table, idx)
}

// Close closes every database.
func (s Set) Close() {
	for _, d := range s {
		d.Close()
	}
}

var errNoDatabase = errors.New("no database configured")
