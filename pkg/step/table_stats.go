package step

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/resource"
)

// TypeTableStats collects row and size statistics of a table.
const TypeTableStats = "TableStats"

const defaultStatsRetries = 3

var qualifiedName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TableStatsConfig is the persisted configuration of a TableStats step.
type TableStatsConfig struct {
	Database       string  `json:"database"`
	Table          string  `json:"table"`
	EstimatedUnits float64 `json:"estimated_units"`
	Retries        int     `json:"retries,omitempty"`
}

// TableStatistics is written to the step's output location.
type TableStatistics struct {
	Table      string    `json:"table"`
	Rows       int64     `json:"rows"`
	Bytes      int64     `json:"bytes"`
	MeasuredAt time.Time `json:"measured_at"`
}

// TableStats is a synchronous step that measures a table and stores the
// result as a JSON output. The output write is retried with a growing pause.
type TableStats struct {
	*Base
	db      *DB
	objects objectstore.Store
	cfg     TableStatsConfig
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

var _ Step = (*TableStats)(nil)

func newTableStats(rec *Record, deps Deps) (Step, error) {
	var cfg TableStatsConfig
	if len(rec.Config) > 0 {
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", TypeTableStats, err)
		}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultStatsRetries
	}
	base := NewBase(rec, Sync, deps.Ledger, deps.Logger)
	s := &TableStats{Base: base, objects: deps.Objects, cfg: cfg, sleep: sleepContext, now: time.Now}
	if backend, ok := deps.lookup(cfg.Database); ok {
		s.db = NewDB(base, backend, deps.dbOptions()...)
	}
	return s, nil
}

func (s *TableStats) Loads(ctx context.Context) ([]resource.Load, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database %q is not registered", s.cfg.Database)
	}
	return []resource.Load{{ResourceID: s.db.Backend().ID(), EstimatedUnits: s.cfg.EstimatedUnits}}, nil
}

func (s *TableStats) Validate(ctx context.Context) error {
	switch {
	case s.db == nil:
		return &ValidationError{StepID: s.ID(), Reason: fmt.Sprintf("unknown database %q", s.cfg.Database)}
	case s.objects == nil:
		return &ValidationError{StepID: s.ID(), Reason: "no object store configured for outputs"}
	case !qualifiedName.MatchString(s.cfg.Table):
		return &ValidationError{StepID: s.ID(), Reason: fmt.Sprintf("invalid table name %q", s.cfg.Table)}
	}
	return nil
}

func (s *TableStats) Execute(ctx context.Context) error {
	ident := pgx.Identifier(strings.Split(s.cfg.Table, ".")).Sanitize()
	row, err := s.db.ReadSync(ctx, s.Unclaimed(s.db.Backend().ID(), s.cfg.EstimatedUnits),
		fmt.Sprintf("SELECT count(*)::bigint, pg_total_relation_size('%s'::regclass)::bigint FROM %s",
			strings.ReplaceAll(ident, "'", "''"), ident))
	if err != nil {
		return err
	}
	if len(row) != 2 {
		return fmt.Errorf("unexpected statistics row width %d", len(row))
	}
	stats := TableStatistics{Table: s.cfg.Table, MeasuredAt: s.now().UTC()}
	if stats.Rows, err = asInt64(row[0]); err != nil {
		return err
	}
	if stats.Bytes, err = asInt64(row[1]); err != nil {
		return err
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	key := objectstore.OutputPrefix(s.JobID(), s.ID()) + "statistics.json"

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		lastErr = objectstore.PutBytes(ctx, s.objects, key, payload, objectstore.PutOptions{ContentType: "application/json"})
		if lastErr == nil {
			s.SetOutputKey(key)
			return nil
		}
		s.Logger().Warn("write statistics failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt < s.cfg.Retries {
			if err := s.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("write statistics after %d attempts: %w", s.cfg.Retries, lastErr)
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected numeric value %T", v)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
