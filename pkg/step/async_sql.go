package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/geoxfer/pkg/resource"
)

// TypeAsyncSQL runs one statement asynchronously with callbacks.
const TypeAsyncSQL = "AsyncSQL"

// AsyncSQLConfig is the persisted configuration of an AsyncSQL step.
type AsyncSQLConfig struct {
	Database       string  `json:"database"`
	Statement      string  `json:"statement"`
	EstimatedUnits float64 `json:"estimated_units"`
	OutputKey      string  `json:"output_key,omitempty"`
}

// AsyncSQL dispatches a statement and returns; the database reports the
// outcome through the callback channel.
type AsyncSQL struct {
	*Base
	db  *DB
	cfg AsyncSQLConfig
}

var _ Step = (*AsyncSQL)(nil)

func newAsyncSQL(rec *Record, deps Deps) (Step, error) {
	var cfg AsyncSQLConfig
	if len(rec.Config) > 0 {
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", TypeAsyncSQL, err)
		}
	}
	base := NewBase(rec, Async, deps.Ledger, deps.Logger)
	s := &AsyncSQL{Base: base, cfg: cfg}
	if backend, ok := deps.lookup(cfg.Database); ok {
		s.db = NewDB(base, backend, deps.dbOptions()...)
	}
	return s, nil
}

func (s *AsyncSQL) Loads(ctx context.Context) ([]resource.Load, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database %q is not registered", s.cfg.Database)
	}
	return []resource.Load{{ResourceID: s.db.Backend().ID(), EstimatedUnits: s.cfg.EstimatedUnits}}, nil
}

func (s *AsyncSQL) Validate(ctx context.Context) error {
	switch {
	case s.db == nil:
		return &ValidationError{StepID: s.ID(), Reason: fmt.Sprintf("unknown database %q", s.cfg.Database)}
	case strings.TrimSpace(s.cfg.Statement) == "":
		return &ValidationError{StepID: s.ID(), Reason: "statement is required"}
	case strings.Contains(s.cfg.Statement, "$geoxfer_step$"):
		return &ValidationError{StepID: s.ID(), Reason: "statement uses a reserved quote tag"}
	case s.cfg.EstimatedUnits < 0:
		return &ValidationError{StepID: s.ID(), Reason: "estimated units must not be negative"}
	}
	return nil
}

func (s *AsyncSQL) Execute(ctx context.Context) error {
	_, err := s.db.RunAsync(ctx, s.Unclaimed(s.db.Backend().ID(), s.cfg.EstimatedUnits), s.cfg.Statement, true, s.cfg.OutputKey)
	return err
}

// Resume re-dispatches the statement when none of its operations is still
// alive. The claim granted on the first run is not requested again.
func (s *AsyncSQL) Resume(ctx context.Context) error {
	state, err := s.db.ExecutionState(ctx)
	if err != nil {
		return err
	}
	if state == StateRunning {
		return nil
	}
	for _, op := range s.Operations() {
		s.Untrack(op.ID)
	}
	_, err = s.db.RunAsync(ctx, s.Unclaimed(s.db.Backend().ID(), s.cfg.EstimatedUnits), s.cfg.Statement, true, s.cfg.OutputKey)
	return err
}

func (s *AsyncSQL) Cancel(ctx context.Context) error {
	return s.db.Cancel(ctx)
}

func (s *AsyncSQL) ExecutionState(ctx context.Context) (ExecutionState, error) {
	return s.db.ExecutionState(ctx)
}
