package step

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/callback"
)

// DefaultSyncTimeout bounds synchronous statements that carry no timeout.
const DefaultSyncTimeout = 300 * time.Second

// DefaultDispatchTimeout bounds the hand-off of an asynchronous statement.
const DefaultDispatchTimeout = 10 * time.Second

// Labels identify the job and step a statement runs for. Backends attach
// them to the statement so running operations can be found and cancelled.
type Labels struct {
	JobID       string
	StepID      string
	OperationID string
}

// Backend is a relational database that steps run statements against.
type Backend interface {
	// ID is the resource id the backend is accounted under.
	ID() string

	Exec(ctx context.Context, labels Labels, sql string, args ...any) (int64, error)
	QueryRow(ctx context.Context, labels Labels, sql string, args ...any) ([]any, error)

	// Dispatch starts a statement in the background and returns once it
	// has been handed to the database.
	Dispatch(ctx context.Context, labels Labels, sql string) error
	IsRunning(ctx context.Context, operationID string) (bool, error)
	CancelOperation(ctx context.Context, operationID string) error
}

// BackendLookup resolves a backend by resource id.
type BackendLookup func(id string) (Backend, bool)

// DB runs statements on behalf of one step, claiming resources before each
// statement and tracking asynchronous operations.
type DB struct {
	base            *Base
	backend         Backend
	channel         string
	syncTimeout     time.Duration
	dispatchTimeout time.Duration
	newID           func() string
	now             func() time.Time
}

// DBOption configures a DB.
type DBOption func(*DB)

// WithCallbackChannel sets the notification channel used for callbacks.
func WithCallbackChannel(channel string) DBOption {
	return func(d *DB) { d.channel = channel }
}

// WithSyncTimeout overrides DefaultSyncTimeout.
func WithSyncTimeout(timeout time.Duration) DBOption {
	return func(d *DB) {
		if timeout > 0 {
			d.syncTimeout = timeout
		}
	}
}

// WithDispatchTimeout overrides DefaultDispatchTimeout.
func WithDispatchTimeout(timeout time.Duration) DBOption {
	return func(d *DB) {
		if timeout > 0 {
			d.dispatchTimeout = timeout
		}
	}
}

// NewDB binds a backend to a step.
func NewDB(base *Base, backend Backend, opts ...DBOption) *DB {
	d := &DB{
		base:            base,
		backend:         backend,
		syncTimeout:     DefaultSyncTimeout,
		dispatchTimeout: DefaultDispatchTimeout,
		newID:           uuid.NewString,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Backend returns the bound backend.
func (d *DB) Backend() Backend { return d.backend }

func (d *DB) labels(opID string) Labels {
	return Labels{JobID: d.base.JobID(), StepID: d.base.ID(), OperationID: opID}
}

// WriteSync claims units and runs a statement to completion.
func (d *DB) WriteSync(ctx context.Context, units float64, sql string, args ...any) (int64, error) {
	if err := d.base.Claim(d.backend.ID(), units); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.syncTimeout)
	defer cancel()
	return d.backend.Exec(ctx, d.labels(d.newID()), sql, args...)
}

// ReadSync claims units and returns the first row of a query.
func (d *DB) ReadSync(ctx context.Context, units float64, sql string, args ...any) ([]any, error) {
	if err := d.base.Claim(d.backend.ID(), units); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.syncTimeout)
	defer cancel()
	return d.backend.QueryRow(ctx, d.labels(d.newID()), sql, args...)
}

// RunAsync claims units and dispatches a statement. With callbacks the
// statement is wrapped so the database reports its outcome itself.
//
// The step is checkpointed as running with the operation and its claim
// before the statement is handed over, so a restart finds the operation
// instead of dispatching the statement again. A failed dispatch untracks
// it.
func (d *DB) RunAsync(ctx context.Context, units float64, sql string, withCallbacks bool, outputKey string) (string, error) {
	if err := d.base.Claim(d.backend.ID(), units); err != nil {
		return "", err
	}

	opID := d.newID()
	stmt := sql
	if withCallbacks {
		wrapped, err := callback.Wrap(sql, callback.Target{
			Channel:     d.channel,
			JobID:       d.base.JobID(),
			StepID:      d.base.ID(),
			OperationID: opID,
			OutputKey:   outputKey,
		})
		if err != nil {
			return "", err
		}
		stmt = wrapped
	}

	now := d.now().UTC()
	d.base.Track(Operation{ID: opID, ResourceID: d.backend.ID(), StartedAt: now})
	d.base.MarkRunning(now)
	if err := d.base.Checkpoint(ctx); err != nil {
		d.base.Untrack(opID)
		return "", fmt.Errorf("checkpoint operation %s: %w", opID, err)
	}

	dctx, cancel := context.WithTimeout(ctx, d.dispatchTimeout)
	defer cancel()
	if err := d.backend.Dispatch(dctx, d.labels(opID), stmt); err != nil {
		d.base.Untrack(opID)
		return "", fmt.Errorf("dispatch operation %s: %w", opID, err)
	}
	d.base.Logger().Info("operation dispatched", zap.String("operation_id", opID), zap.String("resource", d.backend.ID()))
	return opID, nil
}

// ExecutionState is RUNNING while at least one tracked operation is
// confirmed active on the backend, and UNKNOWN otherwise. Operations whose
// state cannot be inspected count as not running.
func (d *DB) ExecutionState(ctx context.Context) (ExecutionState, error) {
	for _, op := range d.base.Operations() {
		running, err := d.backend.IsRunning(ctx, op.ID)
		if err != nil {
			d.base.Logger().Warn("inspect operation failed", zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		if running {
			return StateRunning, nil
		}
	}
	return StateUnknown, nil
}

// Cancel attempts to cancel every tracked operation. Cancelled operations
// and operations the backend reports as no longer running are untracked;
// failures stay tracked and are returned as a *CancelError.
func (d *DB) Cancel(ctx context.Context) error {
	var errs error
	var pending []Operation
	for _, op := range d.base.Operations() {
		if running, err := d.backend.IsRunning(ctx, op.ID); err == nil && !running {
			d.base.Logger().Info("operation already ended", zap.String("operation_id", op.ID))
			continue
		}
		if err := d.backend.CancelOperation(ctx, op.ID); err != nil {
			d.base.Logger().Error("cancel operation failed", zap.String("operation_id", op.ID), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("operation %s: %w", op.ID, err))
			pending = append(pending, op)
			continue
		}
		d.base.Logger().Info("operation cancelled", zap.String("operation_id", op.ID))
	}
	d.base.setOperations(pending)

	if errs != nil {
		ids := make([]string, 0, len(pending))
		for _, op := range pending {
			ids = append(ids, op.ID)
		}
		return &CancelError{StepID: d.base.ID(), Pending: ids, Err: errs}
	}
	return nil
}
