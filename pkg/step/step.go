// Package step defines the execution contract shared by all job steps and
// the building blocks concrete steps are made of.
//
// A step goes through Validate, Init and Execute, optionally Resume after a
// restart, and ends either by running to completion or by Cancel. Async
// steps additionally answer ExecutionState for heartbeat polling.
package step

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/resource"
)

// Step is the contract every step kind implements. Implementations embed
// *Base, which provides identity, persisted state and claim handling.
type Step interface {
	ID() string
	JobID() string
	Type() string
	ExecutionMode() ExecutionMode

	// Loads estimates the resources the step will need. It is called once;
	// the result is persisted as the step's needed resources.
	Loads(ctx context.Context) ([]resource.Load, error)

	Validate(ctx context.Context) error
	Init(ctx context.Context) error
	Execute(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	ExecutionState(ctx context.Context) (ExecutionState, error)

	Core() *Base
}

// Base holds the state common to all steps. It is safe for concurrent use.
type Base struct {
	mu         sync.Mutex
	rec        *Record
	ledger     *resource.Ledger
	logger     *zap.Logger
	checkpoint func(context.Context) error
}

// NewBase wraps a record. The record must not be mutated by the caller
// afterwards; use Snapshot to read it.
func NewBase(rec *Record, mode ExecutionMode, ledger *resource.Ledger, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec.ClaimedLoad == nil {
		rec.ClaimedLoad = make(map[string]float64)
	}
	if rec.RunningOperations == nil {
		rec.RunningOperations = []Operation{}
	}
	if rec.Status == "" {
		rec.Status = StatusWaiting
	}
	rec.Mode = mode
	return &Base{
		rec:    rec,
		ledger: ledger,
		logger: logger.With(zap.String("job_id", rec.JobID), zap.String("step_id", rec.ID)),
	}
}

func (b *Base) Core() *Base                  { return b }
func (b *Base) ID() string                   { return b.rec.ID }
func (b *Base) JobID() string                { return b.rec.JobID }
func (b *Base) Type() string                 { return b.rec.Type }
func (b *Base) ExecutionMode() ExecutionMode { return b.rec.Mode }
func (b *Base) Logger() *zap.Logger          { return b.logger }

// Init is a no-op by default.
func (b *Base) Init(ctx context.Context) error { return nil }

// Resume is not supported by default.
func (b *Base) Resume(ctx context.Context) error {
	return fmt.Errorf("resume %s: %w", b.rec.Type, ErrUnsupported)
}

// Cancel is not supported by default.
func (b *Base) Cancel(ctx context.Context) error {
	return fmt.Errorf("cancel %s: %w", b.rec.Type, ErrUnsupported)
}

// ExecutionState derives the state from the persisted status. Async steps
// backed by live operations override it.
func (b *Base) ExecutionState(ctx context.Context) (ExecutionState, error) {
	switch b.Status() {
	case StatusRunning:
		return StateRunning, nil
	case StatusSucceeded:
		return StateSucceeded, nil
	case StatusFailed, StatusCancelled:
		return StateFailed, nil
	}
	return StateUnknown, nil
}

// Snapshot returns a deep copy of the persisted state.
func (b *Base) Snapshot() *Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.Clone()
}

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.Status
}

// Config returns the raw step configuration.
func (b *Base) Config() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.Config
}

// SetNeededResources stores the estimated loads. It can only be done once.
func (b *Base) SetNeededResources(loads []resource.Load) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec.NeededResources != nil {
		return fmt.Errorf("step %s: %w", b.rec.ID, ErrAlreadyComputed)
	}
	b.rec.NeededResources = resource.Aggregate(loads)
	return nil
}

// NeededResources returns the stored loads and whether they were computed.
func (b *Base) NeededResources() ([]resource.Load, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec.NeededResources == nil {
		return nil, false
	}
	return append([]resource.Load{}, b.rec.NeededResources...), true
}

// Claim requests units on a resource from the job's budget. A rejected
// claim leaves the step's claimed load unchanged.
func (b *Base) Claim(resourceID string, units float64) error {
	if units == 0 {
		return nil
	}
	if b.ledger != nil {
		if err := b.ledger.Claim(b.rec.JobID, b.rec.ID, resource.Load{ResourceID: resourceID, EstimatedUnits: units}); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.rec.ClaimedLoad[resourceID] += units
	b.mu.Unlock()
	b.logger.Debug("resource claimed", zap.String("resource", resourceID), zap.Float64("units", units))
	return nil
}

// ClaimedLoad returns the step's claim on a resource.
func (b *Base) ClaimedLoad(resourceID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.ClaimedLoad[resourceID]
}

// Unclaimed is the part of units not yet claimed on a resource. Claims
// survive retries, so a re-executed step only asks for the difference.
func (b *Base) Unclaimed(resourceID string, units float64) float64 {
	if rest := units - b.ClaimedLoad(resourceID); rest > 0 {
		return rest
	}
	return 0
}

// Track registers an operation before it is dispatched.
func (b *Base) Track(op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.RunningOperations = append(b.rec.RunningOperations, op)
}

// Untrack removes an operation. It reports whether the operation was tracked.
func (b *Base) Untrack(opID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, op := range b.rec.RunningOperations {
		if op.ID == opID {
			b.rec.RunningOperations = append(b.rec.RunningOperations[:i], b.rec.RunningOperations[i+1:]...)
			return true
		}
	}
	return false
}

// Operations returns a copy of the tracked operations.
func (b *Base) Operations() []Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Operation{}, b.rec.RunningOperations...)
}

func (b *Base) setOperations(ops []Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.RunningOperations = append([]Operation{}, ops...)
}

// SetCheckpoint installs the function that persists the step's record.
func (b *Base) SetCheckpoint(fn func(context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpoint = fn
}

// Checkpoint persists the current record. Without a checkpoint function
// it does nothing.
func (b *Base) Checkpoint(ctx context.Context) error {
	b.mu.Lock()
	fn := b.checkpoint
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// SetOutputKey records where the step stored its output.
func (b *Base) SetOutputKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.OutputKey = key
}

// MarkRunning records that execution started (or is confirmed alive).
func (b *Base) MarkRunning(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec.StartedAt == nil {
		b.rec.StartedAt = &now
	}
	b.rec.Status = StatusRunning
	b.rec.LastSeenRunning = &now
}

// Requeue returns a running step that was deferred before doing any work
// to waiting.
func (b *Base) Requeue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec.Status == StatusRunning {
		b.rec.Status = StatusWaiting
	}
}

// Heartbeat records a poll of the step's state.
func (b *Base) Heartbeat(now time.Time, running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.LastHeartbeat = &now
	if running {
		b.rec.LastSeenRunning = &now
		if b.rec.Status == StatusUnknown {
			b.rec.Status = StatusRunning
		}
	}
}

// MarkUnknown flags a step whose outcome cannot be determined.
func (b *Base) MarkUnknown(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.Status = StatusUnknown
	b.rec.LastHeartbeat = &now
}

// MarkSucceeded finishes the step. Output may be empty.
func (b *Base) MarkSucceeded(now time.Time, outputKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.Status = StatusSucceeded
	b.rec.EndedAt = &now
	if outputKey != "" {
		b.rec.OutputKey = outputKey
	}
	b.rec.RunningOperations = []Operation{}
}

// MarkFailed finishes the step with an error.
func (b *Base) MarkFailed(now time.Time, code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.Status = StatusFailed
	b.rec.EndedAt = &now
	b.rec.ErrorCode = code
	b.rec.ErrorMessage = message
}

// MarkCancelled finishes a step whose work was cancelled.
func (b *Base) MarkCancelled(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec.Status = StatusCancelled
	b.rec.EndedAt = &now
}

// Reset returns a failed, cancelled or unknown step to waiting for a retry.
// Claims are kept.
func (b *Base) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.rec.Status {
	case StatusFailed, StatusCancelled, StatusUnknown:
		b.rec.Status = StatusWaiting
		b.rec.ErrorCode = ""
		b.rec.ErrorMessage = ""
		b.rec.EndedAt = nil
	}
}

// NeededResources computes and stores a step's loads on first use and
// returns the stored value afterwards.
func NeededResources(ctx context.Context, s Step) ([]resource.Load, error) {
	if loads, ok := s.Core().NeededResources(); ok {
		return loads, nil
	}
	loads, err := s.Loads(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate resources of step %s: %w", s.ID(), err)
	}
	if loads == nil {
		loads = []resource.Load{}
	}
	if err := s.Core().SetNeededResources(loads); err != nil {
		return nil, err
	}
	got, _ := s.Core().NeededResources()
	return got, nil
}
