package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/resource"
	"github.com/3leaps/geoxfer/pkg/step"
)

// DefaultUnknownGrace is how long an async step may go without being seen
// running before it is marked unknown.
const DefaultUnknownGrace = 5 * time.Minute

// Error codes recorded on steps by the orchestrator itself.
const (
	codeDispatchFailed    = "DISPATCH_FAILED"
	codeResolvedFailed    = "RESOLVED_FAILED"
	msgResolvedByOperator = "marked failed by operator"
)

// StepsConfig configures StepsKind.
type StepsConfig struct {
	Registry *step.Registry
	Ledger   *resource.Ledger
	Objects  objectstore.Store

	// Store receives checkpoints of a job while its steps execute: a
	// step is stored as running before its work starts. Nil disables
	// checkpoints.
	Store *jobstore.Store

	// UnknownGrace defaults to DefaultUnknownGrace.
	UnknownGrace time.Duration

	// Limiter paces execution-state inspections across all jobs. Nil
	// means unlimited.
	Limiter *rate.Limiter

	Clock  func() time.Time
	Logger *zap.Logger
}

// StepsKind runs a job's steps in order: each step starts once the one
// before it has succeeded.
type StepsKind struct {
	cfg StepsConfig
	log *zap.Logger
	now func() time.Time
}

var (
	_ Kind            = (*StepsKind)(nil)
	_ CallbackHandler = (*StepsKind)(nil)
	_ Heartbeater     = (*StepsKind)(nil)
	_ Resolver        = (*StepsKind)(nil)
	_ Releaser        = (*StepsKind)(nil)
)

// NewStepsKind validates the config and creates the kind.
func NewStepsKind(cfg StepsConfig) (*StepsKind, error) {
	if cfg.Registry == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("steps kind needs a step registry and a ledger")
	}
	if cfg.UnknownGrace <= 0 {
		cfg.UnknownGrace = DefaultUnknownGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &StepsKind{cfg: cfg, log: cfg.Logger, now: func() time.Time { return cfg.Clock().UTC() }}, nil
}

func (k *StepsKind) Type() job.Type { return job.TypeSteps }

func (k *StepsKind) build(j *job.Job) ([]step.Step, error) {
	out := make([]step.Step, 0, len(j.Steps))
	for _, rec := range j.Steps {
		s, err := k.cfg.Registry.Build(rec)
		if err != nil {
			return nil, fmt.Errorf("build step %s: %w", rec.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func writeBack(j *job.Job, steps []step.Step) {
	for i, s := range steps {
		j.Steps[i] = s.Core().Snapshot()
	}
}

// checkpointInto lets every step persist the whole job.
func (k *StepsKind) checkpointInto(j *job.Job, steps []step.Step) {
	if k.cfg.Store == nil {
		return
	}
	fn := func(ctx context.Context) error {
		writeBack(j, steps)
		return k.cfg.Store.Put(ctx, j)
	}
	for _, s := range steps {
		s.Core().SetCheckpoint(fn)
	}
}

// Validate builds and validates every step. Nothing is claimed yet.
func (k *StepsKind) Validate(ctx context.Context, j *job.Job) (Result, error) {
	if len(j.Steps) == 0 {
		return failed(job.InvalidStep), nil
	}
	seen := make(map[string]bool, len(j.Steps))
	for _, rec := range j.Steps {
		if strings.TrimSpace(rec.ID) == "" || seen[rec.ID] {
			k.log.Info("step id missing or repeated", zap.String("job_id", j.ID), zap.String("step_id", rec.ID))
			return failed(job.InvalidStep), nil
		}
		seen[rec.ID] = true
		rec.JobID = j.ID
	}

	steps, err := k.build(j)
	if err != nil {
		k.log.Info("step rejected", zap.String("job_id", j.ID), zap.Error(err))
		return failed(job.InvalidStep), nil
	}
	for _, s := range steps {
		if err := s.Validate(ctx); err != nil {
			if step.IsValidation(err) {
				k.log.Info("step rejected", zap.String("job_id", j.ID), zap.String("step_id", s.ID()), zap.Error(err))
				return failed(job.InvalidStep), nil
			}
			return Result{}, err
		}
	}
	return done(), nil
}

// Prepare estimates every step's loads, persists them and allots the
// job's budget. A budget the node cannot grant yet keeps the job pending.
func (k *StepsKind) Prepare(ctx context.Context, j *job.Job) (Result, error) {
	steps, err := k.build(j)
	if err != nil {
		return failed(job.InvalidStep), nil
	}
	var loads []resource.Load
	for _, s := range steps {
		l, err := step.NeededResources(ctx, s)
		if err != nil {
			k.log.Info("estimate resources failed", zap.String("job_id", j.ID), zap.String("step_id", s.ID()), zap.Error(err))
			return failed(job.InvalidStep), nil
		}
		loads = append(loads, l...)
	}
	writeBack(j, steps)

	switch err := k.cfg.Ledger.Allot(j.ID, loads); {
	case errors.Is(err, resource.ErrCapacityExceeded):
		k.log.Debug("allotment deferred", zap.String("job_id", j.ID), zap.Error(err))
		return pending(), nil
	case errors.Is(err, resource.ErrUnknownResource):
		k.log.Info("allotment rejected", zap.String("job_id", j.ID), zap.Error(err))
		return failed(job.InvalidStep), nil
	case err != nil:
		return Result{}, err
	}
	return done(), nil
}

// ensureAllotted re-establishes the job's budget and persisted claims,
// which are lost when the process restarts.
func (k *StepsKind) ensureAllotted(j *job.Job) error {
	if !k.cfg.Ledger.Allotted(j.ID) {
		var loads []resource.Load
		for _, rec := range j.Steps {
			loads = append(loads, rec.NeededResources...)
		}
		if err := k.cfg.Ledger.Allot(j.ID, loads); err != nil {
			return err
		}
	}
	for _, rec := range j.Steps {
		k.cfg.Ledger.Restore(j.ID, rec.ID, rec.ClaimedLoad)
	}
	return nil
}

// Execute advances the step sequence as far as it can go in one pass.
func (k *StepsKind) Execute(ctx context.Context, j *job.Job) (Result, error) {
	if err := k.ensureAllotted(j); err != nil {
		if errors.Is(err, resource.ErrCapacityExceeded) {
			return pending(), nil
		}
		return Result{}, err
	}
	steps, err := k.build(j)
	if err != nil {
		return Result{}, err
	}
	defer writeBack(j, steps)
	k.checkpointInto(j, steps)

	for _, s := range steps {
		log := k.log.With(zap.String("job_id", j.ID), zap.String("step_id", s.ID()))
		core := s.Core()

		switch core.Status() {
		case step.StatusSucceeded:
			continue
		case step.StatusFailed:
			return stepFailure(core.Snapshot()), nil
		case step.StatusCancelled:
			return aborted(job.Cancelled), nil
		case step.StatusUnknown:
			log.Warn("step needs resolution", zap.Error(step.ErrUnknownState))
			return pending(), nil
		case step.StatusRunning:
			if s.ExecutionMode() == step.Sync {
				// Sync steps only run inside a pass; one left running was
				// interrupted and its outcome is lost.
				core.MarkUnknown(k.now())
				log.Warn("interrupted sync step marked unknown")
			}
			return pending(), nil
		}

		start := k.now()
		core.MarkRunning(start)
		if s.ExecutionMode() == step.Sync {
			if err := core.Checkpoint(ctx); err != nil {
				core.Requeue()
				return Result{}, fmt.Errorf("checkpoint step %s: %w", s.ID(), err)
			}
		}
		err := s.Init(ctx)
		if err == nil {
			err = s.Execute(ctx)
		}
		switch {
		case resource.IsTooManyResourcesClaimed(err):
			core.Requeue()
			log.Debug("step deferred", zap.Error(err))
			return pending(), nil
		case err != nil && ctx.Err() != nil:
			// Left running: the next pass reports an interrupted sync step
			// unknown and heartbeats settle an async one.
			return Result{}, ctx.Err()
		case err != nil:
			code, msg := failureOf(err)
			if s.ExecutionMode() == step.Async && code == "" {
				code = codeDispatchFailed
			}
			core.MarkFailed(k.now(), code, msg)
			log.Warn("step failed", zap.String("code", code), zap.Error(err))
			if job.IsConnectionLost(err) {
				return aborted(job.UnexpectedError), nil
			}
			return stepFailure(core.Snapshot()), nil
		}

		if s.ExecutionMode() == step.Async {
			log.Info("step dispatched")
			return pending(), nil
		}
		core.MarkSucceeded(k.now(), "")
		log.Info("step succeeded", zap.Duration("elapsed", k.now().Sub(start)))
	}
	return done(), nil
}

func failureOf(err error) (string, string) {
	var ee *step.ExecutionError
	if errors.As(err, &ee) {
		return ee.Code, ee.Message
	}
	var st interface{ SQLState() string }
	if errors.As(err, &st) {
		return st.SQLState(), err.Error()
	}
	return "", err.Error()
}

// stepFailure maps a failed step to the job consequence: a unique
// violation fails with IDS_NOT_UNIQUE, a lost connection aborts, anything
// else fails with STEP_FAILED.
func stepFailure(rec *step.Record) Result {
	c := job.Classify(rec.ErrorCode, rec.ErrorMessage)
	switch {
	case c.Outcome == job.Abort:
		return aborted(c.Description)
	case c.Description == job.IDsNotUnique:
		return failed(job.IDsNotUnique)
	}
	return failed(job.StepFailed)
}

// ApplyCallback records the reported outcome of a running or unknown step.
// Reports for finished steps and for operations the step no longer tracks
// are ignored.
func (k *StepsKind) ApplyCallback(ctx context.Context, j *job.Job, m callback.Message) bool {
	for i, rec := range j.Steps {
		if rec.ID != m.StepID {
			continue
		}
		if rec.Status != step.StatusRunning && rec.Status != step.StatusUnknown {
			return false
		}
		if m.OperationID != "" && len(rec.RunningOperations) > 0 && !tracks(rec, m.OperationID) {
			k.log.Debug("callback for stale operation ignored",
				zap.String("job_id", j.ID), zap.String("step_id", rec.ID), zap.String("operation_id", m.OperationID))
			return false
		}
		s, err := k.cfg.Registry.Build(rec)
		if err != nil {
			k.log.Warn("callback for unbuildable step", zap.String("job_id", j.ID), zap.String("step_id", rec.ID), zap.Error(err))
			return false
		}
		now := k.now()
		switch m.Outcome {
		case callback.Succeeded:
			s.Core().MarkSucceeded(now, m.OutputKey)
		case callback.Failed:
			s.Core().MarkFailed(now, m.ErrorCode, m.ErrorMessage)
		default:
			return false
		}
		j.Steps[i] = s.Core().Snapshot()
		k.log.Info("step callback applied",
			zap.String("job_id", j.ID), zap.String("step_id", rec.ID), zap.String("outcome", string(m.Outcome)))
		return true
	}
	return false
}

func tracks(rec *step.Record, opID string) bool {
	for _, op := range rec.RunningOperations {
		if op.ID == opID {
			return true
		}
	}
	return false
}

// Heartbeat inspects running and unknown async steps. A step confirmed
// running is refreshed (an unknown one returns to running); a running step
// not seen alive for longer than the grace period becomes unknown.
func (k *StepsKind) Heartbeat(ctx context.Context, j *job.Job, now time.Time) (bool, error) {
	changed := false
	for i, rec := range j.Steps {
		if rec.Mode != step.Async || (rec.Status != step.StatusRunning && rec.Status != step.StatusUnknown) {
			continue
		}
		if k.cfg.Limiter != nil {
			if err := k.cfg.Limiter.Wait(ctx); err != nil {
				return changed, err
			}
		}
		s, err := k.cfg.Registry.Build(rec)
		if err != nil {
			return changed, err
		}
		state, err := s.ExecutionState(ctx)
		if err != nil {
			k.log.Warn("inspect step failed", zap.String("job_id", j.ID), zap.String("step_id", rec.ID), zap.Error(err))
			continue
		}
		core := s.Core()
		running := state == step.StateRunning
		core.Heartbeat(now, running)
		if !running && rec.Status == step.StatusRunning {
			last := rec.StartedAt
			if rec.LastSeenRunning != nil {
				last = rec.LastSeenRunning
			}
			if last == nil || now.Sub(*last) > k.cfg.UnknownGrace {
				core.MarkUnknown(now)
				k.log.Warn("step marked unknown",
					zap.String("job_id", j.ID), zap.String("step_id", rec.ID), zap.Error(step.ErrUnknownState))
			}
		}
		j.Steps[i] = core.Snapshot()
		changed = true
	}
	return changed, nil
}

// Resolve applies an operator decision to an unknown step.
func (k *StepsKind) Resolve(ctx context.Context, j *job.Job, stepID string, action Resolution) error {
	if !action.Valid() {
		return fmt.Errorf("%w: unknown resolution %q", ErrNotResolvable, action)
	}
	idx := -1
	for i, rec := range j.Steps {
		if rec.ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: job %s has no step %s", ErrNotResolvable, j.ID, stepID)
	}
	rec := j.Steps[idx]
	if rec.Status != step.StatusUnknown {
		return fmt.Errorf("%w: step %s is %s", ErrNotResolvable, stepID, rec.Status)
	}

	s, err := k.cfg.Registry.Build(rec)
	if err != nil {
		return err
	}
	core := s.Core()
	if k.cfg.Store != nil {
		core.SetCheckpoint(func(ctx context.Context) error {
			j.Steps[idx] = core.Snapshot()
			return k.cfg.Store.Put(ctx, j)
		})
	}
	now := k.now()
	switch action {
	case ResolveSucceeded:
		core.MarkSucceeded(now, "")
	case ResolveFailed:
		core.MarkFailed(now, codeResolvedFailed, msgResolvedByOperator)
	case ResolveResume:
		if err := k.ensureAllotted(j); err != nil {
			return err
		}
		core.Reset()
		core.MarkRunning(now)
		if err := s.Resume(ctx); err != nil {
			return fmt.Errorf("resume step %s: %w", stepID, err)
		}
		if s.ExecutionMode() == step.Sync {
			core.MarkSucceeded(k.now(), "")
		}
	}
	j.Steps[idx] = core.Snapshot()
	k.log.Info("step resolved", zap.String("job_id", j.ID), zap.String("step_id", stepID), zap.String("resolution", string(action)))
	return nil
}

// Finalize registers the outputs of succeeded steps as export objects.
func (k *StepsKind) Finalize(ctx context.Context, j *job.Job) error {
	exports := make([]job.ExportObject, 0)
	seen := make(map[string]bool)
	for _, rec := range j.Steps {
		if rec.Status != step.StatusSucceeded || rec.OutputKey == "" || k.cfg.Objects == nil {
			continue
		}
		entries, err := k.cfg.Objects.Scan(ctx, rec.OutputKey)
		if err != nil {
			return fmt.Errorf("list outputs of step %s: %w", rec.ID, err)
		}
		for _, e := range entries {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			exports = append(exports, job.ExportObject{Key: e.Key, ByteSize: e.Size})
		}
	}
	j.ExportObjects = exports
	return nil
}

// Release drops the job's budget. Claims stay recorded on the steps and
// are restored if the job is retried.
func (k *StepsKind) Release(j *job.Job) {
	k.cfg.Ledger.Release(j.ID)
}

// Cancel cancels running steps and marks waiting ones cancelled. Steps
// whose operations could not all be cancelled keep their status and the
// outstanding operations.
func (k *StepsKind) Cancel(ctx context.Context, j *job.Job) error {
	var errs error
	for i, rec := range j.Steps {
		if rec.Status.IsTerminal() {
			continue
		}
		s, err := k.cfg.Registry.Build(rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		core := s.Core()
		if rec.Status == step.StatusRunning || rec.Status == step.StatusUnknown {
			err := s.Cancel(ctx)
			if err != nil && !(errors.Is(err, step.ErrUnsupported) && s.ExecutionMode() == step.Sync) {
				errs = multierr.Append(errs, err)
				j.Steps[i] = core.Snapshot()
				continue
			}
		}
		core.MarkCancelled(k.now())
		j.Steps[i] = core.Snapshot()
	}
	return errs
}
