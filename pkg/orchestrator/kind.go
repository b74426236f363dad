// Package orchestrator drives jobs through their lifecycle: job kinds
// implement the phases, the scheduler owns the worker pool, the callback
// receive loop and heartbeat polling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/job"
)

// Verdict is how a phase ended.
type Verdict int

const (
	// Done completes the phase.
	Done Verdict = iota
	// Pending leaves the job in its phase to be picked up again.
	Pending
	// Failed fails the job.
	Failed
	// Aborted aborts the job.
	Aborted
)

func (v Verdict) String() string {
	switch v {
	case Done:
		return "done"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Result is the outcome of a phase.
type Result struct {
	Verdict     Verdict
	Description string
}

func done() Result { return Result{Verdict: Done} }
func pending() Result { return Result{Verdict: Pending} }
func failed(desc string) Result { return Result{Verdict: Failed, Description: desc} }
func aborted(desc string) Result { return Result{Verdict: Aborted, Description: desc} }
func doneWith(desc string) Result { return Result{Verdict: Done, Description: desc} }

// Kind implements the phases of one job type. Phases receive the job
// exclusively and may mutate it; the scheduler persists it afterwards.
type Kind interface {
	Type() job.Type

	// Validate runs while the job is validating.
	Validate(ctx context.Context, j *job.Job) (Result, error)

	// Prepare acquires infrastructure. Pending keeps the job preparing.
	Prepare(ctx context.Context, j *job.Job) (Result, error)

	// Execute runs one pass over the job's units. Pending reschedules.
	Execute(ctx context.Context, j *job.Job) (Result, error)

	// Finalize post-processes an executed job. Errors are retried.
	Finalize(ctx context.Context, j *job.Job) error

	// Cancel stops running work of an aborted job. Work that could not be
	// cancelled is reported in the error and stays tracked.
	Cancel(ctx context.Context, j *job.Job) error
}

// CallbackHandler is implemented by kinds that consume completion
// callbacks. It reports whether the job changed.
type CallbackHandler interface {
	ApplyCallback(ctx context.Context, j *job.Job, m callback.Message) bool
}

// Heartbeater is implemented by kinds with asynchronous work to poll.
type Heartbeater interface {
	Heartbeat(ctx context.Context, j *job.Job, now time.Time) (bool, error)
}

// Resolver is implemented by kinds whose units can end up unknown and be
// resolved by an operator.
type Resolver interface {
	Resolve(ctx context.Context, j *job.Job, unitID string, action Resolution) error
}

// Releaser is implemented by kinds that hold node resources for a job
// until it reaches a terminal status.
type Releaser interface {
	Release(j *job.Job)
}

// Resolution is an operator decision for an unknown step.
type Resolution string

const (
	ResolveSucceeded Resolution = "succeeded"
	ResolveFailed    Resolution = "failed"
	ResolveResume    Resolution = "resume"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveSucceeded, ResolveFailed, ResolveResume:
		return true
	}
	return false
}

// PhaseError carries the error description a phase failure records on
// the job.
type PhaseError struct {
	Description string
	Err         error
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return e.Description
	}
	return fmt.Sprintf("%s: %v", e.Description, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// describe returns the description carried by err, or fallback.
func describe(err error, fallback string) string {
	var pe *PhaseError
	if errors.As(err, &pe) && pe.Description != "" {
		return pe.Description
	}
	return fallback
}

var (
	// ErrUnknownKind is returned for jobs whose type has no registered kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrNotResolvable is returned when a resolution does not apply.
	ErrNotResolvable = errors.New("step cannot be resolved")

	// ErrBusy is returned when a job is being processed by a worker.
	ErrBusy = errors.New("job is being processed")
)
