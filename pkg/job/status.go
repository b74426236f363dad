package job

import (
	"errors"
	"fmt"
)

// Status is the lifecycle status of a job.
//
// NOTE: These values are persisted and part of the stable store contract.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusValidating Status = "validating"
	StatusQueued     Status = "queued"
	StatusPreparing  Status = "preparing"
	StatusPrepared   Status = "prepared"
	StatusExecuting  Status = "executing"
	StatusExecuted   Status = "executed"
	StatusFinalizing Status = "finalizing"
	StatusFinalized  Status = "finalized"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// lifecycle is the forward order of non-terminal phases.
var lifecycle = []Status{
	StatusWaiting,
	StatusValidating,
	StatusQueued,
	StatusPreparing,
	StatusPrepared,
	StatusExecuting,
	StatusExecuted,
	StatusFinalizing,
	StatusFinalized,
}

// Statuses lists every status.
func Statuses() []Status {
	return append(append([]Status{}, lifecycle...), StatusFailed, StatusAborted)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses() {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusFailed || s == StatusAborted
}

// IsFailure reports whether s is failed or aborted.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusAborted
}

// Rank is the position of s in the forward lifecycle, or -1 for failures.
func (s Status) Rank() int {
	for i, v := range lifecycle {
		if v == s {
			return i
		}
	}
	return -1
}

// Outcome drives a transition.
type Outcome string

const (
	// Success moves a job to the next phase.
	Success Outcome = "success"
	// Failure moves a job to failed.
	Failure Outcome = "failure"
	// Abort moves a job to aborted.
	Abort Outcome = "abort"
)

// ErrInvalidTransition is returned for transitions out of terminal statuses
// or with unknown inputs.
var ErrInvalidTransition = errors.New("invalid status transition")

// Next is the transition function of the job state machine. It is defined
// for every (non-terminal status, outcome) pair; terminal statuses have no
// outgoing transitions.
func Next(s Status, o Outcome) (Status, error) {
	if !s.Valid() {
		return s, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
	}
	if s.IsTerminal() {
		return s, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	switch o {
	case Success:
		return lifecycle[s.Rank()+1], nil
	case Failure:
		return StatusFailed, nil
	case Abort:
		return StatusAborted, nil
	}
	return s, fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, o)
}

// previousPhase is where reset-to-previous-state rolls a failed job back
// to, given the status it held when it failed.
func previousPhase(last Status) Status {
	switch last {
	case StatusValidating:
		return StatusWaiting
	case StatusPreparing:
		return StatusQueued
	case StatusExecuting:
		return StatusPrepared
	case StatusFinalizing:
		return StatusExecuted
	case "", StatusFailed, StatusAborted:
		return StatusWaiting
	}
	return last
}
