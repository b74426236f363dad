// Package resource tracks capacity-limited backend resources and the
// per-job claim ledger that guards them.
package resource

import (
	"errors"
	"fmt"
)

// Resource is a capacity-limited backend (a database cluster, an IO lane).
//
// Capacity is expressed in virtual units; a non-positive capacity means the
// resource is unbounded at the node level and only job budgets apply.
type Resource interface {
	ID() string
	Capacity() float64
}

// Static is a Resource with a fixed id and capacity.
type Static struct {
	Name  string
	Units float64
}

func (s Static) ID() string        { return s.Name }
func (s Static) Capacity() float64 { return s.Units }

// Load is the estimated cost a step places on one resource.
type Load struct {
	ResourceID     string  `json:"resource_id"`
	EstimatedUnits float64 `json:"estimated_units"`
}

// Aggregate sums loads per resource id, preserving first-seen order.
func Aggregate(loads []Load) []Load {
	idx := make(map[string]int, len(loads))
	out := make([]Load, 0, len(loads))
	for _, l := range loads {
		if i, ok := idx[l.ResourceID]; ok {
			out[i].EstimatedUnits += l.EstimatedUnits
			continue
		}
		idx[l.ResourceID] = len(out)
		out = append(out, l)
	}
	return out
}

// ErrUnknownResource is returned when a claim references a resource the
// ledger has no budget for.
var ErrUnknownResource = errors.New("unknown resource")

// ErrCapacityExceeded is returned when allotting a job budget would
// overcommit a resource's node-level capacity.
var ErrCapacityExceeded = errors.New("resource capacity exceeded")

// TooManyResourcesClaimedError reports a rejected claim. It is retryable:
// the caller should defer the work item to a later scheduling pass.
type TooManyResourcesClaimedError struct {
	JobID      string
	StepID     string
	ResourceID string
	Claimed    float64
	Requested  float64
	Budget     float64
}

func (e *TooManyResourcesClaimedError) Error() string {
	return fmt.Sprintf("too many resources claimed: job=%s step=%s resource=%s claimed=%.2f requested=%.2f budget=%.2f",
		e.JobID, e.StepID, e.ResourceID, e.Claimed, e.Requested, e.Budget)
}

// Retryable reports that the claim may succeed on a later pass.
func (e *TooManyResourcesClaimedError) Retryable() bool { return true }

// IsTooManyResourcesClaimed reports whether err is a rejected claim.
func IsTooManyResourcesClaimed(err error) bool {
	var tm *TooManyResourcesClaimedError
	return errors.As(err, &tm)
}
