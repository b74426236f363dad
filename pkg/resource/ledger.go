package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ledger is the process-wide record of resource budgets and claims.
//
// Each job is allotted a budget per resource (the sum of its steps' needed
// units). Steps claim against that budget; the sum of all claims of a job on
// one resource never exceeds its budget. Claims are monotonic: they only
// grow until the job is released.
//
// All operations are atomic under a single mutex.
type Ledger struct {
	mu        sync.Mutex
	resources map[string]Resource
	jobs      map[string]*jobBudget
}

type jobBudget struct {
	budget  map[string]float64
	claimed map[string]float64
	steps   map[string]map[string]float64
}

// NewLedger creates a ledger for the given resources.
func NewLedger(resources ...Resource) *Ledger {
	l := &Ledger{
		resources: make(map[string]Resource, len(resources)),
		jobs:      make(map[string]*jobBudget),
	}
	for _, r := range resources {
		if r == nil {
			continue
		}
		l.resources[r.ID()] = r
	}
	return l
}

// Register adds or replaces a resource.
func (l *Ledger) Register(r Resource) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources[r.ID()] = r
}

// Resource returns the registered resource with the given id.
func (l *Ledger) Resource(id string) (Resource, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resources[id]
	return r, ok
}

// Allot registers the budget of a job, aggregating the loads per resource.
//
// Allotting is idempotent for a job that already holds a budget. A budget
// that would push a resource past its node-level capacity is rejected with
// ErrCapacityExceeded unless no other job currently holds an allotment on
// that resource, so an oversized job is delayed but never starved.
func (l *Ledger) Allot(jobID string, loads []Load) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[jobID]; ok {
		return nil
	}

	agg := Aggregate(loads)
	for _, ld := range agg {
		r, ok := l.resources[ld.ResourceID]
		if !ok {
			return fmt.Errorf("allot %s: %w: %s", jobID, ErrUnknownResource, ld.ResourceID)
		}
		capacity := r.Capacity()
		if capacity <= 0 {
			continue
		}
		used, holders := l.allottedLocked(ld.ResourceID)
		if holders > 0 && used+ld.EstimatedUnits > capacity {
			return fmt.Errorf("allot %s on %s (%.2f + %.2f > %.2f): %w",
				jobID, ld.ResourceID, used, ld.EstimatedUnits, capacity, ErrCapacityExceeded)
		}
	}

	jb := &jobBudget{
		budget:  make(map[string]float64, len(agg)),
		claimed: make(map[string]float64, len(agg)),
		steps:   make(map[string]map[string]float64),
	}
	for _, ld := range agg {
		jb.budget[ld.ResourceID] = ld.EstimatedUnits
	}
	l.jobs[jobID] = jb
	return nil
}

func (l *Ledger) allottedLocked(resourceID string) (float64, int) {
	var used float64
	var holders int
	for _, jb := range l.jobs {
		if b, ok := jb.budget[resourceID]; ok {
			used += b
			holders++
		}
	}
	return used, holders
}

// Allotted reports whether the job currently holds a budget.
func (l *Ledger) Allotted(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.jobs[jobID]
	return ok
}

// Budget returns the job's budget on a resource.
func (l *Ledger) Budget(jobID, resourceID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if jb, ok := l.jobs[jobID]; ok {
		return jb.budget[resourceID]
	}
	return 0
}

// Claim adds amount to the step's claim on a resource.
//
// The read of the job budget, the comparison and the addition happen under
// one lock. When the job's total claim plus amount would exceed its budget
// the claim is rejected with a *TooManyResourcesClaimedError and the ledger
// is left unchanged. A zero amount always succeeds.
func (l *Ledger) Claim(jobID, stepID string, ld Load) error {
	if ld.EstimatedUnits < 0 {
		return fmt.Errorf("claim %s/%s on %s: negative amount %.2f", jobID, stepID, ld.ResourceID, ld.EstimatedUnits)
	}
	if ld.EstimatedUnits == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	jb, ok := l.jobs[jobID]
	var budget, claimed float64
	if ok {
		budget = jb.budget[ld.ResourceID]
		claimed = jb.claimed[ld.ResourceID]
	}
	if !ok || claimed+ld.EstimatedUnits > budget {
		return &TooManyResourcesClaimedError{
			JobID:      jobID,
			StepID:     stepID,
			ResourceID: ld.ResourceID,
			Claimed:    claimed,
			Requested:  ld.EstimatedUnits,
			Budget:     budget,
		}
	}

	jb.claimed[ld.ResourceID] = claimed + ld.EstimatedUnits
	sc := jb.steps[stepID]
	if sc == nil {
		sc = make(map[string]float64)
		jb.steps[stepID] = sc
	}
	sc[ld.ResourceID] += ld.EstimatedUnits
	return nil
}

// ClaimAll claims every load for a step. Loads already granted stay granted
// when a later load is rejected.
func (l *Ledger) ClaimAll(jobID, stepID string, loads []Load) error {
	for _, ld := range loads {
		if err := l.Claim(jobID, stepID, ld); err != nil {
			return err
		}
	}
	return nil
}

// Claimed returns the job's total claim on a resource.
func (l *Ledger) Claimed(jobID, resourceID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if jb, ok := l.jobs[jobID]; ok {
		return jb.claimed[resourceID]
	}
	return 0
}

// StepClaims returns a copy of a step's claims keyed by resource id.
func (l *Ledger) StepClaims(jobID, stepID string) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64)
	jb, ok := l.jobs[jobID]
	if !ok {
		return out
	}
	for k, v := range jb.steps[stepID] {
		out[k] = v
	}
	return out
}

// Restore re-applies a step's persisted claims after a restart. Restored
// claims bypass the budget check; they were granted before.
func (l *Ledger) Restore(jobID, stepID string, claims map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	jb, ok := l.jobs[jobID]
	if !ok {
		return
	}
	sc := jb.steps[stepID]
	if sc == nil {
		sc = make(map[string]float64)
		jb.steps[stepID] = sc
	}
	for rid, v := range claims {
		if v <= sc[rid] {
			continue
		}
		jb.claimed[rid] += v - sc[rid]
		sc[rid] = v
	}
}

// Release drops the job's budget and all of its claims.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, jobID)
}

// Usage summarizes one resource across all jobs.
type Usage struct {
	ResourceID string  `json:"resource_id"`
	Capacity   float64 `json:"capacity"`
	Allotted   float64 `json:"allotted"`
	Claimed    float64 `json:"claimed"`
	Jobs       int     `json:"jobs"`
}

// Usage returns per-resource totals sorted by resource id.
func (l *Ledger) Usage() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Usage, 0, len(l.resources))
	for id, r := range l.resources {
		u := Usage{ResourceID: id, Capacity: r.Capacity()}
		for _, jb := range l.jobs {
			if b, ok := jb.budget[id]; ok {
				u.Allotted += b
				u.Claimed += jb.claimed[id]
				u.Jobs++
			}
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}
