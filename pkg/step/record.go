package step

import (
	"encoding/json"
	"time"

	"github.com/3leaps/geoxfer/pkg/resource"
)

// ExecutionMode is fixed when a step is constructed.
type ExecutionMode string

const (
	// Sync steps block in Execute until the work is done or failed.
	Sync ExecutionMode = "SYNC"
	// Async steps dispatch work in Execute and return; completion arrives
	// through a callback or is discovered by polling ExecutionState.
	Async ExecutionMode = "ASYNC"
)

// ExecutionState is the answer of ExecutionState for an async step.
type ExecutionState string

const (
	StateRunning   ExecutionState = "RUNNING"
	StateSucceeded ExecutionState = "SUCCEEDED"
	StateFailed    ExecutionState = "FAILED"
	StateUnknown   ExecutionState = "UNKNOWN"
)

// Status is the persisted lifecycle status of a step.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further work happens for the step.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Operation is a dispatched backend operation tracked for cancellation and
// state inspection.
type Operation struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Record is the persisted state of a step.
//
// NOTE: Records are stored inside job records; fields are additive only.
type Record struct {
	ID     string          `json:"id"`
	JobID  string          `json:"job_id"`
	Type   string          `json:"type"`
	Mode   ExecutionMode   `json:"execution_mode"`
	Status Status          `json:"status"`
	Config json.RawMessage `json:"config,omitempty"`

	NeededResources   []resource.Load    `json:"needed_resources"`
	ClaimedLoad       map[string]float64 `json:"claimed_load"`
	RunningOperations []Operation        `json:"running_operations"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	OutputKey    string `json:"output_key,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	LastSeenRunning *time.Time `json:"last_seen_running,omitempty"`
}

// NewRecord creates a waiting step record with its collections allocated.
func NewRecord(id, jobID, stepType string, config json.RawMessage) *Record {
	return &Record{
		ID:                id,
		JobID:             jobID,
		Type:              stepType,
		Status:            StatusWaiting,
		Config:            config,
		ClaimedLoad:       make(map[string]float64),
		RunningOperations: []Operation{},
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Config != nil {
		out.Config = append(json.RawMessage(nil), r.Config...)
	}
	if r.NeededResources != nil {
		out.NeededResources = append([]resource.Load{}, r.NeededResources...)
	}
	out.ClaimedLoad = make(map[string]float64, len(r.ClaimedLoad))
	for k, v := range r.ClaimedLoad {
		out.ClaimedLoad[k] = v
	}
	out.RunningOperations = append([]Operation{}, r.RunningOperations...)
	out.StartedAt = cloneTime(r.StartedAt)
	out.EndedAt = cloneTime(r.EndedAt)
	out.LastHeartbeat = cloneTime(r.LastHeartbeat)
	out.LastSeenRunning = cloneTime(r.LastSeenRunning)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
