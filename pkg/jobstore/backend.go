// Package jobstore persists jobs. Backends store self-contained job records;
// Store layers retention, duplicate detection and child expansion on top.
package jobstore

import (
	"context"
	"errors"
	"sort"

	"github.com/3leaps/geoxfer/pkg/job"
)

var (
	// ErrNotFound is returned when no job exists for an id.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job of the same type already runs
	// against the same target.
	ErrDuplicateJob = errors.New("duplicate job")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Direction selects which descriptor a key filter matches.
type Direction string

const (
	DirectionEither Direction = ""
	DirectionSource Direction = "source"
	DirectionTarget Direction = "target"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type      job.Type
	Statuses  []job.Status
	Key       string
	Direction Direction
}

// Match reports whether j satisfies the filter.
func (f Filter) Match(j *job.Job) bool {
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Key == "" {
		return true
	}
	src := j.Source != nil && j.Source.Key == f.Key
	tgt := j.Target != nil && j.Target.Key == f.Key
	switch f.Direction {
	case DirectionSource:
		return src
	case DirectionTarget:
		return tgt
	}
	return src || tgt
}

// Backend is the persistence contract. Get is consistent with the last Put
// of the same id. Delete of a missing id is not an error.
type Backend interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f Filter) ([]*job.Job, error)
	Put(ctx context.Context, j *job.Job) error
	Delete(ctx context.Context, id string) error
	Close() error
}

func sortNewestFirst(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}
