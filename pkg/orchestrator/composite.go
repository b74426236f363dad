package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/job"
)

// derive recomputes a composite job's status from its children and
// persists it when it changed. Composite jobs have no phases of their own.
func (s *Scheduler) derive(ctx context.Context, j *job.Job) (bool, error) {
	if err := s.store.ResolveChildren(ctx, j); err != nil {
		return false, err
	}
	before := j.Status
	if !j.MirrorChildren(s.now()) {
		return false, nil
	}
	if err := s.store.Put(ctx, j); err != nil {
		return false, err
	}
	s.log.Info("composite status changed",
		zap.String("job_id", j.ID),
		zap.String("from", string(before)),
		zap.String("status", string(j.Status)))
	return true, nil
}
