package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// Create stores a new waiting job. Duplicates of a running job against
// the same target are rejected with jobstore.ErrDuplicateJob. The
// children of a composite job must already exist.
func (s *Scheduler) Create(ctx context.Context, j *job.Job) error {
	if j.Status == "" {
		j.Status = job.StatusWaiting
	}
	if j.Status != job.StatusWaiting {
		return fmt.Errorf("%w: new job %s is %s", job.ErrInvalidTransition, j.ID, j.Status)
	}
	if j.Type == job.TypeComposite {
		if len(j.Children) == 0 {
			return fmt.Errorf("composite job %s has no children", j.ID)
		}
		for _, id := range j.Children {
			c, err := s.store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("child %s of %s: %w", id, j.ID, err)
			}
			if c.Type == job.TypeComposite {
				return fmt.Errorf("child %s of %s is itself composite", id, j.ID)
			}
		}
	} else if _, err := s.kindOf(j); err != nil {
		return err
	}
	return s.store.Create(ctx, j)
}

// Start moves a waiting job to validating and schedules it. Starting a
// composite job starts its waiting children.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	err := s.withJob(id, func() error {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if j.Status != job.StatusWaiting {
			return fmt.Errorf("%w: job %s is %s, not waiting", job.ErrInvalidTransition, id, j.Status)
		}
		if j.Type == job.TypeComposite {
			for _, cid := range j.Children {
				if err := s.Start(ctx, cid); err != nil && !isNotWaiting(err) {
					return err
				}
			}
			_, err := s.derive(ctx, j)
			return err
		}
		if err := j.Transition(job.Success, s.now()); err != nil {
			return err
		}
		return s.store.Put(ctx, j)
	})
	if err != nil {
		return err
	}
	s.Enqueue(id)
	return nil
}

func isNotWaiting(err error) bool {
	return err != nil && errors.Is(err, job.ErrInvalidTransition)
}

// Submit creates and starts a job.
func (s *Scheduler) Submit(ctx context.Context, j *job.Job) error {
	if err := s.Create(ctx, j); err != nil {
		return err
	}
	return s.Start(ctx, j.ID)
}

// Retry resets a failed or aborted job one phase back and schedules it. A
// job that failed validation is started again right away. Retrying a
// composite job retries its failed and aborted children.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	err := s.withJob(id, func() error {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !j.Status.IsFailure() {
			return fmt.Errorf("%w: job %s is %s, not failed or aborted", job.ErrInvalidTransition, id, j.Status)
		}
		if j.Type == job.TypeComposite {
			for _, cid := range j.Children {
				if err := s.Retry(ctx, cid); err != nil && !isNotWaiting(err) {
					return err
				}
			}
			j.ErrorType = ""
			j.ErrorDescription = ""
			j.LastStatus = ""
			changed, err := s.derive(ctx, j)
			if err != nil || changed {
				return err
			}
			return s.store.Put(ctx, j)
		}
		now := s.now()
		j.ResetToPreviousState(now)
		if j.Status == job.StatusWaiting {
			if err := j.Transition(job.Success, now); err != nil {
				return err
			}
		}
		s.log.Info("job retried", zap.String("job_id", id), zap.String("status", string(j.Status)))
		return s.store.Put(ctx, j)
	})
	if err != nil {
		return err
	}
	s.Enqueue(id)
	return nil
}

// Abort cancels a job's running work and aborts it. Work that could not be
// cancelled is returned as an error; the job is aborted regardless and the
// outstanding operations stay recorded on its steps. Aborting such a job
// again retries only the outstanding cancellations and releases the job
// once they succeed.
func (s *Scheduler) Abort(ctx context.Context, id string) error {
	return s.withJob(id, func() error {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		again := j.Status == job.StatusAborted && hasOutstanding(j)
		if j.Status.IsTerminal() && !again {
			return fmt.Errorf("%w: job %s is %s", job.ErrInvalidTransition, id, j.Status)
		}
		var (
			cancelErr error
			k         Kind
		)
		if j.Type == job.TypeComposite {
			for _, cid := range j.Children {
				if err := s.Abort(ctx, cid); err != nil && !isNotWaiting(err) {
					cancelErr = multierr.Append(cancelErr, err)
				}
			}
		} else {
			if k, err = s.kindOf(j); err != nil {
				return err
			}
			cancelErr = k.Cancel(ctx, j)
			if cancelErr != nil {
				s.log.Error("cancel incomplete", zap.String("job_id", id), zap.Error(cancelErr))
			}
		}
		if !again {
			if err := j.Abort(job.ErrorTypeAborted, job.Cancelled, s.now()); err != nil {
				return err
			}
		}
		if cancelErr == nil && k != nil {
			s.finish(k, j)
		} else {
			s.forget(id)
		}
		if err := s.store.Put(ctx, j); err != nil {
			return multierr.Append(cancelErr, err)
		}
		s.log.Info("job aborted", zap.String("job_id", id), zap.Bool("retried", again))
		return cancelErr
	})
}

// ResolveStep applies an operator decision to an unknown step and
// schedules the job.
func (s *Scheduler) ResolveStep(ctx context.Context, jobID, stepID string, action Resolution) error {
	err := s.withJob(jobID, func() error {
		j, err := s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status != job.StatusExecuting {
			return fmt.Errorf("%w: job %s is %s", ErrNotResolvable, jobID, j.Status)
		}
		k, err := s.kindOf(j)
		if err != nil {
			return err
		}
		r, ok := k.(Resolver)
		if !ok {
			return fmt.Errorf("%w: %s jobs have no steps", ErrNotResolvable, j.Type)
		}
		if err := r.Resolve(ctx, j, stepID, action); err != nil {
			return err
		}
		return s.store.Put(ctx, j)
	})
	if err != nil {
		return err
	}
	s.Enqueue(jobID)
	return nil
}

// GC deletes expired jobs together with their stored objects. Jobs that
// are being processed are skipped until the next run.
func (s *Scheduler) GC(ctx context.Context) (int, error) {
	expired, err := s.store.Expired(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	var errs error
	for _, j := range expired {
		err := s.withJob(j.ID, func() error {
			if s.objects != nil {
				if err := s.objects.DeleteTree(ctx, objectstore.JobPrefix(j.ID)); err != nil {
					return err
				}
			}
			return s.store.Delete(ctx, j.ID)
		})
		switch {
		case err == nil:
			deleted++
			s.forget(j.ID)
			s.log.Info("expired job deleted", zap.String("job_id", j.ID))
		case errors.Is(err, ErrBusy):
		default:
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", j.ID, err))
		}
	}
	return deleted, errs
}

// Get returns a job with composite children expanded.
func (s *Scheduler) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.GetExpanded(ctx, id)
}

// List returns matching jobs, newest first.
func (s *Scheduler) List(ctx context.Context, f jobstore.Filter) ([]*job.Job, error) {
	return s.store.List(ctx, f)
}
