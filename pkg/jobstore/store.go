package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// Store is the job repository used by the orchestrator and the operator
// surfaces.
type Store struct {
	backend    Backend
	retention  time.Duration
	presigner  objectstore.Presigner
	presignTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	// createMu serializes the duplicate check and the write in Create.
	createMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithRetention assigns exp = now + d to jobs on their first Put.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithPresigner regenerates download URLs of finalized export objects on read.
func WithPresigner(p objectstore.Presigner, ttl time.Duration) Option {
	return func(s *Store) {
		s.presigner = p
		s.presignTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps a backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		presignTTL: time.Hour,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// Get reads a job. Children stay as ids.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.presign(ctx, j)
	return j, nil
}

// GetExpanded reads a job and loads its children into ChildJobs.
func (s *Store) GetExpanded(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ResolveChildren(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ResolveChildren loads j's children in order. A child that no longer
// exists is an error.
func (s *Store) ResolveChildren(ctx context.Context, j *job.Job) error {
	j.ChildJobs = make([]*job.Job, 0, len(j.Children))
	for _, id := range j.Children {
		c, err := s.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve child %s of %s: %w", id, j.ID, err)
		}
		j.ChildJobs = append(j.ChildJobs, c)
	}
	return nil
}

// List returns matching jobs, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*job.Job, error) {
	jobs, err := s.backend.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		s.presign(ctx, j)
	}
	return jobs, nil
}

// Put persists the job. On the first Put with a retention configured, exp
// is assigned and propagated to every child that would expire earlier.
func (s *Store) Put(ctx context.Context, j *job.Job) error {
	assigned := false
	if s.retention > 0 && j.Exp == 0 {
		j.Exp = s.now().Add(s.retention).Unix()
		assigned = true
	}
	if err := s.backend.Put(ctx, j); err != nil {
		return err
	}
	if assigned && len(j.Children) > 0 {
		return s.propagateExp(ctx, j)
	}
	return nil
}

func (s *Store) propagateExp(ctx context.Context, parent *job.Job) error {
	for _, id := range parent.Children {
		c, err := s.backend.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("propagate exp to %s: %w", id, err)
		}
		if c.Exp >= parent.Exp {
			continue
		}
		c.Exp = parent.Exp
		if err := s.backend.Put(ctx, c); err != nil {
			return fmt.Errorf("propagate exp to %s: %w", id, err)
		}
	}
	return nil
}

// Create persists a new job after rejecting duplicates: another job of the
// same type against the same target whose status is not waiting, failed
// or finalized. Creates through the same Store are serialized.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if j.Target != nil && j.Target.Key != "" {
		existing, err := s.FindRunning(ctx, j.Type, j.Target.Key)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ID != j.ID {
				return fmt.Errorf("%w: job %s already targets %s", ErrDuplicateJob, e.ID, j.Target.Key)
			}
		}
	}
	return s.Put(ctx, j)
}

// FindRunning lists jobs of typ targeting key that block a new job.
func (s *Store) FindRunning(ctx context.Context, typ job.Type, key string) ([]*job.Job, error) {
	jobs, err := s.backend.List(ctx, Filter{Type: typ, Key: key, Direction: DirectionTarget})
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		switch j.Status {
		case job.StatusWaiting, job.StatusFailed, job.StatusFinalized:
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Delete removes a job.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// Expired lists jobs whose exp has passed.
func (s *Store) Expired(ctx context.Context) ([]*job.Job, error) {
	jobs, err := s.backend.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	var out []*job.Job
	for _, j := range jobs {
		if j.Exp > 0 && j.Exp <= now {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) presign(ctx context.Context, j *job.Job) {
	if s.presigner == nil || j.Status != job.StatusFinalized {
		return
	}
	for i := range j.ExportObjects {
		obj := &j.ExportObjects[i]
		if obj.DownloadURL != "" {
			continue
		}
		url, err := s.presigner.PresignGet(ctx, obj.Key, s.presignTTL)
		if err != nil {
			s.logger.Warn("presign export object failed",
				zap.String("job_id", j.ID),
				zap.String("key", obj.Key),
				zap.Error(err))
			continue
		}
		obj.DownloadURL = url
	}
}
