package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// Scheduler defaults.
const (
	DefaultWorkers           = 4
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultFinalizeRetries   = 3
	DefaultFinalizeBackoff   = 2 * time.Second
)

// maxTransitions bounds the phases one pass may advance through.
const maxTransitions = 16

// activeStatuses are polled for work.
var activeStatuses = []job.Status{
	job.StatusValidating,
	job.StatusQueued,
	job.StatusPreparing,
	job.StatusPrepared,
	job.StatusExecuting,
	job.StatusExecuted,
	job.StatusFinalizing,
}

// Config configures a Scheduler.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	FinalizeRetries   int
	FinalizeBackoff   time.Duration

	// GCInterval enables periodic deletion of expired jobs when positive.
	GCInterval time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.FinalizeRetries <= 0 {
		c.FinalizeRetries = DefaultFinalizeRetries
	}
	if c.FinalizeBackoff < 0 {
		c.FinalizeBackoff = 0
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Scheduler owns the worker pool. A job is handled by at most one
// goroutine at a time: workers and operator commands both acquire it
// first. Callbacks are queued per job and applied by whoever owns it next.
type Scheduler struct {
	store   *jobstore.Store
	objects objectstore.Store
	inbox   *callback.Inbox
	kinds   map[job.Type]Kind
	cfg     Config
	log     *zap.Logger
	sleep   func(context.Context, time.Duration) error

	work chan string

	mu        sync.Mutex
	inflight  map[string]bool
	queued    map[string]bool
	again     map[string]bool
	events    map[string][]callback.Message
	lastBeats map[string]time.Time
}

// New creates a scheduler. objects may be nil, in which case garbage
// collection only deletes job records.
func New(store *jobstore.Store, objects objectstore.Store, inbox *callback.Inbox, cfg Config, kinds ...Kind) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		store:     store,
		objects:   objects,
		inbox:     inbox,
		kinds:     make(map[job.Type]Kind, len(kinds)),
		cfg:       cfg,
		log:       cfg.Logger,
		sleep:     sleepContext,
		work:      make(chan string, 1024),
		inflight:  make(map[string]bool),
		queued:    make(map[string]bool),
		again:     make(map[string]bool),
		events:    make(map[string][]callback.Message),
		lastBeats: make(map[string]time.Time),
	}
	for _, k := range kinds {
		s.kinds[k.Type()] = k
	}
	return s
}

func (s *Scheduler) now() time.Time { return s.cfg.Clock().UTC() }

// Store returns the job store.
func (s *Scheduler) Store() *jobstore.Store { return s.store }

func (s *Scheduler) kindOf(j *job.Job) (Kind, error) {
	k, ok := s.kinds[j.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, j.Type)
	}
	return k, nil
}

// Run starts the workers, the callback receive loop, the poller and the
// optional garbage collector, and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval))

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	if s.inbox != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.receive(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.PollInterval, func() {
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("poll failed", zap.Error(err))
			}
		})
	}()
	if s.cfg.GCInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, s.cfg.GCInterval, func() {
				if n, err := s.GC(ctx); err != nil {
					s.log.Warn("gc failed", zap.Int("deleted", n), zap.Error(err))
				}
			})
		}()
	}

	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) every(ctx context.Context, d time.Duration, fn func()) {
	fn()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.work:
			s.mu.Lock()
			delete(s.queued, id)
			s.mu.Unlock()
			if err := s.Process(ctx, id); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				s.log.Warn("process job failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

// receive turns inbound callbacks into per-job events.
func (s *Scheduler) receive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-s.inbox.Messages():
			if !ok {
				return
			}
			s.Notify(m)
		}
	}
}

// Notify queues a callback for the job it belongs to and schedules the job.
func (s *Scheduler) Notify(m callback.Message) {
	s.mu.Lock()
	s.events[m.JobID] = append(s.events[m.JobID], m)
	s.mu.Unlock()
	s.Enqueue(m.JobID)
}

// Enqueue schedules a job for processing. A job already queued is not
// queued twice; a job being processed is processed again afterwards.
func (s *Scheduler) Enqueue(id string) {
	s.mu.Lock()
	if s.inflight[id] {
		s.again[id] = true
		s.mu.Unlock()
		return
	}
	if s.queued[id] {
		s.mu.Unlock()
		return
	}
	s.queued[id] = true
	s.mu.Unlock()

	select {
	case s.work <- id:
	default:
		// The poller picks it up later.
		s.mu.Lock()
		delete(s.queued, id)
		s.mu.Unlock()
	}
}

// Poll enqueues every job with pending work.
func (s *Scheduler) Poll(ctx context.Context) error {
	jobs, err := s.store.List(ctx, jobstore.Filter{Statuses: activeStatuses})
	if err != nil {
		return err
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		s.Enqueue(jobs[i].ID)
	}
	aborted, err := s.store.List(ctx, jobstore.Filter{Statuses: []job.Status{job.StatusAborted}})
	if err != nil {
		return err
	}
	for _, j := range aborted {
		if hasOutstanding(j) {
			s.Enqueue(j.ID)
		}
	}
	return nil
}

// hasOutstanding reports whether an unfinished step of j still tracks
// operations.
func hasOutstanding(j *job.Job) bool {
	for _, rec := range j.Steps {
		if !rec.Status.IsTerminal() && len(rec.RunningOperations) > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	again := s.again[id]
	delete(s.again, id)
	s.mu.Unlock()
	if again {
		s.Enqueue(id)
	}
}

func (s *Scheduler) takeEvents(id string) []callback.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[id]
	delete(s.events, id)
	return ev
}

// withJob runs fn while owning the job.
func (s *Scheduler) withJob(id string, fn func() error) error {
	if !s.acquire(id) {
		s.mu.Lock()
		s.again[id] = true
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer s.release(id)
	return fn()
}

// Process applies queued callbacks to a job and advances it as far as it
// can go. It returns ErrBusy when another goroutine owns the job.
func (s *Scheduler) Process(ctx context.Context, id string) error {
	return s.withJob(id, func() error {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			if jobstore.IsNotFound(err) {
				s.takeEvents(id)
				return nil
			}
			return err
		}
		if j.Type == job.TypeComposite {
			_, err := s.derive(ctx, j)
			return err
		}
		k, err := s.kindOf(j)
		if err != nil {
			return err
		}
		if err := s.applyEvents(ctx, k, j); err != nil {
			return err
		}
		if j.Status == job.StatusAborted {
			return s.settle(ctx, k, j)
		}
		if err := s.heartbeat(ctx, k, j); err != nil {
			return err
		}
		return s.advance(ctx, k, j)
	})
}

func (s *Scheduler) applyEvents(ctx context.Context, k Kind, j *job.Job) error {
	events := s.takeEvents(j.ID)
	if len(events) == 0 {
		return nil
	}
	h, ok := k.(CallbackHandler)
	if !ok || j.Status.IsTerminal() {
		s.log.Debug("callbacks ignored", zap.String("job_id", j.ID), zap.String("status", string(j.Status)), zap.Int("count", len(events)))
		return nil
	}
	changed := false
	for _, m := range events {
		if h.ApplyCallback(ctx, j, m) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.store.Put(ctx, j)
}

func (s *Scheduler) heartbeat(ctx context.Context, k Kind, j *job.Job) error {
	hb, ok := k.(Heartbeater)
	if !ok || j.Status != job.StatusExecuting {
		return nil
	}
	now := s.now()
	if !s.beatDue(j.ID, now) {
		return nil
	}
	changed, err := hb.Heartbeat(ctx, j, now)
	if changed {
		if perr := s.store.Put(ctx, j); perr != nil {
			return multierr.Append(err, perr)
		}
	}
	return err
}

func (s *Scheduler) beatDue(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastBeats[id]) < s.cfg.HeartbeatInterval {
		return false
	}
	s.lastBeats[id] = now
	return true
}

// settle retries the cancellation of operations an aborted job still
// tracks, at the heartbeat interval, and releases the job once none
// remain.
func (s *Scheduler) settle(ctx context.Context, k Kind, j *job.Job) error {
	if !hasOutstanding(j) || !s.beatDue(j.ID, s.now()) {
		return nil
	}
	cancelErr := k.Cancel(ctx, j)
	if err := s.store.Put(ctx, j); err != nil {
		return multierr.Append(cancelErr, err)
	}
	if cancelErr != nil {
		s.log.Debug("operations still outstanding", zap.String("job_id", j.ID), zap.Error(cancelErr))
		return nil
	}
	s.finish(k, j)
	s.log.Info("outstanding operations settled", zap.String("job_id", j.ID))
	return nil
}

// advance drives the job through its phases until it has to wait.
func (s *Scheduler) advance(ctx context.Context, k Kind, j *job.Job) error {
	log := s.log.With(zap.String("job_id", j.ID))
	for i := 0; i < maxTransitions; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := j.Status
		var (
			res Result
			err error
		)
		switch j.Status {
		case job.StatusValidating:
			res, err = k.Validate(ctx, j)
			if err == nil {
				err = s.apply(j, res, job.ErrorTypeValidation)
			}
		case job.StatusPreparing:
			res, err = k.Prepare(ctx, j)
			if err == nil {
				err = s.apply(j, res, job.ErrorTypeValidation)
			}
		case job.StatusExecuting:
			res, err = k.Execute(ctx, j)
			if err == nil {
				err = s.apply(j, res, job.ErrorTypeExecution)
			}
		case job.StatusFinalizing:
			err = s.finalize(ctx, k, j)
		case job.StatusQueued, job.StatusPrepared, job.StatusExecuted:
			err = j.Transition(job.Success, s.now())
		default:
			return nil
		}
		if err != nil {
			if perr := s.store.Put(ctx, j); perr != nil {
				log.Warn("persist after phase error failed", zap.Error(perr))
			}
			return fmt.Errorf("%s phase of %s: %w", before, j.ID, err)
		}
		if perr := s.store.Put(ctx, j); perr != nil {
			return perr
		}
		if j.Status == before {
			return nil
		}
		log.Info("job status changed", zap.String("from", string(before)), zap.String("status", string(j.Status)))
		if j.Status.IsTerminal() {
			s.finish(k, j)
			return nil
		}
	}
	s.Enqueue(j.ID)
	return nil
}

// apply maps a phase result onto the job.
func (s *Scheduler) apply(j *job.Job, r Result, errorType string) error {
	now := s.now()
	switch r.Verdict {
	case Done:
		if r.Description != "" {
			j.NoteError(errorType, r.Description)
		}
		return j.Transition(job.Success, now)
	case Failed:
		return j.Fail(errorType, r.Description, now)
	case Aborted:
		return j.Abort(job.ErrorTypeAborted, r.Description, now)
	}
	return nil
}

// finalize retries the kind's post-processing with linear backoff. A job
// that carries an error other than a partial import failure fails once
// finalization is done.
func (s *Scheduler) finalize(ctx context.Context, k Kind, j *job.Job) error {
	var err error
	for attempt := 1; attempt <= s.cfg.FinalizeRetries; attempt++ {
		if err = k.Finalize(ctx, j); err == nil {
			break
		}
		s.log.Warn("finalize failed",
			zap.String("job_id", j.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < s.cfg.FinalizeRetries {
			if serr := s.sleep(ctx, time.Duration(attempt)*s.cfg.FinalizeBackoff); serr != nil {
				return serr
			}
		}
	}
	now := s.now()
	switch {
	case err != nil && job.IsConnectionLost(err):
		return j.Abort(job.ErrorTypeAborted, job.UnexpectedError, now)
	case err != nil:
		return j.Fail(job.ErrorTypeFinalization, describe(err, job.UnexpectedError), now)
	case j.ErrorDescription != "" && j.ErrorDescription != job.ImportsPartiallyFailed:
		return j.Transition(job.Failure, now)
	}
	return j.Transition(job.Success, now)
}

// finish releases what a job held once it is terminal.
func (s *Scheduler) finish(k Kind, j *job.Job) {
	if r, ok := k.(Releaser); ok {
		r.Release(j)
	}
	s.forget(j.ID)
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastBeats, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
