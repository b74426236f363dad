package importqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/job"
)

// Importer loads one file into the job's target. The returned details are
// recorded on the file.
type Importer interface {
	ImportFile(ctx context.Context, j *job.Job, obj job.ImportObject) (details string, err error)
}

// ImporterFunc adapts a function to Importer.
type ImporterFunc func(ctx context.Context, j *job.Job, obj job.ImportObject) (string, error)

func (f ImporterFunc) ImportFile(ctx context.Context, j *job.Job, obj job.ImportObject) (string, error) {
	return f(ctx, j, obj)
}

// Config configures a Queue.
type Config struct {
	CompressedMultiplier int64

	// Timeout bounds each file import. Zero means no limit.
	Timeout time.Duration

	Logger *zap.Logger
}

// Queue runs import passes against a shared Admission.
type Queue struct {
	adm        *Admission
	importer   Importer
	multiplier int64
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates a queue.
func New(adm *Admission, importer Importer, cfg Config) *Queue {
	if cfg.CompressedMultiplier <= 0 {
		cfg.CompressedMultiplier = DefaultCompressedMultiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue{adm: adm, importer: importer, multiplier: cfg.CompressedMultiplier, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Admission returns the shared counter.
func (q *Queue) Admission() *Admission { return q.adm }

// PassResult summarizes one pass.
type PassResult struct {
	Admitted int
	Deferred int
	Imported int
	Failed   int
	// Interrupted files were cut off by the pass context and wait again.
	Interrupted int
	Bytes       int64
}

type fileResult struct {
	obj     *job.ImportObject
	details string
	err     error
}

// RunPass admits as many waiting files of j as fit, imports them
// concurrently and records each outcome on the file. Files that do not fit
// stay waiting for the next pass, and so do files whose import was cut off
// because ctx ended. The admission counter is released for every
// dispatched file regardless of outcome.
//
// RunPass mutates j; the caller must own the job for the duration.
func (q *Queue) RunPass(ctx context.Context, j *job.Job) (PassResult, error) {
	var res PassResult
	log := q.logger.With(zap.String("job_id", j.ID))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []fileResult
	)

	// Importers read a copy; only this goroutine mutates j.
	view := j.Clone()

	for _, obj := range j.ValidImportObjects() {
		if obj.Status != job.ObjectWaiting {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		size := EffectiveSize(obj.ByteSize, obj.Compressed, q.multiplier)
		if !q.adm.TryAdmit(size) {
			res.Deferred++
			continue
		}
		if err := obj.Begin(); err != nil {
			q.adm.Release(size)
			return res, err
		}
		res.Admitted++
		res.Bytes += size
		log.Debug("file admitted",
			zap.String("file", obj.Filename),
			zap.Int64("bytes", size),
			zap.Int64("inflight_bytes", q.adm.InFlight()))

		snapshot := *obj
		wg.Add(1)
		go func(obj *job.ImportObject, snapshot job.ImportObject, size int64) {
			defer wg.Done()
			defer q.adm.Release(size)

			details, err := q.importFile(ctx, view, snapshot)
			mu.Lock()
			results = append(results, fileResult{obj: obj, details: details, err: err})
			mu.Unlock()
		}(obj, snapshot, size)
	}

	wg.Wait()

	for _, r := range results {
		if r.err == nil {
			if err := r.obj.Complete(r.details); err != nil {
				return res, err
			}
			res.Imported++
			continue
		}
		if ctx.Err() != nil || errors.Is(r.err, context.Canceled) {
			r.obj.Interrupt()
			res.Interrupted++
			log.Info("file import interrupted", zap.String("file", r.obj.Filename), zap.Error(r.err))
			continue
		}
		c := job.ClassifyError(r.err)
		if err := r.obj.FailWith(c.Kind, fmt.Sprintf("%s: %v", c.Description, r.err)); err != nil {
			return res, err
		}
		res.Failed++
		log.Warn("file import failed", zap.String("file", r.obj.Filename), zap.Error(r.err))
	}

	return res, ctx.Err()
}

func (q *Queue) importFile(ctx context.Context, j *job.Job, obj job.ImportObject) (string, error) {
	if q.timeout <= 0 {
		return q.importer.ImportFile(ctx, j, obj)
	}
	fctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	details, err := q.importer.ImportFile(fctx, j, obj)
	if err != nil && ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("import of %s timed out after %s: %w", obj.Filename, q.timeout, err)
	}
	return details, err
}

// Decision is the job-level consequence of the files' states after a pass.
type Decision struct {
	Action      Action
	Description string
}

// Action tells the scheduler what to do with an import job.
type Action string

const (
	// Reschedule keeps the job executing and runs another pass later.
	Reschedule Action = "reschedule"
	// Proceed moves the job to executed.
	Proceed Action = "proceed"
	// FailJob moves the job to failed.
	FailJob Action = "fail"
	// AbortJob moves the job to aborted.
	AbortJob Action = "abort"
)

// Decide aggregates the valid files of a job. Any file still waiting or
// processing reschedules. Once all are terminal: a file aborted by a lost
// connection aborts the job, all failed fails it with ALL_IMPORTS_FAILED,
// some failed proceeds with IMPORTS_PARTIALLY_FAILED, none failed proceeds.
func Decide(j *job.Job) Decision {
	valid := j.ValidImportObjects()
	if len(valid) == 0 {
		return Decision{Action: FailJob, Description: job.NoValidFilesFound}
	}

	var failed, aborted int
	for _, o := range valid {
		switch o.Status {
		case job.ObjectWaiting, job.ObjectProcessing:
			return Decision{Action: Reschedule}
		case job.ObjectFailed:
			failed++
			if o.FailureKind == job.FailureAborted {
				aborted++
			}
		}
	}

	switch {
	case aborted > 0:
		return Decision{Action: AbortJob, Description: job.UnexpectedError}
	case failed == len(valid):
		return Decision{Action: FailJob, Description: job.AllImportsFailed}
	case failed > 0:
		return Decision{Action: Proceed, Description: job.ImportsPartiallyFailed}
	}
	return Decision{Action: Proceed}
}

// RecoverInterrupted returns files left in processing by a pass that did
// not finish (a crash or restart) to waiting. It must only be called when
// no pass for the job is running in this process.
func RecoverInterrupted(j *job.Job) int {
	n := 0
	for _, o := range j.ImportObjects {
		if o.Interrupt() {
			n++
		}
	}
	return n
}
