package orchestrator

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/importqueue"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// TableOps is the target-table surface import jobs need.
type TableOps interface {
	TableExists(ctx context.Context, database, schema, table string) (bool, error)
	CreateIndex(ctx context.Context, database, schema, table string, idx job.Index) error
}

// ImportConfig configures ImportKind.
type ImportConfig struct {
	Objects objectstore.Store
	Tables  TableOps
	Queue   *importqueue.Queue

	// Schema holds target tables.
	Schema string

	// Include restricts which uploaded inputs are imported. Patterns use
	// doublestar syntax against file names; empty means everything.
	Include []string

	Logger *zap.Logger
}

// ImportKind loads uploaded files into a target table.
type ImportKind struct {
	cfg ImportConfig
	log *zap.Logger
}

var _ Kind = (*ImportKind)(nil)

// NewImportKind validates the config and creates the kind.
func NewImportKind(cfg ImportConfig) (*ImportKind, error) {
	if cfg.Objects == nil || cfg.Tables == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("import kind needs an object store, table ops and a queue")
	}
	for _, p := range cfg.Include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ImportKind{cfg: cfg, log: cfg.Logger}, nil
}

func (k *ImportKind) Type() job.Type { return job.TypeImport }

func (k *ImportKind) included(name string) bool {
	if len(k.cfg.Include) == 0 {
		return true
	}
	for _, p := range k.cfg.Include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Validate reconciles declared files with uploaded inputs and checks the
// first record of every uploaded file. Declared files that were never
// uploaded get MissingSize and are skipped.
func (k *ImportKind) Validate(ctx context.Context, j *job.Job) (Result, error) {
	switch j.CSVFormat {
	case job.FormatGeoJSON, job.FormatCSVJSONWKB, job.FormatCSVGeoJSON:
	default:
		return failed(job.InvalidFile), nil
	}
	if j.Database == "" || j.TargetTable == "" {
		return failed(job.TargetTableMissing), nil
	}

	entries, err := k.cfg.Objects.Scan(ctx, objectstore.InputPrefix(j.ID))
	if err != nil {
		return Result{}, fmt.Errorf("scan inputs of %s: %w", j.ID, err)
	}
	uploaded := make(map[string]objectstore.Entry, len(entries))
	var order []string
	for _, e := range entries {
		name := e.Name()
		if !k.included(name) {
			continue
		}
		uploaded[name] = e
		order = append(order, name)
	}
	if len(uploaded) == 0 {
		return failed(job.UploadMissing), nil
	}

	for _, o := range j.ImportObjects {
		e, ok := uploaded[o.Filename]
		if !ok {
			o.ByteSize = job.MissingSize
			o.Valid = false
			o.Details = "not uploaded"
			continue
		}
		o.Key = e.Key
		o.ByteSize = e.Size
		o.Compressed = e.Compressed()
		delete(uploaded, o.Filename)
	}
	for _, name := range order {
		e, ok := uploaded[name]
		if !ok {
			continue
		}
		j.ImportObjects = append(j.ImportObjects, job.NewImportObject(name, e.Key, e.Size, e.Compressed()))
	}

	invalid := 0
	for _, o := range j.ImportObjects {
		if o.ByteSize == job.MissingSize {
			continue
		}
		line, err := readFirstRecord(ctx, k.cfg.Objects, o.Key)
		if err == nil {
			err = checkFirstRecord(j.CSVFormat, line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			o.Valid = false
			o.Details = err.Error()
			invalid++
			k.log.Info("import file rejected", zap.String("job_id", j.ID), zap.String("file", o.Filename), zap.Error(err))
			continue
		}
		o.Valid = true
	}

	switch {
	case invalid > 0:
		return failed(job.InvalidFile), nil
	case len(j.ValidImportObjects()) == 0:
		return failed(job.NoValidFilesFound), nil
	}
	return done(), nil
}

// Prepare checks the target table exists.
func (k *ImportKind) Prepare(ctx context.Context, j *job.Job) (Result, error) {
	ok, err := k.cfg.Tables.TableExists(ctx, j.Database, k.cfg.Schema, j.TargetTable)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return failed(job.TargetTableMissing), nil
	}
	return done(), nil
}

// Execute runs one admission pass and aggregates the files' states.
func (k *ImportKind) Execute(ctx context.Context, j *job.Job) (Result, error) {
	if n := importqueue.RecoverInterrupted(j); n > 0 {
		k.log.Warn("recovered interrupted import files", zap.String("job_id", j.ID), zap.Int("files", n))
	}
	res, err := k.cfg.Queue.RunPass(ctx, j)
	if err != nil {
		return Result{}, err
	}
	k.log.Debug("import pass finished",
		zap.String("job_id", j.ID),
		zap.Int("admitted", res.Admitted),
		zap.Int("deferred", res.Deferred),
		zap.Int("failed", res.Failed))

	d := importqueue.Decide(j)
	switch d.Action {
	case importqueue.Reschedule:
		return pending(), nil
	case importqueue.FailJob:
		return failed(d.Description), nil
	case importqueue.AbortJob:
		return aborted(d.Description), nil
	}
	return doneWith(d.Description), nil
}

// Finalize builds the requested indices.
func (k *ImportKind) Finalize(ctx context.Context, j *job.Job) error {
	for _, idx := range j.IdxList {
		if err := k.cfg.Tables.CreateIndex(ctx, j.Database, k.cfg.Schema, j.TargetTable, idx); err != nil {
			return &PhaseError{Description: job.IdxCreationFailed, Err: err}
		}
	}
	return nil
}

// Cancel has nothing to stop: passes run inside the worker.
func (k *ImportKind) Cancel(ctx context.Context, j *job.Job) error { return nil }
