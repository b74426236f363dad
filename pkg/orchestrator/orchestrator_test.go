package orchestrator

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/importqueue"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/objectstore/file"
	"github.com/3leaps/geoxfer/pkg/resource"
	"github.com/3leaps/geoxfer/pkg/step"
)

const feature = `{"type":"Feature","geometry":{"type":"Point","coordinates":[8.5,47.4]},"properties":{"name":"a"}}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTables keeps target tables in memory.
type fakeTables struct {
	mu       sync.Mutex
	tables   map[string]bool
	indexes  []string
	attempts int
	indexErr error
}

func tableKey(database, schema, table string) string {
	return database + "/" + schema + "." + table
}

func (f *fakeTables) add(database, table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableKey(database, "public", table)] = true
}

func (f *fakeTables) TableExists(ctx context.Context, database, schema, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[tableKey(database, schema, table)], nil
}

func (f *fakeTables) CreateIndex(ctx context.Context, database, schema, table string, idx job.Index) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.indexErr != nil {
		return f.indexErr
	}
	f.indexes = append(f.indexes, idx.Name)
	return nil
}

// fakeImporter fails the files named in fail.
type fakeImporter struct {
	mu       sync.Mutex
	fail     map[string]error
	imported []string
}

func (f *fakeImporter) ImportFile(ctx context.Context, j *job.Job, obj job.ImportObject) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[obj.Filename]; err != nil {
		return "", err
	}
	f.imported = append(f.imported, obj.Filename)
	return "1 rows imported", nil
}

// mockBackend simulates a database that runs dispatched statements until
// they are finished or cancelled.
type mockBackend struct {
	mu          sync.Mutex
	id          string
	dispatched  []string
	running     map[string]bool
	cancelFails map[string]bool
	dispatchErr error
	row         []any

	// onDispatch and onQuery run before the backend does anything.
	onDispatch func(step.Labels)
	onQuery    func()
}

func newMockBackend(id string) *mockBackend {
	return &mockBackend{id: id, running: make(map[string]bool), cancelFails: make(map[string]bool)}
}

func (m *mockBackend) ID() string { return m.id }

func (m *mockBackend) Exec(ctx context.Context, labels step.Labels, sql string, args ...any) (int64, error) {
	return 1, nil
}

func (m *mockBackend) QueryRow(ctx context.Context, labels step.Labels, sql string, args ...any) ([]any, error) {
	if m.onQuery != nil {
		m.onQuery()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.row, nil
}

func (m *mockBackend) Dispatch(ctx context.Context, labels step.Labels, sql string) error {
	if m.onDispatch != nil {
		m.onDispatch(labels)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatchErr != nil {
		return m.dispatchErr
	}
	m.dispatched = append(m.dispatched, labels.OperationID)
	m.running[labels.OperationID] = true
	return nil
}

func (m *mockBackend) IsRunning(ctx context.Context, operationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[operationID], nil
}

func (m *mockBackend) CancelOperation(ctx context.Context, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFails[operationID] {
		return fmt.Errorf("cannot cancel %s", operationID)
	}
	delete(m.running, operationID)
	return nil
}

func (m *mockBackend) finish(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, opID)
}

func (m *mockBackend) dispatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatched)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	objects  *file.Store
	store    *jobstore.Store
	ledger   *resource.Ledger
	backend  *mockBackend
	tables   *fakeTables
	importer *fakeImporter
	sched    *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		ledger:   resource.NewLedger(resource.Static{Name: "db", Units: 10}),
		backend:  newMockBackend("db"),
		tables:   &fakeTables{tables: make(map[string]bool)},
		importer: &fakeImporter{fail: make(map[string]error)},
	}

	objects, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	h.objects = objects
	h.store = jobstore.New(jobstore.NewFileBackend(t.TempDir()),
		jobstore.WithRetention(time.Hour),
		jobstore.WithClock(h.clock.Now))

	adm, err := importqueue.NewAdmission(importqueue.DefaultMaxInFlightBytes)
	require.NoError(t, err)
	imports, err := NewImportKind(ImportConfig{
		Objects: objects,
		Tables:  h.tables,
		Queue:   importqueue.New(adm, h.importer, importqueue.Config{}),
	})
	require.NoError(t, err)

	registry := step.NewRegistry(step.Deps{
		Ledger: h.ledger,
		Backends: func(id string) (step.Backend, bool) {
			if id == h.backend.ID() {
				return h.backend, true
			}
			return nil, false
		},
		Objects:         objects,
		CallbackChannel: "geoxfer_test",
	})
	steps, err := NewStepsKind(StepsConfig{
		Registry:     registry,
		Ledger:       h.ledger,
		Objects:      objects,
		Store:        h.store,
		UnknownGrace: time.Minute,
		Clock:        h.clock.Now,
	})
	require.NoError(t, err)

	h.sched = New(h.store, objects, nil, Config{Clock: h.clock.Now}, imports, steps)
	h.sched.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func (h *harness) upload(jobID, name string, data []byte) {
	h.t.Helper()
	require.NoError(h.t, objectstore.PutBytes(h.ctx, h.objects, objectstore.InputPrefix(jobID)+name, data, objectstore.PutOptions{}))
}

func (h *harness) importJob(id, table string) *job.Job {
	j := job.New(id, job.TypeImport, h.clock.Now())
	j.Database = "db"
	j.TargetTable = table
	j.CSVFormat = job.FormatGeoJSON
	j.Target = &job.Descriptor{Key: "db.public." + table}
	return j
}

func asyncStep(id, jobID string, units float64) *step.Record {
	cfg := fmt.Sprintf(`{"database":"db","statement":"UPDATE buildings SET height = 3","estimated_units":%g,"output_key":%q}`,
		units, objectstore.OutputPrefix(jobID, id))
	return step.NewRecord(id, jobID, step.TypeAsyncSQL, []byte(cfg))
}

func statsStep(id, jobID, table string) *step.Record {
	cfg := fmt.Sprintf(`{"database":"db","table":%q,"estimated_units":1}`, table)
	return step.NewRecord(id, jobID, step.TypeTableStats, []byte(cfg))
}

func (h *harness) stepsJob(id string, recs ...*step.Record) *job.Job {
	j := job.New(id, job.TypeSteps, h.clock.Now())
	j.Steps = recs
	return j
}

func (h *harness) process(id string) {
	h.t.Helper()
	require.NoError(h.t, h.sched.Process(h.ctx, id))
}

func (h *harness) get(id string) *job.Job {
	h.t.Helper()
	j, err := h.store.Get(h.ctx, id)
	require.NoError(h.t, err)
	return j
}

func (h *harness) opID(jobID, stepID string) string {
	h.t.Helper()
	for _, rec := range h.get(jobID).Steps {
		if rec.ID == stepID {
			require.NotEmpty(h.t, rec.RunningOperations)
			return rec.RunningOperations[len(rec.RunningOperations)-1].ID
		}
	}
	h.t.Fatalf("job %s has no step %s", jobID, stepID)
	return ""
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestImport_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.tables.add("db", "buildings")
	h.upload("imp-1", "a.geojson", []byte(feature+"\n"+feature+"\n"))
	h.upload("imp-1", "b.geojson.gz", gzipped(t, feature+"\n"))

	j := h.importJob("imp-1", "buildings")
	j.IdxList = []job.Index{{Name: "buildings_geo_idx", Columns: []string{"geo"}, Using: "gist"}}
	require.NoError(t, h.sched.Submit(h.ctx, j))
	h.process("imp-1")

	got := h.get("imp-1")
	assert.Equal(t, job.StatusFinalized, got.Status)
	assert.Empty(t, got.ErrorDescription)
	require.Len(t, got.ImportObjects, 2)
	for _, o := range got.ImportObjects {
		assert.True(t, o.Valid, o.Filename)
		assert.Equal(t, job.ObjectImported, o.Status, o.Filename)
	}
	gz, ok := got.ImportObject("b.geojson.gz")
	require.True(t, ok)
	assert.True(t, gz.Compressed)
	assert.Equal(t, []string{"buildings_geo_idx"}, h.tables.indexes)
	assert.NotZero(t, got.Exp)
}

func TestImport_DeclaredFileNotUploaded(t *testing.T) {
	h := newHarness(t)
	h.tables.add("db", "roads")
	h.upload("imp-2", "a.geojson", []byte(feature+"\n"))

	j := h.importJob("imp-2", "roads")
	j.ImportObjects = []*job.ImportObject{job.NewImportObject("missing.geojson", "", 0, false)}
	require.NoError(t, h.sched.Submit(h.ctx, j))
	h.process("imp-2")

	got := h.get("imp-2")
	assert.Equal(t, job.StatusFinalized, got.Status)
	missing, ok := got.ImportObject("missing.geojson")
	require.True(t, ok)
	assert.Equal(t, job.MissingSize, missing.ByteSize)
	assert.False(t, missing.Valid)
	assert.Equal(t, job.ObjectWaiting, missing.Status)
	assert.Equal(t, []string{"a.geojson"}, h.importer.imported)
}

func TestImport_ValidationFailures(t *testing.T) {
	t.Run("upload missing", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-3", "roads")))
		h.process("imp-3")

		got := h.get("imp-3")
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.StatusValidating, got.LastStatus)
		assert.Equal(t, job.ErrorTypeValidation, got.ErrorType)
		assert.Equal(t, job.UploadMissing, got.ErrorDescription)
	})

	t.Run("invalid file", func(t *testing.T) {
		h := newHarness(t)
		h.upload("imp-4", "a.geojson", []byte(feature+"\n"))
		h.upload("imp-4", "bad.geojson", []byte("id;name\n1;x\n"))
		require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-4", "roads")))
		h.process("imp-4")

		got := h.get("imp-4")
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.InvalidFile, got.ErrorDescription)
		bad, ok := got.ImportObject("bad.geojson")
		require.True(t, ok)
		assert.False(t, bad.Valid)
		assert.NotEmpty(t, bad.Details)
		assert.Empty(t, h.importer.imported)
	})

	t.Run("unknown format", func(t *testing.T) {
		h := newHarness(t)
		h.upload("imp-5", "a.geojson", []byte(feature+"\n"))
		j := h.importJob("imp-5", "roads")
		j.CSVFormat = "SHAPEFILE"
		require.NoError(t, h.sched.Submit(h.ctx, j))
		h.process("imp-5")

		assert.Equal(t, job.InvalidFile, h.get("imp-5").ErrorDescription)
	})
}

func TestImport_TargetTableMissingThenRetry(t *testing.T) {
	h := newHarness(t)
	h.upload("imp-6", "a.geojson", []byte(feature+"\n"))
	require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-6", "parcels")))
	h.process("imp-6")

	got := h.get("imp-6")
	require.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.StatusPreparing, got.LastStatus)
	assert.Equal(t, job.TargetTableMissing, got.ErrorDescription)

	h.tables.add("db", "parcels")
	require.NoError(t, h.sched.Retry(h.ctx, "imp-6"))
	got = h.get("imp-6")
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Empty(t, got.ErrorDescription)

	h.process("imp-6")
	assert.Equal(t, job.StatusFinalized, h.get("imp-6").Status)
}

func TestImport_PartialAndTotalFailure(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		h := newHarness(t)
		h.tables.add("db", "roads")
		h.upload("imp-7", "a.geojson", []byte(feature+"\n"))
		h.upload("imp-7", "b.geojson", []byte(feature+"\n"))
		h.importer.fail["b.geojson"] = errors.New("invalid geometry")

		require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-7", "roads")))
		h.process("imp-7")

		got := h.get("imp-7")
		assert.Equal(t, job.StatusFinalized, got.Status)
		assert.Equal(t, job.ErrorTypeExecution, got.ErrorType)
		assert.Equal(t, job.ImportsPartiallyFailed, got.ErrorDescription)
		b, _ := got.ImportObject("b.geojson")
		assert.Equal(t, job.ObjectFailed, b.Status)
	})

	t.Run("all failed", func(t *testing.T) {
		h := newHarness(t)
		h.tables.add("db", "roads")
		h.upload("imp-8", "a.geojson", []byte(feature+"\n"))
		h.importer.fail["a.geojson"] = errors.New("invalid geometry")

		require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-8", "roads")))
		h.process("imp-8")

		got := h.get("imp-8")
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.StatusExecuting, got.LastStatus)
		assert.Equal(t, job.AllImportsFailed, got.ErrorDescription)
	})
}

func TestImport_IndexCreationFailsAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.tables.add("db", "roads")
	h.tables.indexErr = errors.New("could not extend file")
	h.upload("imp-9", "a.geojson", []byte(feature+"\n"))

	j := h.importJob("imp-9", "roads")
	j.IdxList = []job.Index{{Name: "roads_idx", Columns: []string{"id"}}}
	require.NoError(t, h.sched.Submit(h.ctx, j))
	h.process("imp-9")

	got := h.get("imp-9")
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.StatusFinalizing, got.LastStatus)
	assert.Equal(t, job.ErrorTypeFinalization, got.ErrorType)
	assert.Equal(t, job.IdxCreationFailed, got.ErrorDescription)
	assert.Equal(t, DefaultFinalizeRetries, h.tables.attempts)
}

func TestImportKind_IncludePatterns(t *testing.T) {
	h := newHarness(t)
	_, err := NewImportKind(ImportConfig{Objects: h.objects, Tables: h.tables, Queue: &importqueue.Queue{}, Include: []string{"[a-"}})
	require.Error(t, err)

	k, err := NewImportKind(ImportConfig{Objects: h.objects, Tables: h.tables, Queue: &importqueue.Queue{}, Include: []string{"*.geojson"}})
	require.NoError(t, err)
	h.upload("imp-10", "a.geojson", []byte(feature+"\n"))
	h.upload("imp-10", "readme.txt", []byte("not a feature\n"))

	j := h.importJob("imp-10", "roads")
	res, err := k.Validate(h.ctx, j)
	require.NoError(t, err)
	assert.Equal(t, Done, res.Verdict)
	require.Len(t, j.ImportObjects, 1)
	assert.Equal(t, "a.geojson", j.ImportObjects[0].Filename)
}

func TestSteps_AsyncCallbackFlow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-1", asyncStep("s1", "steps-1", 6))))
	h.process("steps-1")

	got := h.get("steps-1")
	require.Equal(t, job.StatusExecuting, got.Status)
	assert.Equal(t, step.StatusRunning, got.Steps[0].Status)
	assert.Equal(t, 1, h.backend.dispatchCount())
	assert.Equal(t, 6.0, h.ledger.Claimed("steps-1", "db"))

	out := objectstore.OutputPrefix("steps-1", "s1")
	require.NoError(t, objectstore.PutBytes(h.ctx, h.objects, out+"part-0.csv", []byte("id\n1\n"), objectstore.PutOptions{}))

	op := h.opID("steps-1", "s1")
	h.sched.Notify(callback.Message{JobID: "steps-1", StepID: "s1", OperationID: "stale", Outcome: callback.Failed})
	h.sched.Notify(callback.Message{JobID: "steps-1", StepID: "s1", OperationID: op, Outcome: callback.Succeeded, OutputKey: out})
	h.process("steps-1")

	got = h.get("steps-1")
	assert.Equal(t, job.StatusFinalized, got.Status)
	assert.Equal(t, step.StatusSucceeded, got.Steps[0].Status)
	assert.Equal(t, []job.ExportObject{{Key: out + "part-0.csv", ByteSize: 5}}, got.ExportObjects)
	assert.False(t, h.ledger.Allotted("steps-1"))

	// duplicate delivery after the job finished
	h.sched.Notify(callback.Message{JobID: "steps-1", StepID: "s1", OperationID: op, Outcome: callback.Failed})
	h.process("steps-1")
	assert.Equal(t, job.StatusFinalized, h.get("steps-1").Status)
}

func TestSteps_UnknownAfterGraceThenResolve(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-2", asyncStep("s1", "steps-2", 4))))
	h.process("steps-2")
	op := h.opID("steps-2", "s1")

	// still running on the database
	h.clock.Advance(2 * time.Minute)
	h.process("steps-2")
	rec := h.get("steps-2").Steps[0]
	assert.Equal(t, step.StatusRunning, rec.Status)
	require.NotNil(t, rec.LastSeenRunning)
	assert.True(t, h.clock.Now().Equal(*rec.LastSeenRunning))

	// gone, but within the grace period
	h.backend.finish(op)
	h.clock.Advance(30 * time.Second)
	h.process("steps-2")
	assert.Equal(t, step.StatusRunning, h.get("steps-2").Steps[0].Status)

	h.clock.Advance(time.Minute)
	h.process("steps-2")
	got := h.get("steps-2")
	assert.Equal(t, job.StatusExecuting, got.Status)
	assert.Equal(t, step.StatusUnknown, got.Steps[0].Status)

	err := h.sched.ResolveStep(h.ctx, "steps-2", "s1", Resolution("retry"))
	assert.ErrorIs(t, err, ErrNotResolvable)

	require.NoError(t, h.sched.ResolveStep(h.ctx, "steps-2", "s1", ResolveResume))
	got = h.get("steps-2")
	assert.Equal(t, step.StatusRunning, got.Steps[0].Status)
	assert.Equal(t, 2, h.backend.dispatchCount())
	assert.Equal(t, 4.0, h.ledger.Claimed("steps-2", "db"))

	err = h.sched.ResolveStep(h.ctx, "steps-2", "s1", ResolveSucceeded)
	assert.ErrorIs(t, err, ErrNotResolvable)

	h.sched.Notify(callback.Message{JobID: "steps-2", StepID: "s1", OperationID: h.opID("steps-2", "s1"), Outcome: callback.Succeeded})
	h.process("steps-2")
	assert.Equal(t, job.StatusFinalized, h.get("steps-2").Status)
}

func TestSteps_ResolveUnknownAsSucceeded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-3", asyncStep("s1", "steps-3", 1), asyncStep("s2", "steps-3", 1))))
	h.process("steps-3")
	h.backend.finish(h.opID("steps-3", "s1"))
	h.clock.Advance(2 * time.Minute)
	h.process("steps-3")
	require.Equal(t, step.StatusUnknown, h.get("steps-3").Steps[0].Status)

	require.NoError(t, h.sched.ResolveStep(h.ctx, "steps-3", "s1", ResolveSucceeded))
	h.process("steps-3")

	got := h.get("steps-3")
	assert.Equal(t, step.StatusSucceeded, got.Steps[0].Status)
	assert.Equal(t, step.StatusRunning, got.Steps[1].Status)
	assert.Equal(t, 2, h.backend.dispatchCount())
}

func TestSteps_CapacityWait(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-a", asyncStep("s1", "steps-a", 6))))
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-b", asyncStep("s1", "steps-b", 6))))
	h.process("steps-a")
	h.process("steps-b")

	assert.Equal(t, job.StatusExecuting, h.get("steps-a").Status)
	assert.Equal(t, job.StatusPreparing, h.get("steps-b").Status)
	assert.False(t, h.ledger.Allotted("steps-b"))

	h.sched.Notify(callback.Message{JobID: "steps-a", StepID: "s1", Outcome: callback.Succeeded})
	h.process("steps-a")
	require.Equal(t, job.StatusFinalized, h.get("steps-a").Status)

	h.process("steps-b")
	assert.Equal(t, job.StatusExecuting, h.get("steps-b").Status)
	assert.Equal(t, 6.0, h.ledger.Claimed("steps-b", "db"))
}

func TestSteps_FailedCallbackThenRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-4", asyncStep("s1", "steps-4", 6))))
	h.process("steps-4")

	h.sched.Notify(callback.Message{
		JobID:        "steps-4",
		StepID:       "s1",
		OperationID:  h.opID("steps-4", "s1"),
		Outcome:      callback.Failed,
		ErrorCode:    "23505",
		ErrorMessage: `duplicate key value violates unique constraint "buildings_pkey"`,
	})
	h.process("steps-4")

	got := h.get("steps-4")
	require.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.StatusExecuting, got.LastStatus)
	assert.Equal(t, job.IDsNotUnique, got.ErrorDescription)
	assert.Equal(t, "23505", got.Steps[0].ErrorCode)
	assert.False(t, h.ledger.Allotted("steps-4"))

	require.NoError(t, h.sched.Retry(h.ctx, "steps-4"))
	got = h.get("steps-4")
	assert.Equal(t, job.StatusPrepared, got.Status)
	assert.Equal(t, step.StatusWaiting, got.Steps[0].Status)

	h.process("steps-4")
	got = h.get("steps-4")
	assert.Equal(t, job.StatusExecuting, got.Status)
	assert.Equal(t, step.StatusRunning, got.Steps[0].Status)
	assert.Len(t, got.Steps[0].RunningOperations, 1)
	assert.Equal(t, 2, h.backend.dispatchCount())
	assert.Equal(t, 6.0, h.ledger.Claimed("steps-4", "db"))
}

func TestSteps_OperationPersistedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	var (
		seen   *step.Record
		seenOp string
	)
	h.backend.onDispatch = func(l step.Labels) {
		j, err := h.store.Get(h.ctx, l.JobID)
		if err == nil {
			seen = j.Steps[0]
			seenOp = l.OperationID
		}
	}
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-13", asyncStep("s1", "steps-13", 6))))
	h.process("steps-13")

	require.NotNil(t, seen)
	assert.Equal(t, step.StatusRunning, seen.Status)
	require.Len(t, seen.RunningOperations, 1)
	assert.Equal(t, seenOp, seen.RunningOperations[0].ID)
	assert.Equal(t, 6.0, seen.ClaimedLoad["db"])

	// the stored operation is the one later callbacks refer to
	h.backend.onDispatch = nil
	h.sched.Notify(callback.Message{JobID: "steps-13", StepID: "s1", OperationID: seenOp, Outcome: callback.Succeeded})
	h.process("steps-13")
	assert.Equal(t, job.StatusFinalized, h.get("steps-13").Status)
	assert.Equal(t, 1, h.backend.dispatchCount())
}

func TestSteps_InterruptedSyncStepBecomesUnknown(t *testing.T) {
	h := newHarness(t)
	h.backend.row = []any{int64(3), int64(8192)}
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	var seen step.Status
	h.backend.onQuery = func() {
		if j, err := h.store.Get(h.ctx, "steps-14"); err == nil {
			seen = j.Steps[0].Status
		}
		cancel()
	}
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-14", statsStep("stats", "steps-14", "public.buildings"))))
	err := h.sched.Process(ctx, "steps-14")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, step.StatusRunning, seen)

	h.backend.onQuery = nil
	h.process("steps-14")
	got := h.get("steps-14")
	assert.Equal(t, job.StatusExecuting, got.Status)
	assert.Equal(t, step.StatusUnknown, got.Steps[0].Status)

	require.NoError(t, h.sched.ResolveStep(h.ctx, "steps-14", "stats", ResolveFailed))
	h.process("steps-14")
	assert.Equal(t, job.StatusFailed, h.get("steps-14").Status)
}

func TestSteps_DispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.dispatchErr = errors.New("permission denied for table buildings")
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-5", asyncStep("s1", "steps-5", 1))))
	h.process("steps-5")

	got := h.get("steps-5")
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.StepFailed, got.ErrorDescription)
	assert.Equal(t, codeDispatchFailed, got.Steps[0].ErrorCode)
	assert.Empty(t, got.Steps[0].RunningOperations)
}

func TestSteps_ValidationFailures(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-6")))
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-7", asyncStep("s1", "steps-7", 1), asyncStep("s1", "steps-7", 1))))
	bad := step.NewRecord("s1", "steps-8", step.TypeAsyncSQL, []byte(`{"database":"other","statement":"SELECT 1"}`))
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-8", bad)))

	for _, id := range []string{"steps-6", "steps-7", "steps-8"} {
		h.process(id)
		got := h.get(id)
		assert.Equal(t, job.StatusFailed, got.Status, id)
		assert.Equal(t, job.ErrorTypeValidation, got.ErrorType, id)
		assert.Equal(t, job.InvalidStep, got.ErrorDescription, id)
	}
	assert.Zero(t, h.backend.dispatchCount())
}

func TestAbort(t *testing.T) {
	t.Run("clean cancel", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-9", asyncStep("s1", "steps-9", 2), asyncStep("s2", "steps-9", 2))))
		h.process("steps-9")

		require.NoError(t, h.sched.Abort(h.ctx, "steps-9"))
		got := h.get("steps-9")
		assert.Equal(t, job.StatusAborted, got.Status)
		assert.Equal(t, job.Cancelled, got.ErrorDescription)
		assert.Equal(t, step.StatusCancelled, got.Steps[0].Status)
		assert.Equal(t, step.StatusCancelled, got.Steps[1].Status)
		assert.False(t, h.ledger.Allotted("steps-9"))

		err := h.sched.Abort(h.ctx, "steps-9")
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
	})

	t.Run("cancel fails", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-10", asyncStep("s1", "steps-10", 2))))
		h.process("steps-10")
		op := h.opID("steps-10", "s1")
		h.backend.cancelFails[op] = true

		err := h.sched.Abort(h.ctx, "steps-10")
		require.Error(t, err)

		got := h.get("steps-10")
		assert.Equal(t, job.StatusAborted, got.Status)
		assert.Equal(t, step.StatusRunning, got.Steps[0].Status)
		require.Len(t, got.Steps[0].RunningOperations, 1)
		assert.Equal(t, op, got.Steps[0].RunningOperations[0].ID)
		assert.True(t, h.ledger.Allotted("steps-10"))

		// aborting again retries the outstanding cancellation
		h.backend.cancelFails[op] = false
		require.NoError(t, h.sched.Abort(h.ctx, "steps-10"))
		got = h.get("steps-10")
		assert.Equal(t, job.StatusAborted, got.Status)
		assert.Equal(t, step.StatusCancelled, got.Steps[0].Status)
		assert.False(t, h.ledger.Allotted("steps-10"))

		err = h.sched.Abort(h.ctx, "steps-10")
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
	})

	t.Run("outstanding operation ends", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-15", asyncStep("s1", "steps-15", 6))))
		h.process("steps-15")
		op := h.opID("steps-15", "s1")
		h.backend.cancelFails[op] = true
		require.Error(t, h.sched.Abort(h.ctx, "steps-15"))

		require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-16", asyncStep("s1", "steps-16", 6))))
		h.process("steps-16")
		assert.Equal(t, job.StatusPreparing, h.get("steps-16").Status)

		h.backend.finish(op)
		require.NoError(t, h.sched.Poll(h.ctx))
		h.process("steps-15")
		got := h.get("steps-15")
		assert.Equal(t, job.StatusAborted, got.Status)
		assert.Equal(t, step.StatusCancelled, got.Steps[0].Status)
		assert.Empty(t, got.Steps[0].RunningOperations)
		assert.False(t, h.ledger.Allotted("steps-15"))

		h.process("steps-16")
		assert.Equal(t, job.StatusExecuting, h.get("steps-16").Status)
	})
}

func TestComposite(t *testing.T) {
	setup := func(t *testing.T, secondTable string) *harness {
		h := newHarness(t)
		h.backend.row = []any{int64(3), int64(8192)}
		require.NoError(t, h.sched.Create(h.ctx, h.stepsJob("child-1", statsStep("stats", "child-1", "public.buildings"))))
		require.NoError(t, h.sched.Create(h.ctx, h.stepsJob("child-2", statsStep("stats", "child-2", secondTable))))

		parent := job.New("parent", job.TypeComposite, h.clock.Now())
		parent.Children = []string{"child-1", "child-2"}
		require.NoError(t, h.sched.Submit(h.ctx, parent))
		assert.Equal(t, job.StatusValidating, h.get("parent").Status)
		return h
	}

	t.Run("children succeed", func(t *testing.T) {
		h := setup(t, "public.roads")
		h.process("child-1")
		h.process("child-2")
		h.process("parent")

		got, err := h.sched.Get(h.ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFinalized, got.Status)
		require.Len(t, got.ChildJobs, 2)
		for _, c := range got.ChildJobs {
			require.Len(t, c.ExportObjects, 1, c.ID)
			assert.Equal(t, objectstore.OutputPrefix(c.ID, "stats")+"statistics.json", c.ExportObjects[0].Key)
		}
		assert.Equal(t, got.Exp, got.ChildJobs[0].Exp)
	})

	t.Run("child fails then retry", func(t *testing.T) {
		h := setup(t, "roads; DROP TABLE x")
		h.process("child-1")
		h.process("child-2")
		h.process("parent")

		got := h.get("parent")
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.InvalidStep, got.ErrorDescription)

		require.NoError(t, h.sched.Retry(h.ctx, "parent"))
		got = h.get("parent")
		assert.Equal(t, job.StatusValidating, got.Status)
		assert.Empty(t, got.ErrorDescription)
		assert.Equal(t, job.StatusFinalized, h.get("child-1").Status)
		assert.Equal(t, job.StatusValidating, h.get("child-2").Status)
	})

	t.Run("children must exist", func(t *testing.T) {
		h := newHarness(t)
		parent := job.New("parent", job.TypeComposite, h.clock.Now())
		parent.Children = []string{"nope"}
		require.Error(t, h.sched.Create(h.ctx, parent))
	})
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)

	err := h.sched.Create(h.ctx, job.New("odd", job.Type("Reindex"), h.clock.Now()))
	assert.ErrorIs(t, err, ErrUnknownKind)

	h.upload("imp-11", "a.geojson", []byte(feature+"\n"))
	require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-11", "roads")))
	err = h.sched.Submit(h.ctx, h.importJob("imp-12", "roads"))
	assert.ErrorIs(t, err, jobstore.ErrDuplicateJob)
}

func TestProcess_Busy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Submit(h.ctx, h.stepsJob("steps-11", asyncStep("s1", "steps-11", 1))))

	require.True(t, h.sched.acquire("steps-11"))
	assert.ErrorIs(t, h.sched.Process(h.ctx, "steps-11"), ErrBusy)
	assert.ErrorIs(t, h.sched.Abort(h.ctx, "steps-11"), ErrBusy)
	h.sched.release("steps-11")

	h.process("steps-11")
	assert.Equal(t, job.StatusExecuting, h.get("steps-11").Status)
}

func TestGC(t *testing.T) {
	h := newHarness(t)
	h.tables.add("db", "roads")
	h.upload("imp-13", "a.geojson", []byte(feature+"\n"))
	require.NoError(t, h.sched.Submit(h.ctx, h.importJob("imp-13", "roads")))
	h.process("imp-13")

	n, err := h.sched.GC(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.sched.GC(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.store.Get(h.ctx, "imp-13")
	assert.True(t, jobstore.IsNotFound(err))
	entries, err := h.objects.Scan(h.ctx, objectstore.JobPrefix("imp-13"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// processing a deleted job is a no-op
	h.process("imp-13")
}

func TestRun_ProcessesQueuedWork(t *testing.T) {
	h := newHarness(t)
	inbox := callback.NewInbox(8)
	h.sched.inbox = inbox
	h.sched.cfg.PollInterval = 20 * time.Millisecond
	h.sched.cfg.Workers = 2
	h.tables.add("db", "roads")
	h.upload("imp-14", "a.geojson", []byte(feature+"\n"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.sched.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, h.sched.Submit(ctx, h.importJob("imp-14", "roads")))
	require.NoError(t, h.sched.Submit(ctx, h.stepsJob("steps-12", asyncStep("s1", "steps-12", 1))))

	require.Eventually(t, func() bool {
		j, err := h.store.Get(ctx, "steps-12")
		return err == nil && j.Status == job.StatusExecuting && len(j.Steps[0].RunningOperations) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, inbox.Publish(ctx, callback.Message{JobID: "steps-12", StepID: "s1", Outcome: callback.Succeeded}))

	require.Eventually(t, func() bool {
		a, err := h.store.Get(ctx, "imp-14")
		if err != nil || a.Status != job.StatusFinalized {
			return false
		}
		b, err := h.store.Get(ctx, "steps-12")
		return err == nil && b.Status == job.StatusFinalized
	}, 5*time.Second, 10*time.Millisecond)
}
