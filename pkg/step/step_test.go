package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/objectstore/file"
	"github.com/3leaps/geoxfer/pkg/resource"
)

// mockBackend records statements and simulates running operations.
type mockBackend struct {
	mu          sync.Mutex
	id          string
	dispatched  []string
	labels      []Labels
	running     map[string]bool
	cancelFails map[string]bool
	dispatchErr error
	row         []any
	inspectErr  error
}

func newMockBackend(id string) *mockBackend {
	return &mockBackend{id: id, running: make(map[string]bool), cancelFails: make(map[string]bool)}
}

func (m *mockBackend) ID() string { return m.id }

func (m *mockBackend) Exec(ctx context.Context, labels Labels, sql string, args ...any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, labels)
	return 1, nil
}

func (m *mockBackend) QueryRow(ctx context.Context, labels Labels, sql string, args ...any) ([]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, labels)
	m.dispatched = append(m.dispatched, sql)
	return m.row, nil
}

func (m *mockBackend) Dispatch(ctx context.Context, labels Labels, sql string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatchErr != nil {
		return m.dispatchErr
	}
	m.dispatched = append(m.dispatched, sql)
	m.labels = append(m.labels, labels)
	m.running[labels.OperationID] = true
	return nil
}

func (m *mockBackend) IsRunning(ctx context.Context, operationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inspectErr != nil {
		return false, m.inspectErr
	}
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

func newTestBase(t *testing.T, ledger *resource.Ledger) *Base {
	t.Helper()
	return NewBase(NewRecord("s1", "job-1", TypeAsyncSQL, nil), Async, ledger, nil)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec := NewRecord("s1", "job-1", TypeAsyncSQL, json.RawMessage(`{"a":1}`))
	rec.ClaimedLoad["db"] = 2
	rec.RunningOperations = append(rec.RunningOperations, Operation{ID: "op"})

	c := rec.Clone()
	c.ClaimedLoad["db"] = 5
	c.RunningOperations[0].ID = "other"
	c.Config[0] = 'x'

	assert.Equal(t, 2.0, rec.ClaimedLoad["db"])
	assert.Equal(t, "op", rec.RunningOperations[0].ID)
	assert.Equal(t, byte('{'), rec.Config[0])
}

func TestNeededResources_ComputedOnce(t *testing.T) {
	backend := newMockBackend("db")
	reg := NewRegistry(Deps{Backends: func(id string) (Backend, bool) { return backend, id == "db" }})

	cfg := json.RawMessage(`{"database":"db","statement":"SELECT 1","estimated_units":3}`)
	s, err := reg.Build(NewRecord("s1", "job-1", TypeAsyncSQL, cfg))
	require.NoError(t, err)

	loads, err := NeededResources(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []resource.Load{{ResourceID: "db", EstimatedUnits: 3}}, loads)

	assert.ErrorIs(t, s.Core().SetNeededResources(nil), ErrAlreadyComputed)

	again, err := NeededResources(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, loads, again)
}

func TestBase_UnclaimedAfterClaim(t *testing.T) {
	ledger := resource.NewLedger(resource.Static{Name: "db", Units: 100})
	require.NoError(t, ledger.Allot("job-1", []resource.Load{{ResourceID: "db", EstimatedUnits: 10}}))
	base := newTestBase(t, ledger)

	assert.Equal(t, 6.0, base.Unclaimed("db", 6))
	require.NoError(t, base.Claim("db", 4))
	assert.Equal(t, 2.0, base.Unclaimed("db", 6))
	require.NoError(t, base.Claim("db", 2))
	assert.Zero(t, base.Unclaimed("db", 6))
	assert.Zero(t, base.Unclaimed("db", 3))
	assert.Equal(t, 1.0, base.Unclaimed("other", 1))
}

func TestDB_RunAsyncTracksAndClaims(t *testing.T) {
	ledger := resource.NewLedger(resource.Static{Name: "db", Units: 100})
	require.NoError(t, ledger.Allot("job-1", []resource.Load{{ResourceID: "db", EstimatedUnits: 10}}))

	base := newTestBase(t, ledger)
	backend := newMockBackend("db")
	db := NewDB(base, backend, WithCallbackChannel("cb"))

	opID, err := db.RunAsync(context.Background(), 4, "UPDATE t SET x = 1", true, "")
	require.NoError(t, err)
	require.NotEmpty(t, opID)

	ops := base.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, opID, ops[0].ID)
	assert.Equal(t, "db", ops[0].ResourceID)
	assert.Equal(t, 4.0, base.ClaimedLoad("db"))
	assert.Equal(t, 4.0, ledger.Claimed("job-1", "db"))

	require.Len(t, backend.dispatched, 1)
	assert.Contains(t, backend.dispatched[0], "pg_notify('cb'")
	assert.Equal(t, Labels{JobID: "job-1", StepID: "s1", OperationID: opID}, backend.labels[0])
}

func TestDB_RunAsyncCheckpointsBeforeDispatch(t *testing.T) {
	ledger := resource.NewLedger(resource.Static{Name: "db", Units: 100})
	require.NoError(t, ledger.Allot("job-1", []resource.Load{{ResourceID: "db", EstimatedUnits: 10}}))

	base := newTestBase(t, ledger)
	backend := newMockBackend("db")
	db := NewDB(base, backend)

	var saved *Record
	var dispatchedBefore int
	base.SetCheckpoint(func(ctx context.Context) error {
		saved = base.Snapshot()
		backend.mu.Lock()
		dispatchedBefore = len(backend.dispatched)
		backend.mu.Unlock()
		return nil
	})

	opID, err := db.RunAsync(context.Background(), 4, "UPDATE t SET x = 1", false, "")
	require.NoError(t, err)

	require.NotNil(t, saved)
	assert.Zero(t, dispatchedBefore)
	assert.Equal(t, StatusRunning, saved.Status)
	require.Len(t, saved.RunningOperations, 1)
	assert.Equal(t, opID, saved.RunningOperations[0].ID)
	assert.Equal(t, 4.0, saved.ClaimedLoad["db"])
}

func TestDB_RunAsyncCheckpointFailureDoesNotDispatch(t *testing.T) {
	base := newTestBase(t, nil)
	backend := newMockBackend("db")
	db := NewDB(base, backend)
	base.SetCheckpoint(func(ctx context.Context) error { return errors.New("store unavailable") })

	_, err := db.RunAsync(context.Background(), 0, "SELECT 1", false, "")
	require.Error(t, err)
	assert.Empty(t, backend.dispatched)
	assert.Empty(t, base.Operations())
}

func TestDB_RunAsyncRejectedClaimDoesNotDispatch(t *testing.T) {
	ledger := resource.NewLedger(resource.Static{Name: "db", Units: 100})
	require.NoError(t, ledger.Allot("job-1", []resource.Load{{ResourceID: "db", EstimatedUnits: 10}}))

	base := newTestBase(t, ledger)
	require.NoError(t, base.Claim("db", 6))

	backend := newMockBackend("db")
	db := NewDB(base, backend, WithCallbackChannel("cb"))

	_, err := db.RunAsync(context.Background(), 5, "SELECT 1", true, "")
	require.Error(t, err)
	assert.True(t, resource.IsTooManyResourcesClaimed(err))
	assert.Equal(t, 6.0, base.ClaimedLoad("db"))
	assert.Empty(t, backend.dispatched)
	assert.Empty(t, base.Operations())
}

func TestDB_DispatchFailureUntracks(t *testing.T) {
	base := newTestBase(t, nil)
	backend := newMockBackend("db")
	backend.dispatchErr = errors.New("connection refused")
	db := NewDB(base, backend)

	_, err := db.RunAsync(context.Background(), 0, "SELECT 1", false, "")
	require.Error(t, err)
	assert.Empty(t, base.Operations())
}

func TestDB_ExecutionState(t *testing.T) {
	ctx := context.Background()
	base := newTestBase(t, nil)
	backend := newMockBackend("db")
	db := NewDB(base, backend)

	state, err := db.ExecutionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state, "no operations")

	opID, err := db.RunAsync(ctx, 0, "SELECT 1", false, "")
	require.NoError(t, err)

	state, err = db.ExecutionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	backend.finish(opID)
	state, err = db.ExecutionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state, "operation gone without callback")

	backend.inspectErr = errors.New("inspection failed")
	state, err = db.ExecutionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)
}

func TestDB_CancelKeepsFailedOperations(t *testing.T) {
	ctx := context.Background()
	base := newTestBase(t, nil)
	backend := newMockBackend("db")
	db := NewDB(base, backend)

	op1, err := db.RunAsync(ctx, 0, "SELECT 1", false, "")
	require.NoError(t, err)
	op2, err := db.RunAsync(ctx, 0, "SELECT 2", false, "")
	require.NoError(t, err)
	op3, err := db.RunAsync(ctx, 0, "SELECT 3", false, "")
	require.NoError(t, err)
	backend.cancelFails[op2] = true

	err = db.Cancel(ctx)
	require.Error(t, err)

	var ce *CancelError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{op2}, ce.Pending)
	assert.Len(t, ce.Errors(), 1)

	ops := base.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, op2, ops[0].ID)
	assert.NotContains(t, []string{ops[0].ID}, op1)
	assert.NotContains(t, []string{ops[0].ID}, op3)

	backend.cancelFails[op2] = false
	require.NoError(t, db.Cancel(ctx))
	assert.Empty(t, base.Operations())
}

func TestDB_CancelUntracksEndedOperations(t *testing.T) {
	ctx := context.Background()
	base := newTestBase(t, nil)
	backend := newMockBackend("db")
	db := NewDB(base, backend)

	opID, err := db.RunAsync(ctx, 0, "SELECT 1", false, "")
	require.NoError(t, err)
	backend.cancelFails[opID] = true
	require.Error(t, db.Cancel(ctx))
	require.Len(t, base.Operations(), 1)

	backend.finish(opID)
	require.NoError(t, db.Cancel(ctx))
	assert.Empty(t, base.Operations())
}

func TestBase_Requeue(t *testing.T) {
	base := newTestBase(t, nil)
	base.MarkRunning(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	base.Requeue()
	assert.Equal(t, StatusWaiting, base.Status())

	base.MarkFailed(time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), "XX000", "boom")
	base.Requeue()
	assert.Equal(t, StatusFailed, base.Status())
}

func TestBase_StatusTransitions(t *testing.T) {
	base := newTestBase(t, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	base.MarkRunning(now)
	state, err := base.ExecutionState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	base.MarkUnknown(now.Add(time.Minute))
	assert.Equal(t, StatusUnknown, base.Status())

	base.Heartbeat(now.Add(2*time.Minute), true)
	assert.Equal(t, StatusRunning, base.Status())

	base.MarkFailed(now.Add(3*time.Minute), "23505", "duplicate")
	assert.True(t, base.Status().IsTerminal())

	base.Reset()
	snap := base.Snapshot()
	assert.Equal(t, StatusWaiting, snap.Status)
	assert.Empty(t, snap.ErrorCode)
	assert.NotNil(t, snap.StartedAt)
}

func TestBase_DefaultsUnsupported(t *testing.T) {
	base := newTestBase(t, nil)
	assert.ErrorIs(t, base.Resume(context.Background()), ErrUnsupported)
	assert.ErrorIs(t, base.Cancel(context.Background()), ErrUnsupported)
}

func TestAsyncSQL_Validate(t *testing.T) {
	backend := newMockBackend("db")
	reg := NewRegistry(Deps{Backends: func(id string) (Backend, bool) { return backend, id == "db" }})

	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{name: "valid", config: `{"database":"db","statement":"SELECT 1"}`},
		{name: "unknown database", config: `{"database":"other","statement":"SELECT 1"}`, wantErr: true},
		{name: "empty statement", config: `{"database":"db","statement":"  "}`, wantErr: true},
		{name: "reserved tag", config: `{"database":"db","statement":"SELECT $geoxfer_step$x$geoxfer_step$"}`, wantErr: true},
		{name: "negative units", config: `{"database":"db","statement":"SELECT 1","estimated_units":-1}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := reg.Build(NewRecord("s1", "job-1", TypeAsyncSQL, json.RawMessage(tt.config)))
			require.NoError(t, err)
			err = s.Validate(context.Background())
			if tt.wantErr {
				assert.True(t, IsValidation(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, Async, s.ExecutionMode())
		})
	}
}

func TestAsyncSQL_ResumeSkipsLiveOperation(t *testing.T) {
	ctx := context.Background()
	backend := newMockBackend("db")
	reg := NewRegistry(Deps{Backends: func(id string) (Backend, bool) { return backend, true }, CallbackChannel: "cb"})

	s, err := reg.Build(NewRecord("s1", "job-1", TypeAsyncSQL, json.RawMessage(`{"database":"db","statement":"SELECT 1"}`)))
	require.NoError(t, err)
	require.NoError(t, s.Execute(ctx))
	require.Len(t, backend.dispatched, 1)

	require.NoError(t, s.Resume(ctx))
	assert.Len(t, backend.dispatched, 1, "live operation is not dispatched again")

	op := s.Core().Operations()[0]
	backend.finish(op.ID)
	require.NoError(t, s.Resume(ctx))
	assert.Len(t, backend.dispatched, 2)
	assert.Len(t, s.Core().Operations(), 1)
}

func TestTableStats_WritesOutput(t *testing.T) {
	ctx := context.Background()
	objects, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	backend := newMockBackend("db")
	backend.row = []any{int64(42), int64(8192)}

	reg := NewRegistry(Deps{
		Backends: func(id string) (Backend, bool) { return backend, true },
		Objects:  objects,
	})
	s, err := reg.Build(NewRecord("s1", "job-1", TypeTableStats, json.RawMessage(`{"database":"db","table":"public.buildings"}`)))
	require.NoError(t, err)
	require.NoError(t, s.Validate(ctx))
	assert.Equal(t, Sync, s.ExecutionMode())

	require.NoError(t, s.Execute(ctx))
	assert.Contains(t, backend.dispatched[0], `FROM "public"."buildings"`)

	key := s.Core().Snapshot().OutputKey
	assert.Equal(t, "job-1/outputs/s1/statistics.json", key)

	b, err := objectstore.ReadAll(ctx, objects, key, 0)
	require.NoError(t, err)
	var stats TableStatistics
	require.NoError(t, json.Unmarshal(b, &stats))
	assert.Equal(t, int64(42), stats.Rows)
	assert.Equal(t, int64(8192), stats.Bytes)
}

func TestTableStats_RejectsBadTable(t *testing.T) {
	backend := newMockBackend("db")
	objects, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	reg := NewRegistry(Deps{Backends: func(id string) (Backend, bool) { return backend, true }, Objects: objects})

	s, err := reg.Build(NewRecord("s1", "job-1", TypeTableStats, json.RawMessage(`{"database":"db","table":"x; DROP TABLE y"}`)))
	require.NoError(t, err)
	assert.True(t, IsValidation(s.Validate(context.Background())))
}

func TestRunProcess_ExecutesOverInputs(t *testing.T) {
	ctx := context.Background()
	objects, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, objectstore.PutBytes(ctx, objects, "job-1/inputs/a.txt", []byte("hello"), objectstore.PutOptions{}))

	cfg := RunProcessConfig{
		Command:      "sh",
		Args:         []string{"-c", "cat ${INPUT_DIR}/a.txt > ${OUTPUT_DIR}/out.txt"},
		ExpectInputs: true,
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	ledger := resource.NewLedger(resource.Static{Name: ProcessResource, Units: 4})
	require.NoError(t, ledger.Allot("job-1", []resource.Load{{ResourceID: ProcessResource, EstimatedUnits: 1}}))

	reg := NewRegistry(Deps{Objects: objects, Ledger: ledger, WorkDir: t.TempDir()})
	s, err := reg.Build(NewRecord("s1", "job-1", TypeRunProcess, raw))
	require.NoError(t, err)
	require.NoError(t, s.Validate(ctx))
	require.NoError(t, s.Execute(ctx))

	b, err := objectstore.ReadAll(ctx, objects, "job-1/outputs/s1/out.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, "job-1/outputs/s1/", s.Core().Snapshot().OutputKey)
	assert.Equal(t, 1.0, ledger.Claimed("job-1", ProcessResource))

	assert.ErrorIs(t, s.Resume(ctx), ErrUnsupported)
	assert.ErrorIs(t, s.Cancel(ctx), ErrUnsupported)
}

func TestRunProcess_FailureCarriesOutput(t *testing.T) {
	ctx := context.Background()
	objects, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	raw, err := json.Marshal(RunProcessConfig{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	require.NoError(t, err)

	reg := NewRegistry(Deps{Objects: objects})
	s, err := reg.Build(NewRecord("s1", "job-1", TypeRunProcess, raw))
	require.NoError(t, err)

	err = s.Execute(ctx)
	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "exit_3", ee.Code)
	assert.True(t, strings.Contains(ee.Message, "broken"))
}

func TestRunProcess_ValidateMissingInputs(t *testing.T) {
	objects, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	raw, err := json.Marshal(RunProcessConfig{Command: "sh", ExpectInputs: true})
	require.NoError(t, err)

	reg := NewRegistry(Deps{Objects: objects})
	s, err := reg.Build(NewRecord("s1", "job-1", TypeRunProcess, raw))
	require.NoError(t, err)
	assert.True(t, IsValidation(s.Validate(context.Background())))

	raw, err = json.Marshal(RunProcessConfig{})
	require.NoError(t, err)
	s, err = reg.Build(NewRecord("s2", "job-1", TypeRunProcess, raw))
	require.NoError(t, err)
	assert.True(t, IsValidation(s.Validate(context.Background())))
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := NewRegistry(Deps{})
	_, err := reg.Build(NewRecord("s1", "job-1", "Nope", nil))
	assert.Error(t, err)
	assert.Equal(t, []string{TypeAsyncSQL, TypeRunProcess, TypeTableStats}, reg.Types())
}
