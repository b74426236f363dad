//go:build pgintegration

package pgbackend

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/step"
)

var testDSN string

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to docker: %v\n", err)
		os.Exit(1)
	}

	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=geoxfer",
			"POSTGRES_PASSWORD=geoxfer",
			"POSTGRES_DB=geoxfer",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	_ = res.Expire(300)

	testDSN = fmt.Sprintf("postgres://geoxfer:geoxfer@%s/geoxfer?sslmode=disable", res.GetHostPort("5432/tcp"))

	pool.MaxWait = 90 * time.Second
	if err := pool.Retry(func() error {
		p, err := pgxpool.New(context.Background(), testDSN)
		if err != nil {
			return err
		}
		defer p.Close()
		return p.Ping(context.Background())
	}); err != nil {
		_ = pool.Purge(res)
		fmt.Fprintf(os.Stderr, "wait for postgres: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = pool.Purge(res)
	os.Exit(code)
}

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(context.Background(), Config{ID: "db-1", DSN: testDSN, Capacity: 10})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func labels(op string) step.Labels {
	return step.Labels{JobID: "job-1", StepID: "s1", OperationID: op}
}

func TestDatabase_ExecAndQueryRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Exec(ctx, labels("op-a"), `CREATE TABLE IF NOT EXISTS features (id text PRIMARY KEY, jsondata jsonb)`)
	require.NoError(t, err)
	n, err := db.Exec(ctx, labels("op-b"), `INSERT INTO features VALUES ('f1', '{}'), ('f2', '{}') ON CONFLICT DO NOTHING`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	row, err := db.QueryRow(ctx, labels("op-c"), `SELECT count(*)::bigint FROM features`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row[0])

	_, err = db.Exec(ctx, labels("op-d"), `INSERT INTO features VALUES ('f1', '{}')`)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.Equal(t, job.IDsNotUnique, job.ClassifyError(err).Description)

	exists, err := db.TableExists(ctx, "public", "features")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.TableExists(ctx, "public", "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.CreateIndex(ctx, "public", "features", job.Index{Name: "features_jsondata", Columns: []string{"jsondata"}, Using: "gin"}))
	require.NoError(t, db.CreateIndex(ctx, "public", "features", job.Index{Name: "features_jsondata", Columns: []string{"jsondata"}, Using: "gin"}))
}

func TestDatabase_DispatchReportsThroughCallbacks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	db := openTestDB(t)

	inbox := callback.NewInbox(8)
	lctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = NewListener(db, "geoxfer_test", inbox, nil).Run(lctx) }()
	time.Sleep(500 * time.Millisecond)

	ok, err := callback.Wrap(`SELECT pg_sleep(0.1)`, callback.Target{Channel: "geoxfer_test", JobID: "job-1", StepID: "s1", OperationID: "op-ok", OutputKey: "job-1/outputs/s1/"})
	require.NoError(t, err)
	require.NoError(t, db.Dispatch(ctx, labels("op-ok"), ok))

	bad, err := callback.Wrap(`INSERT INTO no_such_table VALUES (1)`, callback.Target{Channel: "geoxfer_test", JobID: "job-1", StepID: "s2", OperationID: "op-bad"})
	require.NoError(t, err)
	require.NoError(t, db.Dispatch(ctx, labels("op-bad"), bad))

	got := map[string]callback.Message{}
	for len(got) < 2 {
		select {
		case m := <-inbox.Messages():
			got[m.OperationID] = m
		case <-ctx.Done():
			t.Fatalf("timed out waiting for callbacks, got %d", len(got))
		}
	}

	assert.Equal(t, callback.Succeeded, got["op-ok"].Outcome)
	assert.Equal(t, "job-1/outputs/s1/", got["op-ok"].OutputKey)
	assert.Equal(t, callback.Failed, got["op-bad"].Outcome)
	assert.Equal(t, "42P01", got["op-bad"].ErrorCode)
}

func TestDatabase_InspectAndCancel(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Dispatch(ctx, labels("op-sleep"), `SELECT pg_sleep(30)`))

	require.Eventually(t, func() bool {
		running, err := db.IsRunning(ctx, "op-sleep")
		return err == nil && running
	}, 10*time.Second, 100*time.Millisecond)

	running, err := db.IsRunning(ctx, "op-sleep-other")
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, db.CancelOperation(ctx, "op-sleep"))
	require.Eventually(t, func() bool {
		running, err := db.IsRunning(ctx, "op-sleep")
		return err == nil && !running
	}, 10*time.Second, 100*time.Millisecond)

	assert.NoError(t, db.CancelOperation(ctx, "op-sleep"), "cancelling a finished operation is a no-op")
}
