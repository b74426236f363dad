//go:build cloudintegration

package s3_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/objectstore/s3"
	"github.com/3leaps/geoxfer/test/cloudtest"
)

func newStore(t *testing.T, ctx context.Context, bucket string) *s3.Store {
	t.Helper()
	st, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_ScanInputs_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	cloudtest.PutObject(t, ctx, bucket, "job-1/inputs/b.geojson", []byte(`{"type":"Feature"}`))
	cloudtest.PutGzipObject(t, ctx, bucket, "job-1/inputs/a.csv", []byte("compressed"))
	cloudtest.PutObject(t, ctx, bucket, "job-2/inputs/c.csv", []byte("other"))

	st := newStore(t, ctx, bucket)
	entries, err := st.Scan(ctx, objectstore.InputPrefix("job-1"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "job-1/inputs/a.csv", entries[0].Key)
	assert.True(t, entries[0].Compressed())
	assert.Equal(t, "job-1/inputs/b.geojson", entries[1].Key)
	assert.False(t, entries[1].Compressed())
	assert.Equal(t, int64(len(`{"type":"Feature"}`)), entries[1].Size)
}

func TestStore_PutGetDeleteTree_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	st := newStore(t, ctx, bucket)

	key := objectstore.OutputPrefix("job-1", "s1") + "stats.json"
	require.NoError(t, objectstore.PutBytes(ctx, st, key, []byte(`{"rows":3}`), objectstore.PutOptions{ContentType: "application/json"}))

	b, err := objectstore.ReadAll(ctx, st, key, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"rows":3}`, string(b))

	url, err := st.PresignGet(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "stats.json"))

	require.NoError(t, st.DeleteTree(ctx, objectstore.JobPrefix("job-1")))
	_, _, err = st.Get(ctx, key)
	assert.True(t, objectstore.IsNotFound(err))
}

func TestStore_MissingBucket_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	st := newStore(t, ctx, "nonexistent-bucket-12345")

	_, err := st.Scan(ctx, "x/")
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrBucketNotFound)
}
