// Package cloudtest runs S3 object store tests against a local moto server.
// Tests using it are tagged with //go:build cloudintegration.
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// moto accepts any credentials.
const (
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint defaults to port 5555, overridable with MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")
	Region   = envOr("MOTO_REGION", "us-east-1")

	clientOnce sync.Once
	client     *s3.Client
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips t when the moto API does not answer.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err == nil {
		var resp *http.Response
		if resp, err = http.DefaultClient.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	t.Skipf("moto not reachable at %s: %v", Endpoint, err)
}

func s3Client() *s3.Client {
	clientOnce.Do(func() {
		client = s3.New(s3.Options{
			Region:       Region,
			BaseEndpoint: aws.String(Endpoint),
			UsePathStyle: true,
			Credentials:  credentials.NewStaticCredentialsProvider(TestAccessKeyID, TestSecretAccessKey, ""),
		})
	})
	return client
}

// CreateBucket creates a bucket named after the test and empties and
// removes it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	c := s3Client()
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { removeBucket(t, name) })
	return name
}

func removeBucket(t *testing.T, bucket string) {
	ctx := context.Background()
	c := s3Client()
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("delete %s/%s: %v", bucket, aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s: %v", bucket, err)
	}
}

// PutObject uploads content under key.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	put(t, ctx, bucket, key, content, nil)
}

// PutGzipObject uploads content with gzip content encoding, the way
// clients upload compressed import files.
func PutGzipObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	put(t, ctx, bucket, key, content, aws.String("gzip"))
}

func put(t *testing.T, ctx context.Context, bucket, key string, content []byte, encoding *string) {
	t.Helper()
	_, err := s3Client().PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(content),
		ContentEncoding: encoding,
	})
	if err != nil {
		t.Fatalf("put %s/%s: %v", bucket, key, err)
	}
}
