package s3

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/geoxfer/pkg/objectstore"
)

// Store implements objectstore.Store for AWS S3 and S3-compatible storage.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var (
	_ objectstore.Store     = (*Store)(nil)
	_ objectstore.Presigner = (*Store)(nil)
)

// New creates an S3 store. The SDK default credential chain is used unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &objectstore.Error{Op: "New", Store: objectstore.TypeS3, Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Put uploads an object.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts objectstore.PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		input.ContentEncoding = aws.String(opts.ContentEncoding)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

// Get opens an object for reading.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, *objectstore.Entry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, nil, s.wrapError("Get", key, err)
	}
	entry := &objectstore.Entry{
		Key:             key,
		Size:            aws.ToInt64(out.ContentLength),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		ContentType:     aws.ToString(out.ContentType),
		LastModified:    aws.ToTime(out.LastModified),
	}
	return out.Body, entry, nil
}

// Scan lists every object under prefix. Content encoding is not part of
// the listing, so each object is headed.
func (s *Store) Scan(ctx context.Context, prefix string) ([]objectstore.Entry, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []objectstore.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrapError("Scan", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
			if err != nil {
				return nil, s.wrapError("Scan", key, err)
			}
			out = append(out, objectstore.Entry{
				Key:             key,
				Size:            aws.ToInt64(obj.Size),
				ContentEncoding: aws.ToString(head.ContentEncoding),
				ContentType:     aws.ToString(head.ContentType),
				LastModified:    aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteTree removes every object under prefix in batches.
func (s *Store) DeleteTree(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	batch := make([]types.ObjectIdentifier, 0, maxDeleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		if err != nil {
			return s.wrapError("DeleteTree", prefix, err)
		}
		return nil
	}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s.wrapError("DeleteTree", prefix, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == maxDeleteBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// PresignGet returns a time-limited download URL.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", s.wrapError("PresignGet", key, err)
	}
	return req.URL, nil
}

// Close satisfies objectstore.Store; the S3 client needs no cleanup.
func (s *Store) Close() error {
	return nil
}

// wrapError converts S3 errors to store errors with sentinel causes.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &objectstore.Error{
		Op:     op,
		Store:  objectstore.TypeS3,
		Bucket: s.bucket,
		Key:    key,
		Err:    err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = objectstore.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = objectstore.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = sentinel
		}
		return wrapped
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = objectstore.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = objectstore.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = objectstore.ErrAccessDenied
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = objectstore.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = objectstore.ErrUnavailable
	}
	return wrapped
}

func sentinelForCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return objectstore.ErrNotFound
	case "NoSuchBucket":
		return objectstore.ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return objectstore.ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return objectstore.ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return objectstore.ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return objectstore.ErrUnavailable
	}
	return nil
}

// resolveRegion applies the us-east-1 fallback for AWS when neither config,
// environment nor profile resolved a region. S3-compatible endpoints get no
// default.
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
