package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/book-expert/tts-pipeline/internal/core"
)

const (
	errFmtLoadAWSConfig  = "%w: loading S3 client config: %w"
	errFmtHeadBucket     = "%w: checking bucket %q: %w"
	errFmtCreateBucket   = "%w: creating bucket %q: %w"
	errFmtPutObject      = "%w: uploading %q to bucket %q: %w"
	errFmtPresignObject  = "%w: presigning %q in bucket %q: %w"
	errFmtInvalidPresign = "%w: presign TTL must be positive, got %s"
	errFmtAPICode        = "%s: %w"
	errEmptyEndpoint     = "S3 endpoint is empty"
	errEmptyBucket       = "S3 bucket is empty"
)

// DefaultRegion is used when no region is configured. MinIO ignores it.
const DefaultRegion = "us-east-1"

const defaultRetryMaxAttempts = 3

// S3Config describes an S3-compatible endpoint.
type S3Config struct {
	// Endpoint is host[:port] or a full URL. A bare host uses Secure to pick the scheme.
	Endpoint         string
	AccessKey        string
	SecretKey        string
	Bucket           string
	Region           string
	Secure           bool
	RetryMaxAttempts int
}

// S3Store uploads pipeline artifacts to an S3-compatible bucket and presigns them.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	region    string
}

// NewS3Store builds a path-style S3 client for cfg. It does not contact the endpoint.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrStorageFailure, errEmptyEndpoint)
	}

	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrStorageFailure, errEmptyBucket)
	}

	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	attempts := cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryMaxAttempts
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRetryMaxAttempts(attempts),
	)
	if err != nil {
		return nil, fmt.Errorf(errFmtLoadAWSConfig, core.ErrStorageFailure, err)
	}

	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		options.BaseEndpoint = aws.String(EndpointURL(cfg.Endpoint, cfg.Secure))
		options.UsePathStyle = true
		options.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		options.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		region:    region,
	}, nil
}

// EndpointURL adds a scheme to a bare host[:port] endpoint.
func EndpointURL(endpoint string, secure bool) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}

	if secure {
		return "https://" + endpoint
	}

	return "http://" + endpoint
}

// Bucket returns the target bucket name.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	if !isNotFound(err) {
		return fmt.Errorf(errFmtHeadBucket, core.ErrStorageFailure, s.bucket, describeAPIError(err))
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != DefaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	_, err = s.client.CreateBucket(ctx, input)
	if err != nil && !isAlreadyOwned(err) {
		return fmt.Errorf(errFmtCreateBucket, core.ErrStorageFailure, s.bucket, describeAPIError(err))
	}

	return nil
}

// Upload writes data under key and returns the object's ETag without quotes.
func (s *S3Store) Upload(ctx context.Context, key string, data []byte, contentType string) (core.UploadResult, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return core.UploadResult{}, fmt.Errorf(errFmtPutObject, core.ErrStorageFailure, key, s.bucket, describeAPIError(err))
	}

	return core.UploadResult{
		Key:  key,
		ETag: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// Presign returns a GET URL for key that expires after ttl.
func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (core.PresignResult, error) {
	if ttl <= 0 {
		return core.PresignResult{}, fmt.Errorf(errFmtInvalidPresign, core.ErrStorageFailure, ttl)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return core.PresignResult{}, fmt.Errorf(errFmtPresignObject, core.ErrStorageFailure, key, s.bucket, err)
	}

	return core.PresignResult{Key: key, URL: req.URL, TTL: ttl}, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}

	var apiErr smithy.APIError

	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket")
}

func isAlreadyOwned(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou

	return errors.As(err, &owned)
}

// describeAPIError keeps the service error code visible in wrapped messages.
func describeAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf(errFmtAPICode, apiErr.ErrorCode(), err)
	}

	return err
}
