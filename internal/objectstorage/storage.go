// Package objectstorage adapts an S3-compatible bucket to the put_stream /
// get_stream / presign_get contract. The aws-sdk-go-v2 S3 stack is present
// in the dependency pack only as an indirect (pulled-in, unexercised)
// dependency; no example file calls it directly, so this package is written
// against the documented aws-sdk-go-v2 API rather than grounded on a
// specific pack usage site (see the design ledger).
package objectstorage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jonesrussell/bulkjobs/internal/platform/config"
)

const (
	partSizeBytes  = 5 * 1024 * 1024
	uploadConcurrency = 4
)

// PutResult is the outcome of a put_stream call.
type PutResult struct {
	Key  string
	Size int64
}

// Store is an S3-compatible object storage adapter.
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	presigner  *s3.PresignClient
	bucket     string
}

// New constructs a Store from worker/storage configuration. When Endpoint is
// set (e.g. MinIO, a non-AWS S3-compatible service), path-style addressing
// is forced.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{
		client:    client,
		uploader:  manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSizeBytes
			u.Concurrency = uploadConcurrency
		}),
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
	}, nil
}

// PutStream uploads the contents of r to key using a multipart upload with
// 5 MiB parts and up to 4 concurrent parts, per the external object storage
// contract.
func (s *Store) PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (PutResult, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("put stream %s: %w", key, err)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return PutResult{Key: key}, nil
	}
	size := int64(0)
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return PutResult{Key: key, Size: size}, nil
}

// GetStream returns a reader over the object's bytes. Callers must Close it.
func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", key, err)
	}
	return out.Body, nil
}

// PresignGet returns a time-limited GET URL for key.
func (s *Store) PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}

// ImportKey returns the canonical storage key for an uploaded import file.
func ImportKey(date time.Time, jobID, sanitizedFilename string) string {
	return fmt.Sprintf("imports/%s/%s/%s", date.Format("2006-01-02"), jobID, sanitizedFilename)
}

// ExportKey returns the canonical storage key for a generated export file.
func ExportKey(date time.Time, jobID, format string) string {
	return fmt.Sprintf("exports/%s/%s/export.%s", date.Format("2006-01-02"), jobID, format)
}
