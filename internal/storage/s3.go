// Package storage fetches uploaded recipient lists from S3-compatible
// object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shineum/csv-mailer/internal/config"
)

// GetObjectAPI is the subset of the S3 client used by S3Fetcher.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads objects from S3.
type S3Fetcher struct {
	client GetObjectAPI
}

// New builds an S3Fetcher from the default AWS credential chain. Static
// credentials, a custom endpoint and path-style addressing are applied when
// set in cfg.
func New(ctx context.Context, cfg config.StorageConfig) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Fetcher{client: client}, nil
}

// NewWithClient creates an S3Fetcher with a custom client, used for testing.
func NewWithClient(client GetObjectAPI) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// Download streams bucket/key into dst and returns the number of bytes
// written.
func (f *S3Fetcher) Download(ctx context.Context, bucket, key string, dst io.Writer) (int64, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, wrapS3Error(err, ErrDownloadFailed)
	}
	defer out.Body.Close()

	n, err := io.Copy(dst, out.Body)
	if err != nil {
		return n, fmt.Errorf("%w: reading object body: %v", ErrDownloadFailed, err)
	}

	slog.Debug("object downloaded", "bucket", bucket, "key", key, "bytes", n)
	return n, nil
}
