// Package storage mirrors accepted eye images into S3 compatible object storage.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/Ashu27-arc/eye-test/internal/config"
)

// Archive keeps a copy of an uploaded image outside the local content directory.
type Archive interface {
	// Put uploads the file at path under key and returns its public URL.
	// An empty URL means nothing was archived.
	Put(ctx context.Context, key, path, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// NopArchive is used when no bucket is configured.
type NopArchive struct{}

func (NopArchive) Put(context.Context, string, string, string) (string, error) { return "", nil }
func (NopArchive) Delete(context.Context, string) error                       { return nil }

type S3Archive struct {
	client  *s3.Client
	bucket  string
	baseURL string
	logger  *zap.Logger
}

// NewS3Archive builds a path-style S3 client. Static credentials are used when
// configured, otherwise the default AWS credential chain applies.
func NewS3Archive(ctx context.Context, cfg config.Archive, logger *zap.Logger) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
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
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
		}
		baseURL = strings.TrimRight(endpoint, "/") + "/" + cfg.Bucket
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &S3Archive{client: client, bucket: cfg.Bucket, baseURL: baseURL, logger: logger}, nil
}

func (a *S3Archive) Put(ctx context.Context, key, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for archive: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	a.logger.Debug("image archived", zap.String("bucket", a.bucket), zap.String("key", key))
	return a.baseURL + "/" + url.PathEscape(key), nil
}

func (a *S3Archive) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
