// Package storage uploads generated report artifacts either to a local
// directory or to an S3 bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"jobqueue/internal/config"
)

// Uploader stores an artifact under key and returns where it ended up.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks S3 when a bucket is configured, otherwise the local directory.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3{client: client, bucket: cfg.ReportS3Bucket}, nil
	}
	dir := cfg.ReportOutputDir
	if dir == "" {
		dir = "./reports"
	}
	return &Local{BaseDir: dir}, nil
}

// NewS3Client builds a client for the configured region, honoring a custom
// endpoint (MinIO, LocalStack) when one is set.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

// SanitizeKey turns key into a relative path that cannot leave the base directory.
func SanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty artifact key")
	}
	return key, nil
}

// Local writes artifacts below BaseDir.
type Local struct {
	BaseDir string
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 puts artifacts into a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 wraps an existing client.
func NewS3(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
