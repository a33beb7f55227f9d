// Package storage mirrors temp-dir files to an S3-compatible bucket so that
// workers on other hosts can read uploads and the API can serve artifacts
// they produced. Objects are keyed by file name.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotStaged is returned by Fetch when the bucket has no copy of the file.
var ErrNotStaged = errors.New("file not staged")

// Stager copies files between the local temp dir and shared storage.
type Stager interface {
	Enabled() bool
	Put(ctx context.Context, localPath string) error
	Fetch(ctx context.Context, localPath string) error
	// Sweep removes objects last modified before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Config describes the bucket. An empty Endpoint disables staging.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Nop is the Stager used when no bucket is configured.
type Nop struct{}

func (Nop) Enabled() bool                                 { return false }
func (Nop) Put(context.Context, string) error             { return nil }
func (Nop) Fetch(context.Context, string) error           { return ErrNotStaged }
func (Nop) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

// Minio stages files in a MinIO or S3 bucket.
type Minio struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

// New returns Nop for an empty endpoint, otherwise a Minio stager.
func New(cfg Config, logger *slog.Logger) (Stager, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Nop{}, nil
	}
	return NewMinio(cfg, logger)
}

// NewMinio builds the client. No request is made until first use.
func NewMinio(cfg Config, logger *slog.Logger) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Minio{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: logger.With("component", "storage", "bucket", cfg.Bucket),
	}, nil
}

func (m *Minio) Enabled() bool { return true }

// EnsureBucket creates the bucket when missing.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	m.logger.Info("bucket created")
	return nil
}

func (m *Minio) Put(ctx context.Context, localPath string) error {
	key := objectKey(localPath)
	_, err := m.client.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}

func (m *Minio) Fetch(ctx context.Context, localPath string) error {
	key := objectKey(localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	err := m.client.FGetObject(ctx, m.bucket, key, localPath, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotStaged
		}
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	return nil
}

func (m *Minio) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list objects: %w", obj.Err)
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			m.logger.Warn("failed to remove staged object", "key", obj.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func objectKey(localPath string) string {
	return filepath.Base(localPath)
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".ofx", ".qfx":
		return "application/x-ofx"
	default:
		return "application/octet-stream"
	}
}
