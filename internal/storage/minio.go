package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/logging"
)

const defaultBucket = "printfleet-files"

// Minio keeps uploaded files as objects in one bucket.
type Minio struct {
	client *minio.Client
	bucket string
	logger hclog.Logger
}

func NewMinio(cfg config.StorageConfig, logger hclog.Logger) (*Minio, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &Minio{client: client, bucket: bucket, logger: logging.OrNull(logger).Named("storage")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
	}
	m.logger.Info("bucket created", "bucket", m.bucket)
	return nil
}

func (m *Minio) Put(ctx context.Context, name string, r io.Reader, size int64) (core.FileRef, error) {
	format := formatOf(name)
	id := uuid.NewString()
	if format != "" {
		id += "." + format
	}
	if size <= 0 {
		size = -1
	}

	h := sha256.New()
	info, err := m.client.PutObject(ctx, m.bucket, id, io.TeeReader(r, h), size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"original-name": name},
	})
	if err != nil {
		return core.FileRef{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	m.logger.Debug("object stored", "storage_id", id, "file", name, "size", info.Size)
	return core.FileRef{StorageID: id, Hash: hex.EncodeToString(h.Sum(nil)), Format: format, Size: info.Size}, nil
}

func (m *Minio) Open(ctx context.Context, ref core.FileRef) (io.ReadCloser, error) {
	if !validID(ref.StorageID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref.StorageID)
	}
	if _, err := m.client.StatObject(ctx, m.bucket, ref.StorageID, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s: %w", ref.StorageID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	obj, err := m.client.GetObject(ctx, m.bucket, ref.StorageID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

func (m *Minio) Delete(ctx context.Context, ref core.FileRef) error {
	if !validID(ref.StorageID) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref.StorageID)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, ref.StorageID, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
