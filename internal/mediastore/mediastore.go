// Package mediastore uploads finished artifacts to S3-compatible object
// storage. The pipeline only ever references artifacts by the returned URL.
package mediastore

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/reelsmith/reelsmith/internal/config"
)

// Store is the object storage interface.
type Store interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
	Ping(ctx context.Context) error
}

// MinioStore implements Store using minio-go against any S3-compatible
// endpoint.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New creates a MinioStore. Call EnsureBucket before first use.
func New(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &MinioStore{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
	}, nil
}

// EnsureBucket creates the configured bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// Upload stores localPath under objectName and returns the artifact URL.
func (s *MinioStore) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}

	base := s.publicURL
	if base == "" {
		base = s.client.EndpointURL().String()
	}
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, objectName), nil
}

var _ Store = (*MinioStore)(nil)
