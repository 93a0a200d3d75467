package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const DefaultBucket = "nft-sales"

// MinIOConfig addresses the archive bucket. An empty Endpoint disables it.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIOStorage struct {
	Client     *minio.Client
	BucketName string
	log        *slog.Logger
}

// NewMinIOStorage connects to MinIO and creates the bucket when missing.
func NewMinIOStorage(ctx context.Context, cfg MinIOConfig, log *slog.Logger) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, ErrDisabled
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if log == nil {
		log = slog.Default()
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := minioClient.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket existence: %w", err)
	}
	if !exists {
		if err := minioClient.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.InfoContext(ctx, "bucket created", slog.String("bucket", cfg.Bucket))
	}

	return &MinIOStorage{
		Client:     minioClient,
		BucketName: cfg.Bucket,
		log:        log,
	}, nil
}

// UploadFile uploads a CSV object to the bucket. A negative size streams it.
func (m *MinIOStorage) UploadFile(ctx context.Context, objectName string, data io.Reader, size int64) error {
	_, err := m.Client.PutObject(ctx, m.BucketName, objectName, data, size, minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return fmt.Errorf("failed to upload file '%s' to MinIO: %w", objectName, err)
	}
	m.log.InfoContext(ctx, "file uploaded", slog.String("object", objectName), slog.String("bucket", m.BucketName))
	return nil
}
