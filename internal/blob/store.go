// Package blob keeps uploaded backups in S3-compatible object storage.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"matheditor/internal/document"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "application/json"

// Config selects the object storage endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Object describes a stored backup.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket on first start.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// BackupKey names a user's backup object. Keys sort by time within a user prefix.
func BackupKey(userID string, at time.Time) string {
	return path.Join("backups", userID, at.UTC().Format("20060102T150405.000Z")+document.BackupExtension)
}

// PutBackup stores an encoded backup under the user's prefix.
func (s *Store) PutBackup(ctx context.Context, userID string, at time.Time, body io.Reader, size int64) (Object, error) {
	key := BackupKey(userID, at)
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload backup: %w", err)
	}
	return Object{Key: key, Size: info.Size, LastModified: at.UTC()}, nil
}

// ListBackups returns the user's backups, oldest first.
func (s *Store) ListBackups(ctx context.Context, userID string) ([]Object, error) {
	prefix := path.Join("backups", userID) + "/"
	objects := make([]Object, 0)
	for item := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if item.Err != nil {
			return nil, fmt.Errorf("list backups: %w", item.Err)
		}
		if !strings.HasSuffix(item.Key, document.BackupExtension) {
			continue
		}
		objects = append(objects, Object{Key: item.Key, Size: item.Size, LastModified: item.LastModified})
	}
	return objects, nil
}

// GetBackup opens a stored backup. The key must belong to the user.
func (s *Store) GetBackup(ctx context.Context, userID, key string) (io.ReadCloser, error) {
	if !strings.HasPrefix(key, path.Join("backups", userID)+"/") {
		return nil, fmt.Errorf("backup %s: %w", key, document.ErrNotFound)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download backup: %w", err)
	}
	return obj, nil
}
