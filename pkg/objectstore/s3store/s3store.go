// Package s3store implements pkg/objectstore.Store over an S3-compatible
// endpoint using minio-go, the S3 client storj-storj depends on.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wisbric/tieredfs/pkg/objectstore"
)

// Store adapts a minio.Client to objectstore.Store. All object paths are
// taken relative to a single configured bucket; objectstore.PathInfo's
// TenantID/Category/FilePath are joined back into one S3 key.
type Store struct {
	client *minio.Client
	bucket string
}

// Config configures the S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// New dials endpoint and returns a ready Store.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) key(path, tenantID string) (string, error) {
	info, err := objectstore.ParsePath(path)
	if err != nil {
		return "", err
	}
	if info.TenantID != tenantID {
		return "", fmt.Errorf("s3store: path tenant %q does not match requested tenant %q", info.TenantID, tenantID)
	}
	return fmt.Sprintf("%s/%s/%s", info.TenantID, info.Category, info.FilePath), nil
}

func (s *Store) Download(ctx context.Context, path, tenantID string) (*objectstore.Download, error) {
	key, err := s.key(path, tenantID)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateErr(err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, translateErr(err)
	}

	return &objectstore.Download{Content: obj, SizeBytes: stat.Size}, nil
}

func (s *Store) Head(ctx context.Context, path, tenantID string) (*objectstore.Info, error) {
	key, err := s.key(path, tenantID)
	if err != nil {
		return nil, err
	}

	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translateErr(err)
	}

	return &objectstore.Info{
		SizeBytes:   stat.Size,
		ContentType: stat.ContentType,
		ETag:        stat.ETag,
		ModTime:     stat.LastModified,
	}, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.Entry, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(prefix, "/buckets"), "/")

	var entries []objectstore.Entry
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: trimmed, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, obj.Err)
		}
		entries = append(entries, objectstore.Entry{
			Path:      "/buckets/" + obj.Key,
			SizeBytes: obj.Size,
			ModTime:   obj.LastModified,
		})
	}
	return entries, nil
}

func translateErr(err error) error {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) && (errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket") {
		return objectstore.ErrNotFound
	}
	return fmt.Errorf("s3store: %w", err)
}
