package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrObjectNotFound is returned by Get when the key holds no object.
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnsafePrefix guards DeletePrefix against prefixes that could span
	// more than one directory-like subtree.
	ErrUnsafePrefix = errors.New("unsafe delete prefix")
)

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PublicURL returns the durable, non-expiring locator for key.
	PublicURL(key string) string
}

// MinioConfig configures a MinIO-backed store.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	baseURL := strings.TrimSpace(cfg.PublicBaseURL)
	if baseURL == "" {
		endpoint := client.EndpointURL()
		baseURL = endpoint.Scheme + "://" + endpoint.Host + "/" + cfg.Bucket
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Put uploads an object, replacing any existing object at key.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Get downloads an object.
func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeletePrefix removes every object under prefix. Listing and removal run
// concurrently; the first failure cancels both.
func (m *MinioStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := CheckPrefix(prefix); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	objects := make(chan minio.ObjectInfo)

	g.Go(func() error {
		defer close(objects)
		for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				return fmt.Errorf("list objects: %w", obj.Err)
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		var firstErr error
		for rmErr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete object %s: %w", rmErr.ObjectName, rmErr.Err)
			}
		}
		return firstErr
	})
	return g.Wait()
}

// PublicURL returns the bucket URL for key.
func (m *MinioStore) PublicURL(key string) string {
	return joinURL(m.baseURL, key)
}

// CheckPrefix rejects prefixes that are empty or do not end on a "/" boundary.
func CheckPrefix(prefix string) error {
	if prefix == "" || prefix == "/" || !strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("%w: %q", ErrUnsafePrefix, prefix)
	}
	return nil
}

func joinURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return base + "/" + strings.Join(segments, "/")
}
