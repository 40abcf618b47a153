// Package minio stores step outputs in an S3 compatible bucket and hands back
// URLs that later steps and clients can read.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rossigee/imageflow/internal/retry"
	"github.com/sirupsen/logrus"
)

// Config holds blob store connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Retry     retry.Config
}

// BlobStore persists image bytes in a MinIO bucket
type BlobStore struct {
	client   *minio.Client
	endpoint *url.URL
	bucket   string
	retry    retry.Config
}

// NewBlobStore creates a blob store client. It does not contact the server.
func NewBlobStore(cfg Config) (*BlobStore, error) {
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secret key is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid minio endpoint '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid minio endpoint scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid minio endpoint '%s': missing hostname", cfg.Endpoint)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client for %s: %w", u.Host, err)
	}

	return &BlobStore{
		client:   client,
		endpoint: u,
		bucket:   cfg.Bucket,
		retry:    cfg.Retry,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not exist
func (b *BlobStore) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", b.bucket, err)
	}
	logrus.WithField("bucket", b.bucket).Info("Created blob bucket")
	return nil
}

// Store uploads data under folderHint and returns the object's URL
func (b *BlobStore) Store(ctx context.Context, data []byte, folderHint string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to store empty object")
	}

	contentType := http.DetectContentType(data)
	key := ObjectKey(folderHint, uuid.New().String(), contentType)

	err := retry.WithRetry(ctx, b.retry, func() error {
		_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			if isPermanent(err) {
				return retry.Permanent(err)
			}
			logrus.WithError(err).WithField("key", key).Warn("Blob upload failed")
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	objectURL := b.ObjectURL(key)
	logrus.WithFields(logrus.Fields{
		"url":  objectURL,
		"size": len(data),
	}).Debug("Stored blob")
	return objectURL, nil
}

// ObjectURL returns the URL of an object in the configured bucket
func (b *BlobStore) ObjectURL(key string) string {
	u := *b.endpoint
	u.Path = "/" + path.Join(b.bucket, key)
	return u.String()
}

// ValidateImageURL checks that an image URL points at an existing object
func (b *BlobStore) ValidateImageURL(ctx context.Context, imageURL string) error {
	bucket, object, err := splitObjectURL(imageURL)
	if err != nil {
		return err
	}

	if _, err := b.client.StatObject(ctx, bucket, object, minio.StatObjectOptions{}); err != nil {
		return fmt.Errorf("image not accessible: %w", err)
	}
	return nil
}

// ObjectKey builds the object key for a stored blob
func ObjectKey(folderHint, name, contentType string) string {
	folder := strings.Trim(path.Clean("/"+folderHint), "/")
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	if folder == "" {
		return name + ext
	}
	return folder + "/" + name + ext
}

func splitObjectURL(imageURL string) (string, string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid image URL: %w", err)
	}

	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid image URL path: %s", u.Path)
	}
	return parts[0], strings.Join(parts[1:], "/"), nil
}

func isPermanent(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	return false
}
