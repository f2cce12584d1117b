// Package assets stores uploaded images in S3-compatible object storage so
// image sections can reference stable URLs.
package assets

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"planloom/api/internal/util"
)

// MaxImageSize caps uploads at 10 MiB.
const MaxImageSize = 10 << 20

var allowedImageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Service uploads images and hands back their public URLs.
type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewService connects to object storage and ensures the bucket exists.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	publicURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &Service{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
	}, nil
}

// PutImage stores an uploaded image and returns its public URL. The content
// type must be one of the allowed image types.
func (s *Service) PutImage(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error) {
	ext, ok := allowedImageTypes[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported image type %q", contentType)
	}
	if size > MaxImageSize {
		return "", fmt.Errorf("image exceeds %d bytes", MaxImageSize)
	}

	key := fmt.Sprintf("images/%s/%s%s", time.Now().UTC().Format("2006/01"), util.NewID("img"), ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"original-name": path.Base(filename),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return s.publicURL + "/" + key, nil
}
