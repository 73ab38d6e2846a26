package object

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignedURLTTL = 7 * 24 * time.Hour

func NewClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// Store uploads attachment objects and hands back a URL the other
// participant can fetch.
type Store struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

func NewStore(client *minio.Client, bucket, publicBaseURL string) *Store {
	return &Store{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if s.publicBase != "" {
		return s.publicBase + "/" + s.bucket + "/" + key, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignedURLTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
