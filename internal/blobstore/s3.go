package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

// S3 wraps MinIO/S3 interactions. Multipart uploads go through minio.Core so
// that parts are driven by the client rather than by PutObject.
type S3 struct {
	client *minio.Client
	core   minio.Core
	bucket string
	region string
}

// NewS3 creates a MinIO client from the Config.
func NewS3(cfg *config.Config) (*S3, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3{
		client: client,
		core:   minio.Core{Client: client},
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *S3) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	id, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	return id, nil
}

func (s *S3) UploadPart(ctx context.Context, key, handle string, number int, r io.Reader, size int64) (model.UploadPart, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, handle, number, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		if isNoSuchUpload(err) {
			return model.UploadPart{}, ErrUnknownUpload
		}
		return model.UploadPart{}, fmt.Errorf("upload part %d of %s: %w", number, key, err)
	}
	return model.UploadPart{Number: part.PartNumber, ETag: part.ETag, Size: part.Size}, nil
}

func (s *S3) CompleteMultipartUpload(ctx context.Context, key, handle string, parts []model.UploadPart) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range sortedParts(parts) {
		completed = append(completed, minio.CompletePart{PartNumber: p.Number, ETag: p.ETag})
	}
	_, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, handle, completed, minio.PutObjectOptions{
		ContentType: ContentType(key),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return ErrUnknownUpload
		}
		return fmt.Errorf("complete multipart upload %s: %w", key, err)
	}
	return nil
}

func (s *S3) AbortMultipartUpload(ctx context.Context, key, handle string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, handle); err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload %s: %w", key, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func isNoSuchUpload(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchUpload"
}

var _ Backend = (*S3)(nil)
