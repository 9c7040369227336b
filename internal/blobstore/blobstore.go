// Package blobstore stores raw artifacts, extracted assets and thumbnails.
// Blobs are addressed by key; the key doubles as the locator recorded on
// versions.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/dharsanguruparan/cardvault/internal/config"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

var (
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey rejects keys that would escape the store root.
	ErrInvalidKey = errors.New("invalid blob key")
	// ErrUnknownUpload is returned for a multipart handle the backend does
	// not know.
	ErrUnknownUpload = errors.New("unknown multipart upload")
)

// Store is the put/get/delete contract.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Multipart uploads a blob in client-driven parts. The handle is owned by
// the caller until Complete or Abort.
type Multipart interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, handle string, number int, r io.Reader, size int64) (model.UploadPart, error)
	CompleteMultipartUpload(ctx context.Context, key, handle string, parts []model.UploadPart) error
	AbortMultipartUpload(ctx context.Context, key, handle string) error
}

// Backend is a Store that also supports multipart uploads.
type Backend interface {
	Store
	Multipart
}

// Open builds the backend selected in cfg.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		s, err := NewS3(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.StorageLocal:
		return NewLocal(cfg.LocalStorageDir)
	case config.StorageMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Key joins segments into a clean blob key.
func Key(segments ...string) string {
	return strings.TrimPrefix(path.Join(segments...), "/")
}

// CleanKey validates a key received from outside, e.g. a URL path.
func CleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." || strings.HasPrefix(seg, ".") {
			return "", ErrInvalidKey
		}
	}
	return cleaned, nil
}

// PublicURL is the URL the API serves key under.
func PublicURL(baseURL, key string) string {
	return strings.TrimSuffix(baseURL, "/") + "/blobs/" + key
}

// ContentType guesses a content type from the key extension.
func ContentType(key string) string {
	ext := path.Ext(key)
	switch strings.ToLower(ext) {
	case ".charx", ".voxpkg":
		return "application/zip"
	case ".webp":
		return "image/webp"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// PutBytes stores data under key.
func PutBytes(ctx context.Context, s Store, key string, data []byte) error {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ContentType(key))
}

// ReadAll loads a blob into memory, failing when it exceeds limit bytes
// (limit <= 0 means unbounded).
func ReadAll(ctx context.Context, s Store, key string, limit int64) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	if limit > 0 && int64(len(buf)) > limit {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", key, limit)
	}
	return buf, nil
}

// Copy duplicates src to dst within s.
func Copy(ctx context.Context, s Store, src, dst string) error {
	rc, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := s.Put(ctx, dst, rc, -1, ContentType(dst)); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
