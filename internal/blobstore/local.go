package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/contenthash"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

const multipartDir = ".multipart"

// Local stores blobs as files under a root directory. In-flight multipart
// parts live under root/.multipart/<handle>/.
type Local struct {
	root string
}

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(filepath.Join(root, multipartDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

func (l *Local) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, r)
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it into place.
func writeFileAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (l *Local) uploadDir(handle string) (string, error) {
	if _, err := uuid.Parse(handle); err != nil {
		return "", ErrUnknownUpload
	}
	return filepath.Join(l.root, multipartDir, handle), nil
}

func (l *Local) CreateMultipartUpload(_ context.Context, key, _ string) (string, error) {
	if _, err := CleanKey(key); err != nil {
		return "", err
	}
	handle := uuid.NewString()
	dir, _ := l.uploadDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(key), 0o644); err != nil {
		return "", fmt.Errorf("record upload key: %w", err)
	}
	return handle, nil
}

func (l *Local) openUpload(key, handle string) (string, error) {
	dir, err := l.uploadDir(handle)
	if err != nil {
		return "", err
	}
	stored, err := os.ReadFile(filepath.Join(dir, "key"))
	if err != nil || string(stored) != key {
		return "", ErrUnknownUpload
	}
	return dir, nil
}

func (l *Local) UploadPart(_ context.Context, key, handle string, number int, r io.Reader, _ int64) (model.UploadPart, error) {
	dir, err := l.openUpload(key, handle)
	if err != nil {
		return model.UploadPart{}, err
	}
	counted := &countingReader{r: r}
	partPath := filepath.Join(dir, strconv.Itoa(number))
	if err := writeFileAtomic(partPath, counted); err != nil {
		return model.UploadPart{}, err
	}
	f, err := os.Open(partPath)
	if err != nil {
		return model.UploadPart{}, fmt.Errorf("reopen part: %w", err)
	}
	defer f.Close()
	sum, err := contenthash.SumReader(f)
	if err != nil {
		return model.UploadPart{}, fmt.Errorf("hash part: %w", err)
	}
	return model.UploadPart{Number: number, ETag: sum[:32], Size: counted.n}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (l *Local) CompleteMultipartUpload(ctx context.Context, key, handle string, parts []model.UploadPart) error {
	dir, err := l.openUpload(key, handle)
	if err != nil {
		return err
	}
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		for _, p := range sortedParts(parts) {
			f, err := os.Open(filepath.Join(dir, strconv.Itoa(p.Number)))
			if err != nil {
				pw.CloseWithError(fmt.Errorf("part %d was never uploaded", p.Number))
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	if err := writeFileAtomic(dst, pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return l.AbortMultipartUpload(ctx, key, handle)
}

func (l *Local) AbortMultipartUpload(_ context.Context, _, handle string) error {
	dir, err := l.uploadDir(handle)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove upload dir: %w", err)
	}
	return nil
}

var _ Backend = (*Local)(nil)
