package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/cardvault/internal/contenthash"
	"github.com/dharsanguruparan/cardvault/internal/model"
)

// Memory keeps blobs in a map. Used by tests and memory-only deployments.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	uploads map[string]*memoryUpload
}

type memoryUpload struct {
	key   string
	parts map[int][]byte
}

func NewMemory() *Memory {
	return &Memory{
		blobs:   make(map[string][]byte),
		uploads: make(map[string]*memoryUpload),
	}
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read blob body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = buf
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) CreateMultipartUpload(_ context.Context, key, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := uuid.NewString()
	m.uploads[handle] = &memoryUpload{key: key, parts: make(map[int][]byte)}
	return handle, nil
}

func (m *Memory) UploadPart(_ context.Context, key, handle string, number int, r io.Reader, _ int64) (model.UploadPart, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return model.UploadPart{}, fmt.Errorf("read part body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[handle]
	if !ok || up.key != key {
		return model.UploadPart{}, ErrUnknownUpload
	}
	up.parts[number] = buf
	return model.UploadPart{Number: number, ETag: contenthash.Sum(buf)[:32], Size: int64(len(buf))}, nil
}

func (m *Memory) CompleteMultipartUpload(_ context.Context, key, handle string, parts []model.UploadPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[handle]
	if !ok || up.key != key {
		return ErrUnknownUpload
	}
	var out bytes.Buffer
	for _, p := range sortedParts(parts) {
		data, ok := up.parts[p.Number]
		if !ok {
			return fmt.Errorf("part %d was never uploaded", p.Number)
		}
		if p.ETag != "" && p.ETag != contenthash.Sum(data)[:32] {
			return fmt.Errorf("part %d etag mismatch", p.Number)
		}
		out.Write(data)
	}
	m.blobs[key] = out.Bytes()
	delete(m.uploads, handle)
	return nil
}

func (m *Memory) AbortMultipartUpload(_ context.Context, _, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, handle)
	return nil
}

func sortedParts(parts []model.UploadPart) []model.UploadPart {
	out := append([]model.UploadPart{}, parts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

var _ Backend = (*Memory)(nil)
