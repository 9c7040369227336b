package listcache

import (
	"context"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 1024

// Memory is a per-process LRU with a fixed TTL per entry.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemory(opts Options) *Memory {
	size := opts.Size
	if size <= 0 {
		size = defaultSize
	}
	return &Memory{lru: expirable.NewLRU[string, []byte](size, nil, opts.TTL)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte) error {
	m.lru.Add(key, val)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	for _, k := range m.lru.Keys() {
		if strings.HasPrefix(k, prefix) && m.lru.Remove(k) {
			n++
		}
	}
	return n, nil
}

var _ Cache = (*Memory)(nil)
