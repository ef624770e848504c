package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process BlobStore.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ BlobStore = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, p string) ([]byte, error) {
	c, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return slices.Clone(data), nil
}

func (m *Memory) Put(_ context.Context, p string, data []byte) error {
	c, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[c] = slices.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, p string) error {
	c, err := CleanPath(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.blobs, c)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(_ context.Context, p string) (bool, error) {
	c, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.blobs[c]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.blobs))
	for p := range m.blobs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}
