package source

import (
	"context"
	"errors"
	"sync"

	"github.com/neuroslice/server/internal/volume"
)

// MemorySource serves volumes registered by request key.
type MemorySource struct {
	mu    sync.RWMutex
	data  map[string][]byte
	fails map[string]error
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		data:  make(map[string][]byte),
		fails: make(map[string]error),
	}
}

// Put registers bytes for req.
func (m *MemorySource) Put(req Request, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[req.Key()] = data
	delete(m.fails, req.Key())
}

// Fail makes fetches of req return err.
func (m *MemorySource) Fail(req Request, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[req.Key()] = err
}

// Fetch returns the registered bytes.
func (m *MemorySource) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &volume.IOError{Source: describe(req), Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.fails[req.Key()]; ok {
		return nil, &volume.IOError{Source: describe(req), Err: err}
	}
	data, ok := m.data[req.Key()]
	if !ok {
		return nil, &volume.IOError{Source: describe(req), Err: errors.New("not found")}
	}
	return data, nil
}
