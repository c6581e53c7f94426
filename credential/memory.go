package credential

import (
	"context"
	"sync"
)

// MemoryBackend keeps the credential in process memory.
type MemoryBackend struct {
	mu sync.Mutex
	c  *Credential
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil, ErrNotFound
	}
	cp := *m.c
	return &cp, nil
}

func (m *MemoryBackend) Save(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.c = &cp
	return nil
}

func (m *MemoryBackend) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c = nil
	return nil
}
