package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps the document in process memory. Nothing survives a
// restart; it backs ephemeral sessions and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	doc     []byte
	present bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return nil, ErrNoDocument
	}
	doc := make([]byte, len(m.doc))
	copy(doc, m.doc)
	return doc, nil
}

func (m *MemoryBackend) Store(_ context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = make([]byte, len(doc))
	copy(m.doc, doc)
	m.present = true
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
