package store

import (
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"
)

// MemoryStore is an in-memory Store used in tests and as a fallback
// when no durable backend is configured.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(key string, v interface{}) (bool, error) {
	m.mu.Lock()
	raw, ok := m.values[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return decodeLenient(key, raw, v), nil
}

func (m *MemoryStore) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(prefix string) error {
	m.mu.Lock()
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			delete(m.values, key)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SetRaw stores an already-encoded value verbatim. Tests use it to
// simulate corrupt persisted data.
func (m *MemoryStore) SetRaw(key string, raw []byte) {
	m.mu.Lock()
	m.values[key] = append([]byte(nil), raw...)
	m.mu.Unlock()
}
