package kv

import (
	"encoding/json"
	"sort"
	"sync"
)

// NewMemoryStore 构建进程内命名空间，读写均复制字节，调用方无法通过切片篡改存储。
func NewMemoryStore() Store {
	return &memoryStore{values: make(map[string][]byte)}
}

type memoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func (s *memoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(raw), true, nil
}

func (s *memoryStore) Update(key string, raw []byte) error {
	if !json.Valid(raw) {
		return ErrInvalidValue
	}

	s.mu.Lock()
	s.values[key] = cloneBytes(raw)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Close() error {
	return nil
}
