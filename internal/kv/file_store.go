package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// NewFileStore 以单个 JSON 文件承载整个命名空间。文件在打开时载入内存，
// 每次 Update 通过临时文件 + rename 整体重写，保证读者永远看到完整文档。
func NewFileStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("state file path required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	values := make(map[string]json.RawMessage)
	data, err := os.ReadFile(abs)
	switch {
	case err == nil:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &values); err != nil {
				return nil, fmt.Errorf("parse state file: %w", err)
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read state file: %w", err)
	}

	return &fileStore{path: abs, values: values}, nil
}

type fileStore struct {
	path string

	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func (s *fileStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(raw), true, nil
}

func (s *fileStore) Update(key string, raw []byte) error {
	if !json.Valid(raw) {
		return ErrInvalidValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.values[key]
	s.values[key] = json.RawMessage(cloneBytes(raw))
	if err := s.flush(); err != nil {
		if existed {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Keys() ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error {
	return nil
}

// flush 在持有写锁时调用。
func (s *fileStore) flush() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, s.path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
