package kv

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Store 是宿主提供的键值命名空间。值均为 JSON 文档，Update 覆盖整条记录。
type Store interface {
	// Get 返回 key 对应的原始 JSON；不存在时 ok 为 false 且 err 为 nil。
	Get(key string) (raw []byte, ok bool, err error)

	// Update 以整体覆盖的方式写入 key。写入 JSON null 表示“无”，不会删除 key。
	Update(key string, raw []byte) error

	// Keys 按字典序返回当前命名空间中的全部 key。
	Keys() ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// 可选后端名称，与配置项 Backend 一致。
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ErrInvalidValue 表示写入的值不是合法 JSON。
var ErrInvalidValue = errors.New("kv value is not valid JSON")

// Open 按后端名称构造命名空间；path 对 memory 后端无意义。
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendFile:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported kv backend %q", backend)
	}
}

// Get 读取 key 并解码为 T；key 不存在时返回 def。
func Get[T any](s Store, key string, def T) (T, error) {
	raw, ok, err := s.Get(key)
	if err != nil {
		return def, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return def, nil
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return def, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, nil
}

// Update 将 value 编码为 JSON 后整体写入 key。
func Update(s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Update(key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func cloneBytes(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
