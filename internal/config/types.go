package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"96h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的键值存储后端。
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// 头像缓存清理失败时的处理策略。
const (
	ClearPolicyIgnore = "ignore"
	ClearPolicyLog    = "log"
	ClearPolicyRetry  = "retry"
)

// GlobalConfig 描述进程级（跨工作区共享）的运行参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"GlobalStoragePath"`
	Backend            string   `mapstructure:"Backend"`
	ClearFailurePolicy string   `mapstructure:"ClearFailurePolicy"`
	ClearRetries       int      `mapstructure:"ClearRetries"`
	AvatarTTL          Duration `mapstructure:"AvatarTTL"`
	IdenticonTTL       Duration `mapstructure:"IdenticonTTL"`
}

// WorkspaceConfig 描述当前工作区的持久化位置。
type WorkspaceConfig struct {
	StoragePath string `mapstructure:"WorkspaceStoragePath"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Workspace WorkspaceConfig `mapstructure:",squash"`
}

// StateFile 返回指定命名空间在当前后端下的持久化文件路径。
func StateFile(dir, backend string) string {
	switch backend {
	case BackendSQLite:
		return filepath.Join(dir, "state.db")
	case BackendMemory:
		return ""
	default:
		return filepath.Join(dir, "state.json")
	}
}
