package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是覆盖配置项的环境变量前缀，例如 GRAPHSTATE_BACKEND=sqlite。
const EnvPrefix = "GRAPHSTATE"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkspaceDefaults(&cfg.Workspace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absGlobal, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析全局存储目录: %w", err)
	}
	cfg.Global.StoragePath = absGlobal

	absWorkspace, err := filepath.Abs(cfg.Workspace.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析工作区存储目录: %w", err)
	}
	cfg.Workspace.StoragePath = absWorkspace

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5050)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("GlobalStoragePath", "./storage")
	v.SetDefault("WorkspaceStoragePath", "./.graphstate")
	v.SetDefault("Backend", BackendFile)
	v.SetDefault("ClearFailurePolicy", ClearPolicyIgnore)
	v.SetDefault("ClearRetries", 2)
	v.SetDefault("AvatarTTL", "336h")
	v.SetDefault("IdenticonTTL", "96h")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5050
	}
	g.Backend = strings.ToLower(strings.TrimSpace(g.Backend))
	if g.Backend == "" {
		g.Backend = BackendFile
	}
	g.ClearFailurePolicy = strings.ToLower(strings.TrimSpace(g.ClearFailurePolicy))
	if g.ClearFailurePolicy == "" {
		g.ClearFailurePolicy = ClearPolicyIgnore
	}
	if g.AvatarTTL.DurationValue() == 0 {
		g.AvatarTTL = Duration(14 * 24 * time.Hour)
	}
	if g.IdenticonTTL.DurationValue() == 0 {
		g.IdenticonTTL = Duration(4 * 24 * time.Hour)
	}
}

func applyWorkspaceDefaults(w *WorkspaceConfig) {
	if strings.TrimSpace(w.StoragePath) == "" {
		w.StoragePath = "./.graphstate"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
