package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileName 是与配置文件同目录的环境变量文件名。
const EnvFileName = ".env"

// EnvFileFor 返回 configPath 同目录下的 .env 路径。
func EnvFileFor(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), EnvFileName)
}

// LoadEnvFile 将 path 中的变量注入进程环境，已存在的变量不会被覆盖。文件不存在时忽略。
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取环境文件失败: %w", err)
	}
	return nil
}
