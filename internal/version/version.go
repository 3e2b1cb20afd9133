package version

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("graphstate %s (%s)", Version, Commit)
}

// Fields 返回启动日志中附带的版本字段。
func Fields() logrus.Fields {
	return logrus.Fields{
		"version":    Version,
		"commit":     Commit,
		"go_version": runtime.Version(),
	}
}
