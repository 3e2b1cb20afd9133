package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// StateFields 标记一次状态访问所在的作用域（workspace/global）与键名。
func StateFields(scope, key string) logrus.Fields {
	return logrus.Fields{
		"scope": scope,
		"key":   key,
	}
}

// AvatarFields 提供头像缓存相关日志的公共字段。
func AvatarFields(action, path string, available bool) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"path":      path,
		"available": available,
	}
}
