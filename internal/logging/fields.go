package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResolveFields 提供一次解析请求的 key/变体/带宽模式字段。
func ResolveFields(key, variant, mode string, prefetch bool) logrus.Fields {
	return logrus.Fields{
		"action":   "resolve",
		"key":      key,
		"variant":  variant,
		"mode":     mode,
		"prefetch": prefetch,
	}
}

// RequestFields 提供 HTTP 请求的 method/path/状态字段，供 server 访问日志复用。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"action":     "request",
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
