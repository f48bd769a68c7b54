package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedModes = map[string]struct{}{
	"normal":      {},
	"low":         {},
	"extreme-low": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheBudget <= 0 {
		return newFieldError("Global.CacheBudget", "必须大于 0")
	}
	if g.MaxEntryFraction <= 0 || g.MaxEntryFraction > 1 {
		return newFieldError("Global.MaxEntryFraction", "必须在 (0, 1] 区间")
	}
	if _, ok := supportedModes[g.BandwidthMode]; !ok {
		return newFieldError("Global.BandwidthMode", "仅支持 normal/low/extreme-low")
	}
	if g.RemoteTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RemoteTimeout", "必须大于 0")
	}
	if g.URLExpiry.DurationValue() <= 0 {
		return newFieldError("Global.URLExpiry", "必须大于 0")
	}

	if err := c.Remote.validate(); err != nil {
		return err
	}
	return c.Prefetch.validate()
}

func (r RemoteConfig) validate() error {
	switch r.Backend {
	case BackendS3:
		if r.Endpoint == "" {
			return newFieldError(sectionField("Remote", "Endpoint"), "不能为空")
		}
		if strings.Contains(r.Endpoint, "://") || strings.Contains(r.Endpoint, "/") {
			return newFieldError(sectionField("Remote", "Endpoint"), "只填写 host[:port]，不含协议头与路径")
		}
		if r.Bucket == "" {
			return newFieldError(sectionField("Remote", "Bucket"), "不能为空")
		}
		if r.AccessKey == "" || r.SecretKey == "" {
			return newFieldError(sectionField("Remote", "AccessKey/SecretKey"), "s3 后端必须提供")
		}
	case BackendHTTP:
		if err := validateBaseURL(r.BaseURL); err != nil {
			return fmt.Errorf("%s: %w", sectionField("Remote", "BaseURL"), err)
		}
		if (r.Username == "") != (r.Password == "") {
			return newFieldError(sectionField("Remote", "Username/Password"), "必须同时提供或同时留空")
		}
	default:
		return newFieldError(sectionField("Remote", "Backend"), "仅支持 s3|http")
	}
	return nil
}

func (p PrefetchConfig) validate() error {
	if p.FullRadius < 0 {
		return newFieldError(sectionField("Prefetch", "FullRadius"), "不能为负数")
	}
	if p.ThumbnailRadius < p.FullRadius {
		return newFieldError(sectionField("Prefetch", "ThumbnailRadius"), "不能小于 FullRadius")
	}
	if p.Workers <= 0 {
		return newFieldError(sectionField("Prefetch", "Workers"), "必须大于 0")
	}
	if p.QueueSize <= 0 {
		return newFieldError(sectionField("Prefetch", "QueueSize"), "必须大于 0")
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("缺少网关地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，网关: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("网关缺少 Host: %s", raw)
	}
	return nil
}

// MaxEntryBytes 返回单条目上限，与缓存实际执行的上限一致。
func (c *Config) MaxEntryBytes() int64 {
	return int64(float64(c.Global.CacheBudget) * c.Global.MaxEntryFraction)
}
