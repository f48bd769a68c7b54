package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// ByteSize 是以字节计的容量，配置中可写 536870912、"512MB"、"1.5g" 等形式（1024 进制）。
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := parseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%dB", int64(b))
	case b < mb:
		return trimFloat(float64(b)/kb) + "KB"
	case b < gb:
		return trimFloat(float64(b)/mb) + "MB"
	default:
		return trimFloat(float64(b)/gb) + "GB"
	}
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}

// parseBytes 解析带 k/m/g 后缀（可选 b）的容量字符串。
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	last := s[len(s)-1]
	if last == 'b' {
		s = strings.TrimSpace(s[:len(s)-1])
		if s == "" {
			return 0, fmt.Errorf("invalid size")
		}
		last = s[len(s)-1]
	}
	switch last {
	case 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// CacheBudget 为内容缓存的总字节上限。
	CacheBudget ByteSize `mapstructure:"CacheBudget"`
	// MaxEntryFraction 为单个条目占预算的最大比例。
	MaxEntryFraction float64  `mapstructure:"MaxEntryFraction"`
	BandwidthMode    string   `mapstructure:"BandwidthMode"`
	RemoteTimeout    Duration `mapstructure:"RemoteTimeout"`
	URLExpiry        Duration `mapstructure:"URLExpiry"`
}

// RemoteConfig 描述远端对象存储：s3 走 minio 客户端，http 走对象网关。
type RemoteConfig struct {
	Backend   string `mapstructure:"Backend"`
	Endpoint  string `mapstructure:"Endpoint"`
	Bucket    string `mapstructure:"Bucket"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`
	UseSSL    bool   `mapstructure:"UseSSL"`
	Region    string `mapstructure:"Region"`
	Prefix    string `mapstructure:"Prefix"`
	BaseURL   string `mapstructure:"BaseURL"`
	Username  string `mapstructure:"Username"`
	Password  string `mapstructure:"Password"`
}

// PrefetchConfig 控制邻域预取的范围与并发。
type PrefetchConfig struct {
	FullRadius      int `mapstructure:"FullRadius"`
	ThumbnailRadius int `mapstructure:"ThumbnailRadius"`
	Workers         int `mapstructure:"Workers"`
	QueueSize       int `mapstructure:"QueueSize"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Remote   RemoteConfig   `mapstructure:"Remote"`
	Prefetch PrefetchConfig `mapstructure:"Prefetch"`
}

const (
	BackendS3   = "s3"
	BackendHTTP = "http"
)

// HasCredentials 表示 http 后端是否配置了完整的网关凭证。
func (r RemoteConfig) HasCredentials() bool {
	return r.Username != "" && r.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r RemoteConfig) AuthMode() string {
	if r.Backend == BackendS3 || r.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// Target 返回用于日志的远端描述，不含凭证。
func (r RemoteConfig) Target() string {
	if r.Backend == BackendHTTP {
		return r.BaseURL
	}
	if r.Prefix != "" {
		return fmt.Sprintf("%s/%s/%s", r.Endpoint, r.Bucket, strings.Trim(r.Prefix, "/"))
	}
	return fmt.Sprintf("%s/%s", r.Endpoint, r.Bucket)
}
