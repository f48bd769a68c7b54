package config

import (
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort    = 5000
	defaultCacheBudget   = 512 * 1024 * 1024
	defaultEntryFraction = 0.4
	defaultRemoteTimeout = 30 * time.Second
	defaultURLExpiry     = 15 * time.Minute
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectLegacyHubs(v); err != nil {
		return nil, err
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyRemoteDefaults(&cfg.Remote)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBudget", "512MB")
	v.SetDefault("MaxEntryFraction", defaultEntryFraction)
	v.SetDefault("BandwidthMode", "normal")
	v.SetDefault("RemoteTimeout", "30s")
	v.SetDefault("URLExpiry", "15m")
	v.SetDefault("Remote.Backend", BackendS3)
	v.SetDefault("Remote.UseSSL", true)
	v.SetDefault("Prefetch.FullRadius", 1)
	v.SetDefault("Prefetch.ThumbnailRadius", 2)
	v.SetDefault("Prefetch.Workers", 4)
	v.SetDefault("Prefetch.QueueSize", 64)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.CacheBudget == 0 {
		g.CacheBudget = defaultCacheBudget
	}
	if g.MaxEntryFraction == 0 {
		g.MaxEntryFraction = defaultEntryFraction
	}
	if g.RemoteTimeout.DurationValue() == 0 {
		g.RemoteTimeout = Duration(defaultRemoteTimeout)
	}
	if g.URLExpiry.DurationValue() == 0 {
		g.URLExpiry = Duration(defaultURLExpiry)
	}
	g.BandwidthMode = normalizeMode(g.BandwidthMode)
}

func applyRemoteDefaults(r *RemoteConfig) {
	r.Backend = strings.ToLower(strings.TrimSpace(r.Backend))
	if r.Backend == "" {
		r.Backend = BackendS3
	}
	r.Prefix = strings.Trim(r.Prefix, "/")
}

// normalizeMode 把 extremeLow / extreme_low 等写法统一为 extreme-low。
func normalizeMode(raw string) string {
	norm := strings.ToLower(strings.TrimSpace(raw))
	switch strings.NewReplacer("-", "", "_", "").Replace(norm) {
	case "":
		return "normal"
	case "extremelow":
		return "extreme-low"
	}
	return norm
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

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			n, err := parseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %w", err)
			}
			return ByteSize(n), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			if v < 0 || v > math.MaxInt64 {
				return nil, fmt.Errorf("容量超出范围: %v", v)
			}
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}

// rejectLegacyHubs 拒绝代理时代的 [[Hub]] 段，避免旧配置被静默忽略。
func rejectLegacyHubs(v *viper.Viper) error {
	if v.IsSet("Hub") {
		return newFieldError("Hub", "字段已弃用，请改用 [Remote] 配置对象存储")
	}
	return nil
}
