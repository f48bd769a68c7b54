package resolve

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// BandwidthMode 控制解析的激进程度。
type BandwidthMode int32

const (
	ModeNormal BandwidthMode = iota
	ModeLow
	ModeExtremeLow
)

func (m BandwidthMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLow:
		return "low"
	case ModeExtremeLow:
		return "extreme-low"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// ParseMode 解析配置或接口传入的模式名，大小写与分隔符不敏感。
func ParseMode(raw string) (BandwidthMode, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "", "_", "", " ", "").Replace(norm)
	switch norm {
	case "", "normal":
		return ModeNormal, nil
	case "low":
		return ModeLow, nil
	case "extremelow":
		return ModeExtremeLow, nil
	}
	return ModeNormal, fmt.Errorf("unknown bandwidth mode %q", raw)
}

func (m BandwidthMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BandwidthMode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ModeProvider 提供当前带宽模式，每次解析开始时同步读取一次。
type ModeProvider interface {
	Mode() BandwidthMode
}

// AtomicMode 是可在运行时切换的 ModeProvider。
type AtomicMode struct {
	v atomic.Int32
}

func NewAtomicMode(initial BandwidthMode) *AtomicMode {
	m := &AtomicMode{}
	m.Set(initial)
	return m
}

func (m *AtomicMode) Mode() BandwidthMode {
	return BandwidthMode(m.v.Load())
}

func (m *AtomicMode) Set(mode BandwidthMode) {
	m.v.Store(int32(mode))
}
