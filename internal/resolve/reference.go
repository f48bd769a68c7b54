package resolve

import (
	"errors"
	"fmt"
	"time"
)

// RefKind 区分本地缓存文件与远端流式地址。
type RefKind string

const (
	RefLocal  RefKind = "local"
	RefStream RefKind = "stream"
)

// Variant 标识最终采用的是原始对象还是某个虚拟路径。
type Variant string

const (
	VariantOriginal   Variant = "original"
	VariantThumbnail  Variant = "thumbnail"
	VariantCompressed Variant = "compressed"
)

// rank 决定同一 key 的引用能否互相覆盖：缩略图不能覆盖原图或压缩版本。
func (v Variant) rank() int {
	if v == VariantThumbnail {
		return 0
	}
	return 1
}

// Reference 是交给展示层的解析结果。
type Reference struct {
	Kind    RefKind `json:"kind"`
	Variant Variant `json:"variant"`
	// Key 为请求的逻辑路径，Source 为实际解析到的对象路径（可能是缩略图或压缩版本）。
	Key         string    `json:"key"`
	Source      string    `json:"source"`
	Path        string    `json:"path,omitempty"`
	URL         string    `json:"url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Request 描述一次解析请求。
type Request struct {
	Key string
	// Prefetch 为 true 表示来自邻域预取，而非用户主动打开。
	Prefetch bool
	// ThumbnailOnly 只解析缩略图（预取外环使用）。
	ThumbnailOnly bool
}

var (
	// ErrSkipped 表示极低带宽模式下的预取被整体跳过。
	ErrSkipped = errors.New("prefetch skipped in extreme-low bandwidth mode")
	// ErrInFlight 表示同一路径已有抓取在进行，预取请求直接放弃，等待下一次刷新重读。
	ErrInFlight = errors.New("fetch already in flight")
	// ErrEmptyKey 表示请求缺少逻辑路径。
	ErrEmptyKey = errors.New("empty key")
)

// UnavailableError 表示必需抓取失败，展示层应显示占位图。
// Retryable 仅对用户主动打开为 true，预取不会自动重试。
type UnavailableError struct {
	Key       string
	Retryable bool
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no reference available for %s: %v", e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
