package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxEntryFraction 是单个条目相对预算的默认上限比例。
const DefaultMaxEntryFraction = 0.4

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<sha256(key)>         # 实际正文
//	<StoragePath>/<sha256(key)>.meta    # key:value 文本 sidecar
//
// 正文大小始终由文件系统提供；sidecar 丢失时以 ModTime 作为访问时间。
type Store interface {
	// Get 返回本地文件引用并刷新访问时间（sidecar + mtime）。不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (*Entry, error)

	// Put 先淘汰再写入，正文与 sidecar 要么同时存在，要么都不存在。
	// 超过 MaxEntrySize 的内容返回 *TooLargeError 且不落盘。
	Put(ctx context.Context, key string, data []byte, contentType string) (*Entry, error)

	// Contains 只检查存在性，不影响 LRU 顺序。
	Contains(key string) bool

	// Remove 删除单个条目及其 sidecar。
	Remove(ctx context.Context, key string) error

	// Clear 无条件删除全部条目。
	Clear(ctx context.Context) error

	// CurrentSize 返回所有正文文件的字节数总和。
	CurrentSize() (int64, error)

	Budget() int64
	// SetBudget 在运行时调整预算，调低时立即淘汰到新预算以内。
	SetBudget(ctx context.Context, budget int64) error
	// MaxEntrySize 返回单条目上限（比例 × Budget，默认 0.4）。
	MaxEntrySize() int64

	Stats() (Stats, error)
}

// Entry 描述一个已缓存条目。Key/ContentType/Created 来自 sidecar，可能为空。
type Entry struct {
	Key         string    `json:"key,omitempty"`
	Handle      string    `json:"handle"`
	FilePath    string    `json:"file_path"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	Created     time.Time `json:"created,omitempty"`
	LastAccess  time.Time `json:"last_access"`
}

// Stats 是诊断端使用的缓存概要。
type Stats struct {
	Entries      int   `json:"entries"`
	SizeBytes    int64 `json:"size_bytes"`
	BudgetBytes  int64 `json:"budget_bytes"`
	MaxEntrySize int64 `json:"max_entry_bytes"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrTooLarge 表示单个条目超过上限，调用方应改走流式引用。
var ErrTooLarge = errors.New("too large for cache")

// TooLargeError 携带超限条目的大小与当时的上限。
type TooLargeError struct {
	Key   string
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s: %s (%d > %d bytes)", ErrTooLarge, e.Key, e.Size, e.Limit)
}

// Is 让 errors.Is(err, ErrTooLarge) 成立。
func (e *TooLargeError) Is(target error) bool {
	return target == ErrTooLarge
}
