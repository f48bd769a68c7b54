package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/metrics"
)

const tempPrefix = ".tmp-"

// Options 控制 Store 的预算与可观测依赖。
type Options struct {
	// Budget 是全部正文文件允许占用的最大字节数。
	Budget int64
	// MaxEntryFraction 覆盖单条目上限比例，取值 (0, 1]，为 0 时使用 DefaultMaxEntryFraction。
	MaxEntryFraction float64
	Logger           *logrus.Logger
	Metrics          *metrics.Collectors
	// OnEvict 在 LRU 淘汰删除条目后以其逻辑 key 调用；调用时持有 Store 的锁，不得回调 Store。
	OnEvict func(key string)
}

// NewStore 以 basePath 为根目录构建磁盘缓存，由启动流程创建一次并显式注入各组件。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if opts.Budget <= 0 {
		return nil, fmt.Errorf("invalid cache budget: %d", opts.Budget)
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	fraction := opts.MaxEntryFraction
	if fraction == 0 {
		fraction = DefaultMaxEntryFraction
	}
	if fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("invalid max entry fraction: %v", fraction)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &fileStore{
		basePath: abs,
		fraction: fraction,
		now:      time.Now,
		logger:   logger,
		metrics:  opts.Metrics,
		onEvict:  opts.OnEvict,
	}
	s.meta = metaStore{dir: abs}
	s.budget.Store(opts.Budget)
	s.removeStaleTemps()

	if size, err := s.CurrentSize(); err == nil {
		s.metrics.SetCacheBytes(size)
	}
	return s, nil
}

// fileStore 仅用一把粗粒度锁保护“扫描 + 淘汰 + 写入”；同一 key 的并发写入已由上游 in-flight 登记拦截。
type fileStore struct {
	basePath string
	budget   atomic.Int64
	fraction float64
	meta     metaStore
	now      func() time.Time

	// lastStamp 是最近一次访问时间（UnixNano），保证 stamp 严格递增。
	lastStamp atomic.Int64

	mu sync.Mutex

	logger  *logrus.Logger
	metrics *metrics.Collectors
	onEvict func(key string)
}

// stamp 返回严格递增的访问时间，同一时钟读数内的多次访问也能区分先后。
func (s *fileStore) stamp() time.Time {
	n := s.now().UnixNano()
	for {
		prev := s.lastStamp.Load()
		if n <= prev {
			n = prev + 1
		}
		if s.lastStamp.CompareAndSwap(prev, n) {
			return time.Unix(0, n)
		}
	}
}

// payloadInfo 是淘汰扫描时的一条正文记录。
type payloadInfo struct {
	handle     string
	key        string
	size       int64
	lastAccess time.Time
}

// HandleFor 返回 key 对应的缓存文件名（sha256 十六进制，不可逆）。
func HandleFor(key string) string {
	return digest.SHA256.FromString(key).Encoded()
}

func (s *fileStore) Get(ctx context.Context, key string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	handle := HandleFor(key)
	filePath := s.payloadPath(handle)

	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		s.metrics.CacheMiss()
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := s.stamp()
	meta, hasMeta, err := s.meta.touch(handle, now)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_touch", "handle": handle}).Warn("cache_touch_failed")
	}
	if err := os.Chtimes(filePath, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 与淘汰竞争时文件可能刚被删除。
			s.metrics.CacheMiss()
			return nil, ErrNotFound
		}
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_touch", "handle": handle}).Warn("cache_chtimes_failed")
	}
	s.metrics.CacheHit()

	entry := &Entry{
		Key:        key,
		Handle:     handle,
		FilePath:   filePath,
		SizeBytes:  info.Size(),
		LastAccess: now,
	}
	if hasMeta {
		entry.ContentType = meta.ContentType
		entry.Created = meta.Created
		entry.LastAccess = meta.LastAccess
	}
	return entry, nil
}

func (s *fileStore) Put(ctx context.Context, key string, data []byte, contentType string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := int64(len(data))
	if limit := s.MaxEntrySize(); size > limit {
		return nil, &TooLargeError{Key: key, Size: size, Limit: limit}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 等锁期间预算可能被 SetBudget 调低。
	if limit := s.MaxEntrySize(); size > limit {
		return nil, &TooLargeError{Key: key, Size: size, Limit: limit}
	}

	handle := HandleFor(key)
	if err := s.evictLocked(ctx, size, handle); err != nil {
		return nil, fmt.Errorf("evict before put: %w", err)
	}

	filePath := s.payloadPath(handle)
	tempFile, err := os.CreateTemp(s.basePath, tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	// sidecar 写入失败时回滚正文，保证两者同时存在或同时缺失。
	now := s.stamp()
	if err := s.meta.write(handle, key, contentType, now); err != nil {
		os.Remove(filePath)
		_ = s.meta.remove(handle)
		return nil, fmt.Errorf("write sidecar: %w", err)
	}

	if err := os.Chtimes(filePath, now, now); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_put", "handle": handle}).Warn("cache_chtimes_failed")
	}

	s.refreshSizeGauge()

	return &Entry{
		Key:         key,
		Handle:      handle,
		FilePath:    filePath,
		SizeBytes:   size,
		ContentType: contentType,
		Created:     now,
		LastAccess:  now,
	}, nil
}

func (s *fileStore) Contains(key string) bool {
	info, err := os.Stat(s.payloadPath(HandleFor(key)))
	return err == nil && info.Mode().IsRegular()
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeEntry(HandleFor(key)); err != nil {
		return err
	}
	s.refreshSizeGauge()
	return nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(s.basePath, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	s.metrics.SetCacheBytes(0)
	s.logger.WithFields(logrus.Fields{"action": "cache_clear", "path": s.basePath}).Info("cache_cleared")
	return nil
}

func (s *fileStore) CurrentSize() (int64, error) {
	payloads, err := s.payloads(false)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range payloads {
		total += p.size
	}
	return total, nil
}

func (s *fileStore) Budget() int64 {
	return s.budget.Load()
}

func (s *fileStore) SetBudget(ctx context.Context, budget int64) error {
	if budget <= 0 {
		return fmt.Errorf("invalid cache budget: %d", budget)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.budget.Store(budget)
	if err := s.evictLocked(ctx, 0, ""); err != nil {
		return err
	}
	s.refreshSizeGauge()
	return nil
}

func (s *fileStore) MaxEntrySize() int64 {
	return int64(float64(s.Budget()) * s.fraction)
}

func (s *fileStore) Stats() (Stats, error) {
	payloads, err := s.payloads(false)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Entries:      len(payloads),
		BudgetBytes:  s.Budget(),
		MaxEntrySize: s.MaxEntrySize(),
	}
	for _, p := range payloads {
		stats.SizeBytes += p.size
	}
	return stats, nil
}

// payloads 枚举正文文件（跳过 sidecar 与临时文件）。withAccess 为 true 时
// 读取 sidecar 的 last-accessed，缺失或损坏则退回文件 ModTime。
func (s *fileStore) payloads(withAccess bool) ([]payloadInfo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	result := make([]payloadInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, tempPrefix) || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		p := payloadInfo{handle: name, size: info.Size(), lastAccess: info.ModTime()}
		if withAccess {
			// sidecar 只有毫秒精度；与 mtime 落在同一毫秒时 mtime 就是同一次访问的精确值。
			if meta, ok := s.meta.read(name); ok {
				p.key = meta.OriginalKey
				if !meta.LastAccess.IsZero() && meta.LastAccess.UnixMilli() != info.ModTime().UnixMilli() {
					p.lastAccess = meta.LastAccess
				}
			}
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *fileStore) removeEntry(handle string) error {
	if err := os.Remove(s.payloadPath(handle)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.meta.remove(handle)
}

func (s *fileStore) payloadPath(handle string) string {
	return filepath.Join(s.basePath, handle)
}

func (s *fileStore) refreshSizeGauge() {
	if size, err := s.CurrentSize(); err == nil {
		s.metrics.SetCacheBytes(size)
	}
}

// removeStaleTemps 清理进程异常退出后遗留的临时文件。
func (s *fileStore) removeStaleTemps() {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasPrefix(entry.Name(), tempPrefix) {
			_ = os.Remove(filepath.Join(s.basePath, entry.Name()))
		}
	}
}
