package cache

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// evictLocked 按访问时间从旧到新删除条目，直到 current - freed <= budget - incoming。
// keep 是即将被覆盖的条目：它的体积不计入当前占用，也不会被淘汰。
// 即使清空缓存也无法满足目标时直接停止，交由调用方的单条目上限兜底。
// 调用方必须持有 s.mu。
func (s *fileStore) evictLocked(ctx context.Context, incoming int64, keep string) error {
	payloads, err := s.payloads(true)
	if err != nil {
		return err
	}

	var current int64
	candidates := payloads[:0]
	for _, p := range payloads {
		if p.handle == keep {
			continue
		}
		current += p.size
		candidates = append(candidates, p)
	}

	target := s.Budget() - incoming
	if current <= target {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastAccess.Equal(candidates[j].lastAccess) {
			return candidates[i].handle < candidates[j].handle
		}
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	var freed int64
	evicted := 0
	for _, p := range candidates {
		if current-freed <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.removeEntry(p.handle); err != nil {
			return err
		}
		freed += p.size
		evicted++
		s.metrics.Evicted(p.size)
		if s.onEvict != nil && p.key != "" {
			s.onEvict(p.key)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"action":         "cache_evict",
		"evicted":        evicted,
		"freed_bytes":    freed,
		"incoming_bytes": incoming,
		"budget_bytes":   s.Budget(),
	}).Debug("cache_evicted")
	return nil
}
