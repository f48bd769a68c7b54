// Package metrics 汇总缓存与解析链路的 Prometheus 指标。
// 所有方法都允许 nil 接收者，未注入指标的组件可以直接调用。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "media_hub"

// Collectors 持有各组件共享的指标实例。
type Collectors struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	evictions      prometheus.Counter
	evictedBytes   prometheus.Counter
	cacheBytes     prometheus.Gauge
	resolutions    *prometheus.CounterVec
	remoteFetches  *prometheus.CounterVec
	inflightDenied prometheus.Counter
	prefetchDrops  *prometheus.CounterVec
}

// New 在独立 Registry 上注册全部指标，避免测试之间互相污染全局默认注册表。
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Content cache read hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Content cache read misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by LRU eviction",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evicted_bytes_total",
			Help:      "Payload bytes freed by LRU eviction",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "size_bytes",
			Help:      "Payload bytes currently stored",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "results_total",
			Help:      "Resolution outcomes by variant and reference kind",
		}, []string{"variant", "outcome"}),
		remoteFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote object reader calls by operation",
		}, []string{"op"}),
		inflightDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "inflight_declined_total",
			Help:      "Prefetch requests declined because the key was already in flight",
		}),
		prefetchDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefetch",
			Name:      "dropped_total",
			Help:      "Prefetch jobs dropped before dispatch",
		}, []string{"queue", "reason"}),
	}

	c.registry.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.evictions,
		c.evictedBytes,
		c.cacheBytes,
		c.resolutions,
		c.remoteFetches,
		c.inflightDenied,
		c.prefetchDrops,
	)
	return c
}

// Registry 返回底层 Registry，供 /metrics 端点导出。
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

func (c *Collectors) CacheMiss() {
	if c != nil {
		c.cacheMisses.Inc()
	}
}

// Evicted 记录一次淘汰及其释放的字节数。
func (c *Collectors) Evicted(bytes int64) {
	if c == nil {
		return
	}
	c.evictions.Inc()
	c.evictedBytes.Add(float64(bytes))
}

func (c *Collectors) SetCacheBytes(bytes int64) {
	if c != nil {
		c.cacheBytes.Set(float64(bytes))
	}
}

// Resolved 记录一次解析结果，outcome 形如 local/stream/skipped/unavailable。
func (c *Collectors) Resolved(variant, outcome string) {
	if c != nil {
		c.resolutions.WithLabelValues(variant, outcome).Inc()
	}
}

func (c *Collectors) RemoteCall(op string) {
	if c != nil {
		c.remoteFetches.WithLabelValues(op).Inc()
	}
}

func (c *Collectors) InflightDeclined() {
	if c != nil {
		c.inflightDenied.Inc()
	}
}

func (c *Collectors) PrefetchDropped(queue, reason string) {
	if c != nil {
		c.prefetchDrops.WithLabelValues(queue, reason).Inc()
	}
}
