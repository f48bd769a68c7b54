// Package resolve turns a logical media key into something the viewer can
// display: a file in the local content cache or a time-limited streaming URL.
//
// Resolution walks a fixed fallback chain that depends on the media kind and the
// current bandwidth mode. Videos probe compressed proxies and always stream;
// images may try a thumbnail first and otherwise download the original into the
// cache unless it is above the cache's single-entry ceiling. Every remote
// download is gated by an inflight.Registry keyed by the exact object path, so
// concurrent requests for the same object never issue a second fetch.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/cache"
	"github.com/any-hub/media-hub/internal/inflight"
	"github.com/any-hub/media-hub/internal/logging"
	"github.com/any-hub/media-hub/internal/mediapath"
	"github.com/any-hub/media-hub/internal/metrics"
	"github.com/any-hub/media-hub/internal/remote"
)

// Options 汇总 Coordinator 的依赖，全部由调用方显式注入。
type Options struct {
	Store    cache.Store
	Registry *inflight.Registry
	Reader   remote.Reader
	Mode     ModeProvider
	Logger   *logrus.Logger
	Metrics  *metrics.Collectors
	// Published 可选，为空时新建。
	Published *Published
	Now       func() time.Time
}

// Coordinator 执行回退链解析并把结果发布给展示层。
type Coordinator struct {
	store     cache.Store
	registry  *inflight.Registry
	reader    remote.Reader
	mode      ModeProvider
	logger    *logrus.Logger
	metrics   *metrics.Collectors
	published *Published
	now       func() time.Time
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("resolve: store is required")
	}
	if opts.Reader == nil {
		return nil, errors.New("resolve: remote reader is required")
	}
	c := &Coordinator{
		store:     opts.Store,
		registry:  opts.Registry,
		reader:    opts.Reader,
		mode:      opts.Mode,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		published: opts.Published,
		now:       opts.Now,
	}
	if c.registry == nil {
		c.registry = inflight.New()
	}
	if c.mode == nil {
		c.mode = NewAtomicMode(ModeNormal)
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.published == nil {
		c.published = NewPublished()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Published 返回展示层读取的映射。
func (c *Coordinator) Published() *Published {
	return c.published
}

// Resolve 解析一次请求。成功的引用会同时写入 Published。
//
// 返回的错误：ErrSkipped（极低带宽下的预取）、ErrInFlight（预取遇到在途抓取）、
// remote.ErrNotFound（仅缩略图请求且缩略图不存在）、*UnavailableError（传输失败等）。
func (c *Coordinator) Resolve(ctx context.Context, req Request) (*Reference, error) {
	if req.Key == "" {
		return nil, ErrEmptyKey
	}
	mode := c.mode.Mode()
	if mode == ModeExtremeLow && req.Prefetch {
		c.metrics.Resolved("none", "skipped")
		return nil, ErrSkipped
	}

	started := c.now()
	ref, err := c.resolve(ctx, req, mode)
	c.record(req, mode, ref, err, started)
	if err != nil {
		return nil, err
	}
	c.published.Publish(*ref)
	return ref, nil
}

// resolve 是按媒体类型选择策略的唯一分派点。
func (c *Coordinator) resolve(ctx context.Context, req Request, mode BandwidthMode) (*Reference, error) {
	if req.ThumbnailOnly {
		return c.thumbnail(ctx, req)
	}

	switch kind := mediapath.Classify(req.Key); kind {
	case mediapath.KindVideo:
		return c.video(ctx, req)
	case mediapath.KindImage:
		if mode != ModeNormal {
			ref, err := c.thumbnail(ctx, req)
			if !errors.Is(err, remote.ErrNotFound) {
				return ref, err
			}
		}
		return c.original(ctx, req)
	case mediapath.KindDocument, mediapath.KindOther:
		return c.original(ctx, req)
	default:
		return nil, fmt.Errorf("resolve: unhandled media kind %s", kind)
	}
}

// video 依次探测压缩版本，命中即返回流式地址；全部缺失时流式播放原始对象。视频从不写入缓存。
func (c *Coordinator) video(ctx context.Context, req Request) (*Reference, error) {
	for _, candidate := range mediapath.CompressedCandidates(req.Key) {
		c.metrics.RemoteCall("exists")
		ok, err := c.reader.Exists(ctx, candidate)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"action":    "resolve_probe",
				"key":       req.Key,
				"candidate": candidate,
			}).WithError(err).Warn("compressed_probe_failed")
			continue
		}
		if ok {
			return c.stream(ctx, req, candidate, VariantCompressed)
		}
	}
	return c.stream(ctx, req, req.Key, VariantOriginal)
}

// thumbnail 解析缩略图：缓存 -> 在途登记 -> 远端下载并顺带写入缓存。
// 缩略图不存在时返回 remote.ErrNotFound，由调用方决定是否继续回退。
func (c *Coordinator) thumbnail(ctx context.Context, req Request) (*Reference, error) {
	return c.fetch(ctx, req, mediapath.ThumbnailPath(req.Key), VariantThumbnail, false)
}

// original 解析原始对象：超过单条目上限的对象不下载，直接返回流式地址。
func (c *Coordinator) original(ctx context.Context, req Request) (*Reference, error) {
	ref, err := c.fetch(ctx, req, req.Key, VariantOriginal, true)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, &UnavailableError{Key: req.Key, Retryable: false, Err: err}
	}
	return ref, err
}

// fetch 在在途登记保护下把 path 下载进缓存。
// 预取遇到在途抓取直接放弃；用户打开则等待持有者结束后重新检查缓存。
func (c *Coordinator) fetch(ctx context.Context, req Request, path string, variant Variant, checkSize bool) (*Reference, error) {
	if ref, ok := c.lookup(ctx, req, path, variant); ok {
		return ref, nil
	}

	for {
		var ref *Reference
		err := c.registry.Do(path, func() error {
			// 抢到抓取权后再查一次缓存，前一个持有者可能刚写完。
			if hit, ok := c.lookup(ctx, req, path, variant); ok {
				ref = hit
				return nil
			}
			var derr error
			ref, derr = c.download(ctx, req, path, variant, checkSize)
			return derr
		})
		if !errors.Is(err, inflight.ErrBusy) {
			return ref, err
		}

		if req.Prefetch {
			c.metrics.InflightDeclined()
			return nil, ErrInFlight
		}
		if err := c.registry.Wait(ctx, path); err != nil {
			return nil, &UnavailableError{Key: req.Key, Retryable: true, Err: err}
		}
		if hit, ok := c.lookup(ctx, req, path, variant); ok {
			return hit, nil
		}
	}
}

func (c *Coordinator) download(ctx context.Context, req Request, path string, variant Variant, checkSize bool) (*Reference, error) {
	if checkSize {
		c.metrics.RemoteCall("size")
		size, err := c.reader.SizeOf(ctx, path)
		switch {
		case errors.Is(err, remote.ErrNotFound):
			return nil, err
		case err != nil:
			return nil, c.unavailable(req, path, err)
		case size > c.store.MaxEntrySize():
			return c.stream(ctx, req, path, variant)
		}
	}

	c.metrics.RemoteCall("fetch")
	payload, err := c.reader.FetchBytes(ctx, path)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, err
		}
		return nil, c.unavailable(req, path, err)
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = mediapath.ContentType(path)
	}
	entry, err := c.store.Put(ctx, path, payload.Data, contentType)
	if err != nil {
		if !errors.Is(err, cache.ErrTooLarge) {
			c.logger.WithFields(logrus.Fields{
				"action": "cache_put",
				"key":    req.Key,
				"source": path,
			}).WithError(err).Warn("cache_put_failed")
		}
		return c.stream(ctx, req, path, variant)
	}
	return c.localRef(req, entry, variant), nil
}

func (c *Coordinator) lookup(ctx context.Context, req Request, path string, variant Variant) (*Reference, bool) {
	entry, err := c.store.Get(ctx, path)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithFields(logrus.Fields{
				"action": "cache_get",
				"key":    req.Key,
				"source": path,
			}).WithError(err).Warn("cache_read_failed")
		}
		return nil, false
	}
	return c.localRef(req, entry, variant), true
}

func (c *Coordinator) stream(ctx context.Context, req Request, path string, variant Variant) (*Reference, error) {
	c.metrics.RemoteCall("url")
	u, err := c.reader.AuthenticatedURL(ctx, path)
	if err != nil {
		return nil, c.unavailable(req, path, err)
	}
	return &Reference{
		Kind:        RefStream,
		Variant:     variant,
		Key:         req.Key,
		Source:      path,
		URL:         u.String(),
		ContentType: mediapath.ContentType(path),
		ResolvedAt:  c.now(),
	}, nil
}

func (c *Coordinator) localRef(req Request, entry *cache.Entry, variant Variant) *Reference {
	contentType := entry.ContentType
	if contentType == "" {
		contentType = mediapath.ContentType(entry.Key)
	}
	return &Reference{
		Kind:        RefLocal,
		Variant:     variant,
		Key:         req.Key,
		Source:      entry.Key,
		Path:        entry.FilePath,
		ContentType: contentType,
		ResolvedAt:  c.now(),
	}
}

func (c *Coordinator) unavailable(req Request, path string, err error) error {
	return &UnavailableError{Key: req.Key, Retryable: !req.Prefetch, Err: fmt.Errorf("%s: %w", path, err)}
}

func (c *Coordinator) record(req Request, mode BandwidthMode, ref *Reference, err error, started time.Time) {
	fields := logging.ResolveFields(req.Key, "", mode.String(), req.Prefetch)
	fields["elapsed_ms"] = c.now().Sub(started).Milliseconds()

	if err == nil {
		fields["variant"] = string(ref.Variant)
		fields["ref_kind"] = string(ref.Kind)
		fields["source"] = ref.Source
		c.metrics.Resolved(string(ref.Variant), string(ref.Kind))
		c.logger.WithFields(fields).Debug("resolve_complete")
		return
	}

	var unavailable *UnavailableError
	switch {
	case errors.Is(err, ErrInFlight):
		c.metrics.Resolved("none", "declined")
		c.logger.WithFields(fields).Debug("resolve_declined")
	case errors.Is(err, remote.ErrNotFound) && !errors.As(err, &unavailable):
		c.metrics.Resolved(string(VariantThumbnail), "not_found")
		c.logger.WithFields(fields).Debug("resolve_not_found")
	default:
		c.metrics.Resolved("none", "unavailable")
		c.logger.WithFields(fields).WithError(err).Warn("resolve_unavailable")
	}
}

// ClearCache 清空内容缓存，并撤销所有指向本地文件的已发布引用。
func (c *Coordinator) ClearCache(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	removed := c.published.ForgetLocal()
	c.logger.WithFields(logrus.Fields{
		"action":         "cache_clear",
		"refs_forgotten": removed,
	}).Info("cache_cleared")
	return nil
}

// Forget 删除某个 key 的原图与缩略图缓存，并撤销其已发布引用。
func (c *Coordinator) Forget(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	for _, path := range []string{key, mediapath.ThumbnailPath(key)} {
		if err := c.store.Remove(ctx, path); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return err
		}
	}
	c.published.Forget(key)
	return nil
}
