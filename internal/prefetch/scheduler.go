// Package prefetch turns a viewer position into background resolution work.
//
// Schedule computes two circular neighbourhoods around the current index and
// enqueues them on two bounded queues: thumbnails for the wide ring first, then
// full media for the inner ring. A small worker pool drains the queues and
// always takes pending thumbnail work before full-media work. Scheduling never
// blocks; when a queue is full the job is dropped and the viewer picks the item
// up again on its next refresh.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/media-hub/internal/metrics"
	"github.com/any-hub/media-hub/internal/remote"
	"github.com/any-hub/media-hub/internal/resolve"
)

const (
	DefaultFullRadius      = 1
	DefaultThumbnailRadius = 2
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
)

// Resolver 是调度器消费的解析接口，由 *resolve.Coordinator 实现。
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (*resolve.Reference, error)
}

type Options struct {
	FullRadius      int
	ThumbnailRadius int
	Workers         int
	QueueSize       int
	Logger          *logrus.Logger
	Metrics         *metrics.Collectors
}

type job struct {
	key           string
	thumbnailOnly bool
	generation    uint64
}

// Scheduler 维护缩略图与完整媒体两条优先级队列。
type Scheduler struct {
	resolver        Resolver
	fullRadius      int
	thumbnailRadius int
	workers         int
	logger          *logrus.Logger
	metrics         *metrics.Collectors

	thumbs     chan job
	full       chan job
	generation atomic.Uint64
	running    atomic.Bool
}

func New(resolver Resolver, opts Options) (*Scheduler, error) {
	if resolver == nil {
		return nil, errors.New("prefetch: resolver is required")
	}
	if opts.FullRadius < 0 || opts.ThumbnailRadius < 0 {
		return nil, fmt.Errorf("prefetch: radius must not be negative")
	}
	if opts.FullRadius == 0 {
		opts.FullRadius = DefaultFullRadius
	}
	if opts.ThumbnailRadius == 0 {
		opts.ThumbnailRadius = DefaultThumbnailRadius
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		resolver:        resolver,
		fullRadius:      opts.FullRadius,
		thumbnailRadius: opts.ThumbnailRadius,
		workers:         opts.Workers,
		logger:          logger,
		metrics:         opts.Metrics,
		thumbs:          make(chan job, opts.QueueSize),
		full:            make(chan job, opts.QueueSize),
	}, nil
}

// Schedule 为新的浏览位置入队预取任务并立即返回已入队数量。
// 旧位置尚未执行的任务会在出队时被丢弃。
func (s *Scheduler) Schedule(items []string, index int) int {
	if len(items) == 0 {
		return 0
	}
	gen := s.generation.Add(1)
	queued := 0

	// 两轮顺序入队：同一位置的缩略图总是先于完整媒体。
	for _, i := range Neighborhood(len(items), index, s.thumbnailRadius) {
		if s.offer(s.thumbs, "thumbnail", job{key: items[i], thumbnailOnly: true, generation: gen}) {
			queued++
		}
	}
	for _, i := range Neighborhood(len(items), index, s.fullRadius) {
		if s.offer(s.full, "full", job{key: items[i], generation: gen}) {
			queued++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"action":     "prefetch_schedule",
		"index":      index,
		"items":      len(items),
		"queued":     queued,
		"generation": gen,
	}).Debug("prefetch_scheduled")
	return queued
}

func (s *Scheduler) offer(queue chan job, name string, j job) bool {
	if j.key == "" {
		return false
	}
	select {
	case queue <- j:
		return true
	default:
		s.metrics.PrefetchDropped(name, "queue_full")
		return false
	}
}

// Pending 返回两条队列中尚未处理的任务数。
func (s *Scheduler) Pending() int {
	return len(s.thumbs) + len(s.full)
}

// Run 启动 worker 池并阻塞到 ctx 结束。同一调度器只能运行一次。
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("prefetch: scheduler already running")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		// 先非阻塞地检查缩略图队列，保证缩略图不会被大文件抓取饿死。
		select {
		case j := <-s.thumbs:
			s.process(ctx, j, "thumbnail")
			continue
		case <-ctx.Done():
			return
		default:
		}

		select {
		case j := <-s.thumbs:
			s.process(ctx, j, "thumbnail")
		case j := <-s.full:
			s.process(ctx, j, "full")
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context, j job, queue string) {
	if j.generation != s.generation.Load() {
		s.metrics.PrefetchDropped(queue, "stale")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "prefetch",
				"key":    j.key,
				"queue":  queue,
			}).Errorf("prefetch_panic: %v", r)
		}
	}()

	_, err := s.resolver.Resolve(ctx, resolve.Request{Key: j.key, Prefetch: true, ThumbnailOnly: j.thumbnailOnly})
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, resolve.ErrSkipped),
		errors.Is(err, resolve.ErrInFlight),
		errors.Is(err, remote.ErrNotFound),
		errors.Is(err, context.Canceled):
	default:
		s.logger.WithFields(logrus.Fields{
			"action": "prefetch",
			"key":    j.key,
			"queue":  queue,
		}).WithError(err).Debug("prefetch_failed")
	}
}
