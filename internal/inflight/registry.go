// Package inflight tracks which logical keys currently have a remote fetch
// running so concurrent resolvers never issue the same download twice.
package inflight

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy 表示 key 已由其他调用方持有。
var ErrBusy = errors.New("fetch already in flight")

// Registry 用一把互斥锁保护 key -> done channel 的映射，所有操作 O(1)。
// channel 在 End 时关闭，等待者借此得知抓取已结束（无论成功与否）。
type Registry struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

// New 创建空的登记表。
func New() *Registry {
	return &Registry{pending: make(map[string]chan struct{})}
}

// TryBegin 原子地登记 key；返回 true 表示调用方获得抓取权，必须在所有退出路径上调用 End。
func (r *Registry) TryBegin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.pending[key]; busy {
		return false
	}
	r.pending[key] = make(chan struct{})
	return true
}

// End 无条件清除登记并唤醒等待者，可重复调用。
func (r *Registry) End(key string) {
	r.mu.Lock()
	done, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if ok {
		close(done)
	}
}

// InFlight 报告 key 当前是否正在抓取。
func (r *Registry) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Wait 阻塞到 key 的持有者调用 End 或 ctx 结束；key 未登记时立即返回。
func (r *Registry) Wait(ctx context.Context, key string) error {
	r.mu.Lock()
	done, ok := r.pending[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do 在获得 key 的抓取权时执行 fn，并保证 fn 返回或 panic 后都会 End。
// 未获得抓取权时不执行 fn，直接返回 ErrBusy。
func (r *Registry) Do(key string, fn func() error) error {
	if !r.TryBegin(key) {
		return ErrBusy
	}
	defer r.End(key)
	return fn()
}

// Len 返回当前在途的 key 数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
