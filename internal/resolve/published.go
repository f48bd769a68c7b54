package resolve

import "sync"

// Published 是展示层读取的 key -> Reference 映射。
// 解析器只写入，展示层在每次刷新时读取；Version 在每次变化后递增。
type Published struct {
	mu      sync.RWMutex
	refs    map[string]Reference
	version uint64
}

func NewPublished() *Published {
	return &Published{refs: make(map[string]Reference)}
}

// Publish 写入引用；缩略图不会覆盖已发布的原图或压缩版本，此时返回 false。
func (p *Published) Publish(ref Reference) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.refs[ref.Key]; ok && prev.Variant.rank() > ref.Variant.rank() {
		return false
	}
	p.refs[ref.Key] = ref
	p.version++
	return true
}

func (p *Published) Load(key string) (Reference, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ref, ok := p.refs[key]
	return ref, ok
}

// Snapshot 返回当前映射的拷贝及其版本号。
func (p *Published) Snapshot() (map[string]Reference, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Reference, len(p.refs))
	for k, v := range p.refs {
		out[k] = v
	}
	return out, p.version
}

func (p *Published) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Published) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.refs)
}

// Forget 删除单个 key 的引用。
func (p *Published) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.refs[key]; ok {
		delete(p.refs, key)
		p.version++
	}
}

// ForgetLocal 删除所有指向本地缓存文件的引用，返回删除数量。缓存清空后调用。
func (p *Published) ForgetLocal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, ref := range p.refs {
		if ref.Kind == RefLocal {
			delete(p.refs, k)
			removed++
		}
	}
	if removed > 0 {
		p.version++
	}
	return removed
}

// ForgetSource 删除指向已被淘汰的缓存对象 source 的本地引用，返回删除数量。
// 作为 cache.Options.OnEvict 注入。
func (p *Published) ForgetSource(source string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, ref := range p.refs {
		if ref.Kind == RefLocal && ref.Source == source {
			delete(p.refs, k)
			removed++
		}
	}
	if removed > 0 {
		p.version++
	}
	return removed
}
