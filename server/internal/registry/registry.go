package registry

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("registry entry not found")

// Registry 记录每个数据源当前活跃的订阅者，保证同一数据源同时只有一个句柄。
type Registry[V comparable] struct {
	mu   sync.RWMutex
	data map[string]V
}

func New[V comparable]() *Registry[V] {
	return &Registry[V]{data: make(map[string]V)}
}

// LoadOrStore 在 id 未登记时登记 v；已登记时返回已有值，loaded 为 true。
// 检查与登记在同一把锁内完成，两个并发 attach 只会有一个成功登记。
func (r *Registry[V]) LoadOrStore(id string, v V) (actual V, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.data[id]; ok {
		return existing, true
	}
	r.data[id] = v
	return v, false
}

// Get 根据 id 获取已登记的值。
func (r *Registry[V]) Get(id string) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.data[id]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

// Delete 只在登记的仍是 v 时删除，避免旧句柄释放掉新句柄的登记。
func (r *Registry[V]) Delete(id string, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.data[id]; ok && existing == v {
		delete(r.data, id)
		return true
	}
	return false
}

func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
