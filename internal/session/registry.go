package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("duplicate session id")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotClosed = errors.New("session is not closed")
)

// DefaultRetention 已关闭 id 的保留时长，期间不允许复用
const DefaultRetention = 10 * time.Minute

// Entry 可注册的对象
type Entry interface {
	State() State
}

// Registry 呼叫 id 到会话对象的并发安全映射
// 关闭的会话只移除一次，保留期内同一 id 不会被重新加入
type Registry[T Entry] struct {
	mu      sync.Mutex
	entries map[string]T
	retired map[string]time.Time
	// expiry 按移除时间排序，清理只从队头进行
	expiry    []retiredID
	retention time.Duration
	now       func() time.Time
}

type retiredID struct {
	id string
	at time.Time
}

// NewRegistry 创建注册表，retention <= 0 时使用默认值
func NewRegistry[T Entry](retention time.Duration) *Registry[T] {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry[T]{
		entries:   make(map[string]T),
		retired:   make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Create 注册新会话，id 已存在或刚被移除时返回 ErrDuplicateSession
func (r *Registry[T]) Create(id string, entry T) error {
	if id == "" {
		return ErrEmptyID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	if _, ok := r.retired[id]; ok {
		return fmt.Errorf("%w: %s was closed recently", ErrDuplicateSession, id)
	}
	r.entries[id] = entry
	return nil
}

// Get 查找会话
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove 移除已关闭的会话
func (r *Registry[T]) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.State() != StateClosed {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotClosed, id, e.State())
	}
	delete(r.entries, id)
	at := r.now()
	r.retired[id] = at
	r.expiry = append(r.expiry, retiredID{id: id, at: at})
	return nil
}

// Count 在册会话数
func (r *Registry[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs 在册会话 id 快照，按字典序
func (r *Registry[T]) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Range 遍历快照，fn 返回 false 时停止
func (r *Registry[T]) Range(fn func(id string, entry T) bool) {
	r.mu.Lock()
	snapshot := make(map[string]T, len(r.entries))
	for id, e := range r.entries {
		snapshot[id] = e
	}
	r.mu.Unlock()

	for id, e := range snapshot {
		if !fn(id, e) {
			return
		}
	}
}

// Retired 保留期内的已关闭 id 数量
func (r *Registry[T]) Retired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.retired)
}

// pruneLocked 清理过期的已关闭 id，均摊 O(1)
func (r *Registry[T]) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	n := 0
	for n < len(r.expiry) && r.expiry[n].at.Before(cutoff) {
		e := r.expiry[n]
		if at, ok := r.retired[e.id]; ok && at.Equal(e.at) {
			delete(r.retired, e.id)
		}
		r.expiry[n] = retiredID{}
		n++
	}
	if n > 0 {
		r.expiry = r.expiry[n:]
	}
}
