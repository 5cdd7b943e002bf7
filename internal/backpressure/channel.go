package backpressure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrChannelFull   = errors.New("backpressure channel full")
	ErrChannelClosed = errors.New("backpressure channel closed")
)

// Policy 队列满时的处理策略
type Policy int

const (
	// DropOldest 丢弃最早的可丢弃元素，新元素入队
	DropOldest Policy = iota
	// RejectNew 拒绝新元素，返回 ErrChannelFull
	RejectNew
	// Block 阻塞直到有空位或 ctx 结束
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject_new"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParsePolicy 解析配置中的策略名称
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	case "reject_new", "reject-new":
		return RejectNew, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// Stats 通道统计
type Stats struct {
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
}

// Option 通道选项
type Option[T any] func(*Channel[T])

// WithDropHandler 元素被 DropOldest 淘汰时回调，在锁外调用
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(c *Channel[T]) {
		c.onDrop = fn
	}
}

// WithEvictable 限定哪些元素允许被 DropOldest 淘汰
func WithEvictable[T any](fn func(T) bool) Option[T] {
	return func(c *Channel[T]) {
		c.evictable = fn
	}
}

// Channel 有界 FIFO 队列，长度永远不超过容量
type Channel[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	policy   Policy
	closed   bool

	// 容量为1的信号通道，避免丢失唤醒
	ready    chan struct{}
	notFull  chan struct{}
	closedCh chan struct{}

	onDrop    func(T)
	evictable func(T) bool

	pushed, popped, dropped, rejected uint64
}

// New 创建指定容量和策略的通道
func New[T any](capacity int, policy Policy, opts ...Option[T]) *Channel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Channel[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push 入队，满时按策略处理
func (c *Channel[T]) Push(ctx context.Context, item T) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrChannelClosed
		}

		if len(c.items) < c.capacity {
			c.items = append(c.items, item)
			c.pushed++
			hasRoom := len(c.items) < c.capacity
			c.mu.Unlock()
			signal(c.ready)
			if hasRoom && c.policy == Block {
				signal(c.notFull)
			}
			return nil
		}

		switch c.policy {
		case DropOldest:
			evicted, ok := c.evictLocked()
			if !ok {
				c.rejected++
				c.mu.Unlock()
				return ErrChannelFull
			}
			c.items = append(c.items, item)
			c.pushed++
			c.dropped++
			onDrop := c.onDrop
			c.mu.Unlock()
			signal(c.ready)
			if onDrop != nil {
				onDrop(evicted)
			}
			return nil
		case Block:
			c.mu.Unlock()
			select {
			case <-c.notFull:
			case <-c.closedCh:
				return ErrChannelClosed
			case <-ctx.Done():
				c.mu.Lock()
				c.rejected++
				c.mu.Unlock()
				return ctx.Err()
			}
		default:
			c.rejected++
			c.mu.Unlock()
			return ErrChannelFull
		}
	}
}

// evictLocked 移除最早的可淘汰元素
func (c *Channel[T]) evictLocked() (T, bool) {
	for i, it := range c.items {
		if c.evictable != nil && !c.evictable(it) {
			continue
		}
		copy(c.items[i:], c.items[i+1:])
		var zero T
		c.items[len(c.items)-1] = zero
		c.items = c.items[:len(c.items)-1]
		return it, true
	}
	var zero T
	return zero, false
}

// TryPop 非阻塞出队
func (c *Channel[T]) TryPop() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popLocked()
}

func (c *Channel[T]) popLocked() (T, bool) {
	var zero T
	if len(c.items) == 0 {
		return zero, false
	}
	it := c.items[0]
	copy(c.items, c.items[1:])
	c.items[len(c.items)-1] = zero
	c.items = c.items[:len(c.items)-1]
	c.popped++
	signal(c.notFull)
	if len(c.items) > 0 {
		signal(c.ready)
	}
	return it, true
}

// Pop 阻塞出队，通道关闭且为空时返回 ErrChannelClosed
func (c *Channel[T]) Pop(ctx context.Context) (T, error) {
	for {
		c.mu.Lock()
		if it, ok := c.popLocked(); ok {
			c.mu.Unlock()
			return it, nil
		}
		closed := c.closed
		c.mu.Unlock()

		var zero T
		if closed {
			return zero, ErrChannelClosed
		}

		select {
		case <-c.ready:
		case <-c.closedCh:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Ready 有新元素时收到信号，用于同时等待多个通道
func (c *Channel[T]) Ready() <-chan struct{} {
	return c.ready
}

// Drain 取出全部剩余元素
func (c *Channel[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, len(c.items))
	copy(out, c.items)
	var zero T
	for i := range c.items {
		c.items[i] = zero
	}
	c.items = c.items[:0]
	c.popped += uint64(len(out))
	signal(c.notFull)
	return out
}

// Close 关闭通道，可重复调用；已入队元素仍可取出
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closedCh)
}

// Closed 是否已关闭
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Channel[T]) Cap() int {
	return c.capacity
}

// Policy 返回满队列策略
func (c *Channel[T]) Policy() Policy {
	return c.policy
}

// Stats 返回统计快照
func (c *Channel[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:      len(c.items),
		Cap:      c.capacity,
		Pushed:   c.pushed,
		Popped:   c.popped,
		Dropped:  c.dropped,
		Rejected: c.rejected,
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
