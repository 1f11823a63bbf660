package pubsub

import (
	"context"
	"sync"
)

// MemoryBus 是单进程内的总线实现，测试和单实例部署用。
// 语义与 RedisBus 一致：发布者自己也会收到事件。
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.RUnlock()
	for _, h := range hs {
		h(evt)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
	b.closed = true
	return nil
}
