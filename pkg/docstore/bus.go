package docstore

import (
	"context"
	"sync"
)

// ChangeBus tells live subscriptions that a collection was written, so stores
// without native change streams can refresh their result sets.
type ChangeBus interface {
	Publish(ctx context.Context, collection string) error
	// Listen calls fn after every Publish for collection until stop is called.
	// fn must not block.
	Listen(ctx context.Context, collection string, fn func()) (stop func(), err error)
	Close() error
}

// LocalBus is an in-process ChangeBus for single-process deployments.
type LocalBus struct {
	mu        sync.RWMutex
	next      int
	listeners map[string]map[int]func()
}

func NewLocalBus() *LocalBus {
	return &LocalBus{listeners: make(map[string]map[int]func())}
}

func (b *LocalBus) Publish(_ context.Context, collection string) error {
	b.mu.RLock()
	fns := make([]func(), 0, len(b.listeners[collection]))
	for _, fn := range b.listeners[collection] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (b *LocalBus) Listen(_ context.Context, collection string, fn func()) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.listeners[collection] == nil {
		b.listeners[collection] = make(map[int]func())
	}
	b.listeners[collection][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[collection], id)
			b.mu.Unlock()
		})
	}, nil
}

func (b *LocalBus) Close() error {
	return nil
}
