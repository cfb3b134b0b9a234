package docstore

import (
	"context"
	"sync"
)

// feed is the Subscription shared by the store implementations.
type feed struct {
	mu      sync.Mutex
	ch      chan Snapshot
	done    chan struct{}
	closed  bool
	onClose func()
}

func newFeed(ctx context.Context, onClose func()) *feed {
	f := &feed{
		ch:      make(chan Snapshot, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				f.Close()
			case <-f.done:
			}
		}()
	}
	return f
}

func (f *feed) Snapshots() <-chan Snapshot {
	return f.ch
}

// push replaces any undelivered snapshot with s. It never blocks.
func (f *feed) push(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- s:
	default:
		select {
		case <-f.ch:
		default:
		}
		f.ch <- s
	}
}

// Close is idempotent.
func (f *feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.ch)
	close(f.done)
	f.mu.Unlock()
	if f.onClose != nil {
		f.onClose()
	}
}
