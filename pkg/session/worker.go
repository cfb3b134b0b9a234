package session

import (
	"context"
	"sync"
)

type task func(ctx context.Context)

// worker runs tasks one at a time in submission order.
type worker struct {
	mu     sync.Mutex
	queue  []task
	closed bool
	wake   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newWorker() *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *worker) submit(t task) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if w.closed {
			w.queue = nil
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.ctx.Done():
				continue
			}
		}
		next := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()
		next(w.ctx)
	}
}

// barrier waits for every task submitted before it.
func (w *worker) barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reached := make(chan struct{})
	if err := w.submit(func(context.Context) { close(reached) }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrClosed
	case <-reached:
		return nil
	}
}

// close cancels the running task and stops the loop. Without a prior run it
// only marks the worker closed.
func (w *worker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.cancel()
}
