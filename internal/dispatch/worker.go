package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Worker runs submitted funcs one at a time, in submission order, on its own
// goroutine. Backends use it for I/O that must not run on the control thread.
type Worker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func(ctx context.Context)
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		logger: logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit queues fn without waiting. It reports false once the worker is stopped.
func (w *Worker) Submit(fn func(ctx context.Context)) bool {
	if fn == nil || w.ctx.Err() != nil {
		return false
	}
	w.mu.Lock()
	w.pending = append(w.pending, fn)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels the context handed to the running func and discards the rest
// of the queue. It does not wait.
func (w *Worker) Stop() {
	w.cancel()
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		for {
			fn, ok := w.next()
			if !ok {
				break
			}
			if w.ctx.Err() != nil {
				return
			}
			w.exec(fn)
		}
	}
}

func (w *Worker) next() (func(ctx context.Context), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, false
	}
	fn := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	return fn, true
}

func (w *Worker) exec(fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker_panic", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(w.ctx)
}
