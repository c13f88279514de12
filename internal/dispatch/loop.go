// Package dispatch provides the single control thread every session intent
// and backend callback runs on.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("dispatch loop is not running")

// Poster marshals work onto the control thread.
type Poster interface {
	Post(fn func()) bool
}

// Loop executes posted funcs serially on the goroutine that calls Run.
type Loop struct {
	queue  chan func()
	logger *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func New(size int, logger *slog.Logger) *Loop {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		queue:   make(chan func(), size),
		logger:  logger,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is done or Close is called. Funcs still queued when the
// loop stops are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopped:
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

// Post enqueues fn. It reports false when the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Call runs fn on the control thread and waits for its result. It must not be
// called from the control thread itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Close stops the loop. It is safe to call more than once.
func (l *Loop) Close() {
	l.stopOnce.Do(func() {
		close(l.stopped)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch_panic", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
