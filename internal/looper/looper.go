// Package looper runs posted tasks one at a time on a single goroutine.
//
// Recognizer sessions have thread affinity: every call into a session and
// every callback translation must happen on the same goroutine. A Looper is
// that goroutine.
package looper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is posted to a looper that has quit.
var ErrClosed = errors.New("looper closed")

type Looper struct {
	name string
	log  *slog.Logger

	mu      sync.Mutex
	queue   []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func New(name string, log *slog.Logger) *Looper {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	l := &Looper{
		name: name,
		log:  log.With(slog.String("looper", name)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn without blocking. It reports false once the looper is closing.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the looper and waits for it to finish.
func (l *Looper) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every task posted before it has run.
func (l *Looper) Sync(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Close stops accepting work, runs what is already queued and waits for the
// goroutine to exit. Close must not be called from a task.
func (l *Looper) Close() {
	l.mu.Lock()
	if !l.closing {
		l.closing = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
	<-l.done
}

// Done is closed after the looper goroutine exits.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

func (l *Looper) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		closing := l.closing
		l.mu.Unlock()

		for _, task := range tasks {
			l.invoke(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if closing {
			return
		}
		<-l.wake
	}
}

func (l *Looper) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("looper task panicked", slog.Any("panic", r))
		}
	}()
	task()
}
