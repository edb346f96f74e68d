// Package loop provides the single-threaded event loop that serializes every
// handler touching an exam attempt.
//
// Timer callbacks, signal subscriptions and completions of outbound calls all
// run on their own goroutines; they never touch attempt state directly but
// Post a closure instead. The loop runs closures one at a time in the order
// they were posted, so no two handlers for the same attempt interleave.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Poster accepts work to run on an event loop.
type Poster interface {
	// Post enqueues fn. It returns false if the loop no longer accepts work.
	Post(fn func()) bool
}

// ErrClosed is returned by Run once the loop has been closed.
var ErrClosed = errors.New("loop: closed")

// Loop is a goroutine-backed event loop.
type Loop struct {
	work   chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a loop with the given queue depth.
func New(depth int, logger *slog.Logger) *Loop {
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		work:   make(chan func(), depth),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post enqueues fn, blocking while the queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.work <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run processes posted work until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return ErrClosed
		case fn := <-l.work:
			l.invoke(fn)
		}
	}
}

// Close stops accepting work. Pending closures are dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop stops accepting work.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event handler panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// Queue is a Poster that runs nothing until Drain is called. Tests use it to
// step an attempt deterministically.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Post appends fn to the queue.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, fn)
	return true
}

// Drain runs queued closures, including ones posted while draining, until
// the queue is empty. It returns how many ran.
func (q *Queue) Drain() int {
	ran := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return ran
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
		ran++
	}
}

// Len returns the number of queued closures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close makes further Post calls fail and discards queued work.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
}
