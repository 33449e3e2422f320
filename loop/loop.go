// Package loop provides the single thread of control that owns the engine.
//
// The engine is synchronous and must never be re-entered. Every engine call
// therefore runs as a task on one Loop goroutine. Engine callbacks run inside
// such a task and use Defer to postpone their bookkeeping until the engine
// call has unwound: deferred functions run after the current task returns
// and before the next queued task starts.
package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tcpip/errors"
)

// Loop is a serial task queue drained by Run.
type Loop struct {
	log      *zap.Logger
	tasks    []func()
	deferred []func()
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	mu       sync.Mutex
	started  atomic.Bool
	executed atomic.Uint64
}

// New creates a loop. Tasks may be posted before Run starts.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run drains tasks until ctx is done or Close is called. Tasks still queued
// at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.Programmer(errors.PhaseCall, "control loop started twice")
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.stop()
			return ctx.Err()
		case <-l.quit:
			l.stop()
			return nil
		case <-l.wake:
		}

		for {
			fn := l.pop()
			if fn == nil {
				break
			}
			l.run(fn)

			select {
			case <-l.quit:
				l.stop()
				return nil
			default:
			}
		}
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.tasks = nil
	l.deferred = nil
	l.mu.Unlock()
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn
}

func (l *Loop) popDeferred() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.deferred) == 0 {
		return nil
	}
	fn := l.deferred[0]
	l.deferred[0] = nil
	l.deferred = l.deferred[1:]
	return fn
}

// run executes fn and then every function it (transitively) deferred.
func (l *Loop) run(fn func()) {
	l.guard(fn)
	for {
		d := l.popDeferred()
		if d == nil {
			break
		}
		l.guard(d)
	}
	l.executed.Add(1)
}

func (l *Loop) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("control loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post queues fn without waiting. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	case <-l.done:
		return false
	default:
	}

	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Defer queues fn to run once the current task has returned. It must only be
// called from code running on the loop.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()
}

// Do runs fn on the loop and waits for its result. If ctx ends first, Do
// returns ctx.Err() and fn may still run later. Do must not be called from
// the loop itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	posted := l.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				res <- errors.Programmer(errors.PhaseCall, fmt.Sprintf("control loop task panicked: %v", r))
			}
		}()
		res <- fn()
	})
	if !posted {
		return ErrClosed()
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed()
		}
	}
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, l *Loop, fn func() (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Every posts fn every interval until ctx is done or the loop closes. A tick
// is skipped while the previous fn is still queued or running.
func (l *Loop) Every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var busy atomic.Bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.quit:
			return nil
		case <-l.done:
			return nil
		case <-ticker.C:
			if !busy.CompareAndSwap(false, true) {
				continue
			}
			if !l.Post(func() {
				defer busy.Store(false)
				fn()
			}) {
				return nil
			}
		}
	}
}

// Close stops the loop. Pending and future Do calls fail with ErrClosed.
func (l *Loop) Close() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() uint64 {
	return l.executed.Load()
}

// ErrClosed is returned for work submitted to a closed loop.
func ErrClosed() error {
	return errors.Closed("control loop")
}
