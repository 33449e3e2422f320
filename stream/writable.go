package stream

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-tcpip/errors"
)

// WritableOptions configures a Writable.
type WritableOptions[T any] struct {
	// Write delivers one chunk. The write is not acknowledged to the caller
	// until it returns; ctx is cancelled if the stream errors meanwhile.
	Write func(ctx context.Context, v T) error
	// Close is called when the writer closes the stream.
	Close func() error
	// Abort is called when the writer aborts the stream.
	Abort func(reason error)
}

// Writable is a sink with no internal buffering: each write completes only
// once the underlying sink accepted the chunk, so backpressure reaches the
// writer immediately.
type Writable[T any] struct {
	opts   WritableOptions[T]
	err    error
	abort  context.Context
	cancel context.CancelFunc
	turn   chan struct{}
	mu     sync.Mutex
	locked bool
	closed bool
}

// NewWritable creates a writable stream.
func NewWritable[T any](opts WritableOptions[T]) *Writable[T] {
	abort, cancel := context.WithCancel(context.Background())
	return &Writable[T]{
		opts:   opts,
		abort:  abort,
		cancel: cancel,
		turn:   make(chan struct{}, 1),
	}
}

// Error puts the stream into a terminal error state. In-flight and later
// writes fail with err. It reports false if the stream had already errored.
func (w *Writable[T]) Error(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return false
	}
	w.err = err
	w.cancel()
	return true
}

// Err returns the terminal error, if any.
func (w *Writable[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Locked reports whether a writer currently holds the stream.
func (w *Writable[T]) Locked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locked
}

// GetWriter locks the stream to a new Writer.
func (w *Writable[T]) GetWriter() (*Writer[T], error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locked {
		return nil, errors.Programmer(errors.PhaseStream, "writable stream already locked")
	}
	w.locked = true
	return &Writer[T]{w: w}, nil
}

func (w *Writable[T]) state() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return errors.Closed("writable stream")
	}
	return nil
}

func (w *Writable[T]) write(ctx context.Context, v T) error {
	select {
	case w.turn <- struct{}{}:
	case <-w.abort.Done():
		return w.state()
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.turn }()

	if err := w.state(); err != nil {
		return err
	}

	sinkCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.abort, cancel)
	defer func() {
		stop()
		cancel()
	}()

	err := w.opts.Write(sinkCtx, v)
	if err == nil {
		return nil
	}
	if serr := w.state(); serr != nil {
		return serr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.Error(err)
	return err
}

func (w *Writable[T]) close(ctx context.Context) error {
	select {
	case w.turn <- struct{}{}:
	case <-w.abort.Done():
		return w.state()
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.turn }()

	if err := w.state(); err != nil {
		return err
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if w.opts.Close != nil {
		return w.opts.Close()
	}
	return nil
}

// Writer is the exclusive producer for a Writable.
type Writer[T any] struct {
	w        *Writable[T]
	mu       sync.Mutex
	released bool
}

func (wr *Writer[T]) check() error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.released {
		return errors.Programmer(errors.PhaseStream, "writer lock released")
	}
	return nil
}

// Write delivers v and returns once the sink accepted it.
func (wr *Writer[T]) Write(ctx context.Context, v T) error {
	if err := wr.check(); err != nil {
		return err
	}
	return wr.w.write(ctx, v)
}

// Close waits for the in-flight write and closes the sink.
func (wr *Writer[T]) Close(ctx context.Context) error {
	if err := wr.check(); err != nil {
		return err
	}
	return wr.w.close(ctx)
}

// Abort errors the stream with reason and notifies the sink.
func (wr *Writer[T]) Abort(reason error) {
	if reason == nil {
		reason = errors.Closed("writable stream")
	}
	if wr.w.Error(reason) && wr.w.opts.Abort != nil {
		wr.w.opts.Abort(reason)
	}
}

// ReleaseLock unlocks the stream so another producer can lock it.
func (wr *Writer[T]) ReleaseLock() {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.released {
		return
	}
	wr.released = true
	wr.w.mu.Lock()
	wr.w.locked = false
	wr.w.mu.Unlock()
}
