package stream

import (
	"context"
	"io"
	"iter"
	"math"
	"sync"

	"github.com/wippyai/wasm-tcpip/errors"
)

// Unbounded is a high-water mark for streams that never signal backpressure.
const Unbounded = math.MaxInt32

// ReadableOptions configures a Readable.
type ReadableOptions[T any] struct {
	// Size measures a chunk against HighWaterMark. Nil counts every chunk as 1.
	Size func(T) int
	// Pull is called after a read leaves DesiredSize positive.
	Pull func()
	// OnLock is called once, the first time a consumer locks the stream.
	OnLock func()
	// Cancel is called when the consumer cancels the stream.
	Cancel func(reason error)
	// HighWaterMark is the queue size at which DesiredSize reaches zero.
	HighWaterMark int
}

// Readable is a queue of chunks with one producer (the controller methods
// Enqueue, Close and Error) and at most one locked consumer.
type Readable[T any] struct {
	opts       ReadableOptions[T]
	queue      []T
	err        error
	signal     chan struct{}
	queued     int
	mu         sync.Mutex
	closed     bool
	locked     bool
	everLocked bool
}

// NewReadable creates a readable stream.
func NewReadable[T any](opts ReadableOptions[T]) *Readable[T] {
	return &Readable[T]{
		opts:   opts,
		signal: make(chan struct{}),
	}
}

func (r *Readable[T]) size(v T) int {
	if r.opts.Size == nil {
		return 1
	}
	return r.opts.Size(v)
}

// broadcast wakes every blocked reader. Caller holds r.mu.
func (r *Readable[T]) broadcast() {
	close(r.signal)
	r.signal = make(chan struct{})
}

// Enqueue appends a chunk. It never blocks; producers consult DesiredSize
// to decide whether to keep going.
func (r *Readable[T]) Enqueue(v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.closed {
		return errors.Closed("readable stream")
	}
	r.queue = append(r.queue, v)
	r.queued += r.size(v)
	r.broadcast()
	return nil
}

// Close ends the stream; readers drain the queue and then see io.EOF.
func (r *Readable[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}
	r.closed = true
	r.broadcast()
}

// Error puts the stream into a terminal error state, discarding queued
// chunks. Every later read returns err. It reports false if the stream had
// already errored; the first error is kept.
func (r *Readable[T]) Error(err error) bool {
	_, ok := r.fail(err)
	return ok
}

// Abort is Error that also hands back the discarded chunks, so a producer
// can release whatever they own.
func (r *Readable[T]) Abort(err error) []T {
	dropped, _ := r.fail(err)
	return dropped
}

func (r *Readable[T]) fail(err error) ([]T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false
	}
	dropped := r.queue
	r.err = err
	r.queue = nil
	r.queued = 0
	r.broadcast()
	return dropped, true
}

// Err returns the terminal error, if any.
func (r *Readable[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// DesiredSize is HighWaterMark minus the queued size; zero once the stream
// is closed or errored.
func (r *Readable[T]) DesiredSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desiredLocked()
}

func (r *Readable[T]) desiredLocked() int {
	if r.err != nil || r.closed {
		return 0
	}
	return r.opts.HighWaterMark - r.queued
}

// Len returns the number of queued chunks.
func (r *Readable[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Locked reports whether a consumer currently holds the stream.
func (r *Readable[T]) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// ErrLocked is returned when a second consumer tries to lock a stream.
func ErrLocked() error {
	return errors.Programmer(errors.PhaseStream, "readable stream already locked")
}

// GetReader locks the stream to a new Reader.
func (r *Readable[T]) GetReader() (*Reader[T], error) {
	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		return nil, ErrLocked()
	}
	r.locked = true
	first := !r.everLocked
	r.everLocked = true
	r.mu.Unlock()

	if first && r.opts.OnLock != nil {
		r.opts.OnLock()
	}
	return &Reader[T]{r: r}, nil
}

func (r *Readable[T]) read(ctx context.Context) (T, error) {
	var zero T
	for {
		r.mu.Lock()
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return zero, err
		}
		if len(r.queue) > 0 {
			v := r.queue[0]
			r.queue[0] = zero
			r.queue = r.queue[1:]
			r.queued -= r.size(v)
			pull := r.opts.Pull != nil && r.desiredLocked() > 0
			r.mu.Unlock()
			if pull {
				r.opts.Pull()
			}
			return v, nil
		}
		if r.closed {
			r.mu.Unlock()
			return zero, io.EOF
		}
		wait := r.signal
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// All locks the stream and iterates over its chunks until it closes. A
// terminal error, including the stream already being locked, is yielded
// once as the final pair.
func (r *Readable[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rd, err := r.GetReader()
		if err != nil {
			yield(zero, err)
			return
		}
		defer rd.ReleaseLock()

		for {
			v, err := rd.Read(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Reader is the exclusive consumer of a Readable.
type Reader[T any] struct {
	r        *Readable[T]
	mu       sync.Mutex
	released bool
}

// Read blocks until a chunk is available, the stream ends (io.EOF), the
// stream errors, or ctx is done.
func (rd *Reader[T]) Read(ctx context.Context) (T, error) {
	rd.mu.Lock()
	released := rd.released
	rd.mu.Unlock()
	if released {
		var zero T
		return zero, errors.Programmer(errors.PhaseStream, "reader lock released")
	}
	return rd.r.read(ctx)
}

// ReleaseLock unlocks the stream so another consumer can lock it.
func (rd *Reader[T]) ReleaseLock() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.released {
		return
	}
	rd.released = true
	rd.r.mu.Lock()
	rd.r.locked = false
	rd.r.mu.Unlock()
}

// Cancel errors the stream with reason (or a closed error if nil) and
// notifies the producer.
func (rd *Reader[T]) Cancel(reason error) {
	if reason == nil {
		reason = errors.Closed("readable stream")
	}
	if rd.r.Error(reason) && rd.r.opts.Cancel != nil {
		rd.r.opts.Cancel(reason)
	}
	rd.ReleaseLock()
}
