package stream

import (
	"context"
	"io"
	"sync"
)

// PipeTo locks both streams and forwards every chunk from r to w until r
// closes, which also closes w. A source error aborts w; a sink error
// cancels r.
func (r *Readable[T]) PipeTo(ctx context.Context, w *Writable[T]) error {
	rd, err := r.GetReader()
	if err != nil {
		return err
	}
	defer rd.ReleaseLock()

	wr, err := w.GetWriter()
	if err != nil {
		return err
	}
	defer wr.ReleaseLock()

	for {
		v, err := rd.Read(ctx)
		if err == io.EOF {
			return wr.Close(ctx)
		}
		if err != nil {
			if ctx.Err() == nil {
				wr.Abort(err)
			}
			return err
		}
		if err := wr.Write(ctx, v); err != nil {
			if ctx.Err() == nil {
				rd.Cancel(err)
			}
			return err
		}
	}
}

// Tee locks r and splits it into two branches that each see every chunk.
// The branches share r's size function and high-water mark. r is read only
// while at least one branch has room, so a slow pair of consumers holds the
// source back. Cancelling one branch does not affect the other; cancelling
// both cancels r.
func (r *Readable[T]) Tee(ctx context.Context) (*Readable[T], *Readable[T], error) {
	rd, err := r.GetReader()
	if err != nil {
		return nil, nil, err
	}

	ctx, stop := context.WithCancel(ctx)
	pull := make(chan struct{}, 1)
	var (
		mu        sync.Mutex
		cancelled int
		reason    error
		gone      bool
	)
	branch := func() *Readable[T] {
		return NewReadable(ReadableOptions[T]{
			HighWaterMark: r.opts.HighWaterMark,
			Size:          r.opts.Size,
			Pull: func() {
				select {
				case pull <- struct{}{}:
				default:
				}
			},
			Cancel: func(err error) {
				mu.Lock()
				cancelled++
				both := cancelled == 2
				if both {
					reason = err
				}
				mu.Unlock()
				if both {
					stop()
				}
			},
		})
	}
	a, b := branch(), branch()

	// finish ends the branches when ctx is done, or cancels r when both
	// branches were cancelled.
	finish := func(err error) {
		mu.Lock()
		why, both := reason, gone
		mu.Unlock()
		if both {
			rd.Cancel(why)
			return
		}
		a.Error(err)
		b.Error(err)
	}

	go func() {
		defer stop()
		defer rd.ReleaseLock()
		for {
			for a.DesiredSize() <= 0 && b.DesiredSize() <= 0 {
				select {
				case <-pull:
				case <-ctx.Done():
					finish(ctx.Err())
					return
				}
			}
			v, err := rd.Read(ctx)
			switch {
			case err == io.EOF:
				a.Close()
				b.Close()
				return
			case err != nil:
				finish(err)
				return
			}
			// A cancelled branch rejects the chunk; the other still gets it.
			errA := a.Enqueue(v)
			errB := b.Enqueue(v)
			if errA != nil && errB != nil {
				rd.Cancel(errA)
				return
			}
		}
	}()

	return a, b, nil
}
