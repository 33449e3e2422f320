package bindings

import (
	"context"
	"io"
	"iter"
	"sync"

	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
	"github.com/wippyai/wasm-tcpip/loop"
	"github.com/wippyai/wasm-tcpip/memory"
	"github.com/wippyai/wasm-tcpip/resource"
	"github.com/wippyai/wasm-tcpip/stream"
)

// The engine takes 16-bit lengths for sends and window updates.
const (
	maxChunk  = 0xffff
	maxCredit = 0xffff
)

// Conn is a TCP connection. Its readable side yields received bytes; its
// writable side sends. Read, Write and Close make it an io.ReadWriteCloser;
// Read and Write hold the reader and writer locks internally.
type Conn struct {
	tcp      *TCP
	handle   tcpip.Handle
	ref      resource.Ref
	remote   string
	readable *stream.Readable[[]byte]
	writable *stream.Writable[[]byte]
	done     chan struct{}

	// loop only
	staging [][]byte
	closed  bool

	rdMu     sync.Mutex
	rd       *stream.Reader[[]byte]
	leftover []byte
	wrMu     sync.Mutex
	wr       *stream.Writer[[]byte]
}

func newConn(t *TCP, h tcpip.Handle, remote string) *Conn {
	c := &Conn{
		tcp:    t,
		handle: h,
		remote: remote,
		done:   make(chan struct{}),
	}
	c.readable = stream.NewReadable(stream.ReadableOptions[[]byte]{
		HighWaterMark: ReadableHighWaterMark,
		Size:          func(b []byte) int { return len(b) },
		Pull:          func() { t.env.Loop.Post(c.drain) },
		Cancel:        func(error) { t.env.Loop.Post(func() { c.shutdown() }) },
	})
	c.writable = stream.NewWritable(stream.WritableOptions[[]byte]{
		Write: c.send,
		Close: c.Close,
		Abort: func(error) { t.env.Loop.Post(func() { c.shutdown() }) },
	})
	return c
}

// Handle returns the engine handle.
func (c *Conn) Handle() tcpip.Handle { return c.handle }

// RemoteAddr returns the dialed address. It is empty for accepted
// connections; the engine does not report peer addresses.
func (c *Conn) RemoteAddr() string { return c.remote }

// Readable returns the receive side.
func (c *Conn) Readable() *stream.Readable[[]byte] { return c.readable }

// Writable returns the send side.
func (c *Conn) Writable() *stream.Writable[[]byte] { return c.writable }

// Done is closed once the connection is closed by either side.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Chunks iterates over received chunks. It locks the readable side.
func (c *Conn) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return c.readable.All(ctx)
}

// sendState belongs to one send call and is touched only on the loop.
type sendState struct {
	ptr *memory.Pointer
	ack chan uint32
	off uint32
}

// send is the writable sink. The chunk is copied into engine memory once and
// fed to the engine as its send buffer frees up. At most one send per
// connection waits for an ack at a time.
func (c *Conn) send(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	env := c.tcp.env
	s := &sendState{}
	defer env.Loop.Post(func() {
		if s.ack != nil {
			c.tcp.dropAck(c.handle, s.ack)
		}
		_ = s.ptr.Release()
	})

	step := func() (chan uint32, error) {
		if c.closed {
			return nil, errors.Closed("tcp connection")
		}
		outer, err := c.tcp.hooks.Outer(c)
		if err != nil {
			return nil, err
		}
		if s.ptr == nil {
			if s.ptr, err = env.Bridge.CopyToMemory(chunk); err != nil {
				return nil, err
			}
		}
		for s.off < s.ptr.Len() {
			piece := min(s.ptr.Len()-s.off, maxChunk)
			n, err := outer.sendChunk(s.ptr.Offset(s.off), piece)
			if err != nil {
				return nil, err
			}
			s.off += min(n, piece)
			if n < piece {
				s.ack, err = c.tcp.expectAck(c.handle)
				return s.ack, err
			}
		}
		return nil, nil
	}

	for {
		ch, err := loop.Call(ctx, env.Loop, step)
		if err != nil {
			return err
		}
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-c.done:
			return errors.Closed("tcp connection")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) sent(n uint32) {
	ch, ok := c.tcp.acks[c.handle]
	if !ok {
		return
	}
	delete(c.tcp.acks, c.handle)
	ch <- n
}

func (c *Conn) received(data []byte) {
	if c.closed {
		return
	}
	c.staging = append(c.staging, data)
	c.drain()
}

// drain moves staged bytes into the readable side as far as it wants them
// and credits exactly that many bytes back to the engine's window. Loop only.
func (c *Conn) drain() {
	if c.closed {
		return
	}
	var delivered int
	for len(c.staging) > 0 {
		want := c.readable.DesiredSize()
		if want <= 0 {
			break
		}
		head := c.staging[0]
		if len(head) > want {
			if c.readable.Enqueue(head[:want:want]) != nil {
				break
			}
			c.staging[0] = head[want:]
			delivered += want
			break
		}
		if c.readable.Enqueue(head) != nil {
			break
		}
		c.staging[0] = nil
		c.staging = c.staging[1:]
		delivered += len(head)
	}
	if delivered == 0 {
		return
	}
	outer, err := c.tcp.hooks.Outer(c)
	if err != nil {
		c.tcp.env.Log.Error("tcp connection has no outer hooks", zap.Error(err))
		return
	}
	for delivered > 0 {
		n := min(delivered, maxCredit)
		if err := outer.updateReceiveBuffer(uint32(n)); err != nil {
			c.tcp.env.Log.Warn("tcp window update failed",
				zap.Uint32("handle", uint32(c.handle)),
				zap.Error(err))
			return
		}
		delivered -= n
	}
}

func (c *Conn) peerClosed() {
	c.tcp.env.Log.Debug("tcp connection closed by peer", zap.Uint32("handle", uint32(c.handle)))
	c.shutdown()
}

// shutdown closes the connection once. Loop only.
func (c *Conn) shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true

	outer, outerErr := c.tcp.hooks.Outer(c)
	if cur, ok := c.tcp.conns.Lookup(c.ref); ok && cur == c {
		c.tcp.conns.RemoveRef(c.ref)
	}
	c.tcp.hooks.Delete(c)
	c.tcp.dropAck(c.handle, nil)
	c.staging = nil

	err := errors.Closed("tcp connection")
	c.readable.Error(err)
	c.writable.Error(err)
	close(c.done)

	if outerErr != nil {
		return outerErr
	}
	st, cerr := outer.close()
	if cerr != nil {
		return cerr
	}
	return st.Err("close tcp connection")
}

// Close closes the connection. Pending and later reads and writes fail
// with a closed error. Closing twice is a no-op.
func (c *Conn) Close() error {
	return c.tcp.env.Loop.Do(context.Background(), func() error {
		return c.shutdown()
	})
}

// Read implements io.Reader. It returns io.EOF once the connection is closed.
func (c *Conn) Read(p []byte) (int, error) {
	c.rdMu.Lock()
	defer c.rdMu.Unlock()
	if len(c.leftover) == 0 {
		if c.rd == nil {
			rd, err := c.readable.GetReader()
			if err != nil {
				return 0, err
			}
			c.rd = rd
		}
		chunk, err := c.rd.Read(context.Background())
		if err != nil {
			if err == io.EOF || errors.IsClosed(err) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.leftover = chunk
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.wrMu.Lock()
	if c.wr == nil {
		wr, err := c.writable.GetWriter()
		if err != nil {
			c.wrMu.Unlock()
			return 0, err
		}
		c.wr = wr
	}
	wr := c.wr
	c.wrMu.Unlock()

	if err := wr.Write(context.Background(), append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}
