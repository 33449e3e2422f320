// Package echo runs echo services on a stack: every TCP connection gets its
// own bytes back, every UDP datagram is returned to its sender.
package echo

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/errors"
)

// ServeTCP accepts connections on l and echoes each one until the listener
// is closed or ctx is done. It waits for open sessions before returning.
func ServeTCP(ctx context.Context, l *bindings.Listener, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	for c, err := range l.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			session(ctx, c, log)
		}()
	}
	return nil
}

func session(ctx context.Context, c *bindings.Conn, log *zap.Logger) {
	log = log.With(zap.Uint32("conn", uint32(c.Handle())))
	log.Debug("echo session started")
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	err := c.Readable().PipeTo(ctx, c.Writable())
	if err != nil && !errors.IsClosed(err) && ctx.Err() == nil {
		log.Warn("echo session failed", zap.Error(err))
		_ = c.Close()
		return
	}
	log.Debug("echo session ended")
}

// ServeUDP returns every datagram on sock to its sender until the socket is
// closed or ctx is done.
func ServeUDP(ctx context.Context, sock *bindings.Socket, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	for d, err := range sock.All(ctx) {
		if err != nil {
			if errors.IsClosed(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sock.Send(ctx, d); err != nil {
			if errors.IsClosed(err) {
				return nil
			}
			log.Warn("udp echo failed", zap.Stringer("peer", d.AddrPort()), zap.Error(err))
		}
	}
	return nil
}
