package echo

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/enginetest"
	"github.com/wippyai/wasm-tcpip/stack"
)

func newStack(t *testing.T) (*stack.Stack, context.Context) {
	t.Helper()
	s, err := stack.New(context.Background(), stack.Config{
		Engine:       enginetest.New(enginetest.Config{}),
		PumpInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("stack.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(func() {
		cancel()
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s, ctx
}

func TestServeTCP(t *testing.T) {
	s, ctx := newStack(t)

	l, err := s.ListenTCP(ctx, bindings.ListenOptions{Port: 7})
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ServeTCP(ctx, l, nil) }()

	c, err := s.ConnectTCP(ctx, bindings.ConnectOptions{Host: "127.0.0.1", Port: 7})
	if err != nil {
		t.Fatalf("ConnectTCP() error = %v", err)
	}
	want := []byte("hello over the stack")
	if _, err := c.Write(want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("listener Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeTCP() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("ServeTCP did not return after listener close")
	}
}

func TestServeUDP(t *testing.T) {
	s, ctx := newStack(t)

	srv, err := s.OpenUDP(ctx, bindings.UDPOptions{Port: 7})
	if err != nil {
		t.Fatalf("OpenUDP() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ServeUDP(ctx, srv, nil) }()

	cl, err := s.OpenUDP(ctx, bindings.UDPOptions{Port: 4000})
	if err != nil {
		t.Fatalf("OpenUDP() error = %v", err)
	}
	defer cl.Close()

	for _, msg := range []string{"one", "two", "three"} {
		if err := cl.SendTo(ctx, "127.0.0.1", 7, []byte(msg)); err != nil {
			t.Fatalf("SendTo(%q) error = %v", msg, err)
		}
		d, err := cl.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		want := tcpip.Datagram{Addr: netip.MustParseAddr("127.0.0.1"), Port: 7, Data: []byte(msg)}
		if diff := cmp.Diff(want, d, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
			t.Errorf("reply mismatch (-want +got):\n%s", diff)
		}
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeUDP() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("ServeUDP did not return after socket close")
	}
}
