package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	tcpiperrors "github.com/wippyai/wasm-tcpip/errors"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_DoRunsInOrder(t *testing.T) {
	l := startLoop(t)
	ctx := context.Background()

	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		l.Post(func() {
			defer wg.Done()
			order = append(order, i)
		})
	}
	wg.Wait()

	if err := l.Do(ctx, func() error {
		order = append(order, 3)
		return nil
	}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if diff := cmp.Diff([]int{0, 1, 2, 3}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoop_DeferRunsAfterTaskBeforeNext(t *testing.T) {
	l := startLoop(t)

	var order []string
	done := make(chan struct{})
	l.Post(func() {
		order = append(order, "task1")
		l.Defer(func() {
			order = append(order, "deferred1")
			l.Defer(func() { order = append(order, "nested") })
		})
		l.Defer(func() { order = append(order, "deferred2") })
		order = append(order, "task1-end")
	})
	l.Post(func() {
		order = append(order, "task2")
		close(done)
	})
	<-done

	want := []string{"task1", "task1-end", "deferred1", "deferred2", "nested", "task2"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoop_DoReturnsError(t *testing.T) {
	l := startLoop(t)
	want := errors.New("boom")

	if err := l.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Do error = %v, want %v", err, want)
	}

	v, err := Call(context.Background(), l, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Call = %d, %v", v, err)
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)

	err := l.Do(context.Background(), func() error { panic("bad task") })
	if !tcpiperrors.IsKind(err, tcpiperrors.KindProgrammer) {
		t.Fatalf("Do error = %v, want programmer", err)
	}
	if err := l.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("loop stopped after panic: %v", err)
	}
}

func TestLoop_DoContext(t *testing.T) {
	l := startLoop(t)
	block := make(chan struct{})
	l.Post(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Do(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do error = %v, want deadline exceeded", err)
	}
}

func TestLoop_Close(t *testing.T) {
	l := New(nil)
	go l.Run(context.Background())

	if err := l.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	l.Close()
	<-l.Done()

	if l.Post(func() {}) {
		t.Error("Post succeeded on closed loop")
	}
	if err := l.Do(context.Background(), func() error { return nil }); !tcpiperrors.IsClosed(err) {
		t.Errorf("Do error = %v, want closed", err)
	}
	if err := l.Run(context.Background()); !tcpiperrors.IsKind(err, tcpiperrors.KindProgrammer) {
		t.Errorf("second Run error = %v", err)
	}
}

func TestLoop_Every(t *testing.T) {
	l := startLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan struct{}, 16)
	go l.Every(ctx, time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}
	if l.Executed() < 3 {
		t.Errorf("Executed = %d, want at least 3", l.Executed())
	}
}
