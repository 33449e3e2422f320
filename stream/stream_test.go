package stream

import (
	"context"
	stderrors "errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-tcpip/errors"
)

func byteLen(b []byte) int { return len(b) }

func TestReadable_DesiredSize(t *testing.T) {
	r := NewReadable(ReadableOptions[[]byte]{HighWaterMark: 10, Size: byteLen})
	if got := r.DesiredSize(); got != 10 {
		t.Fatalf("DesiredSize() = %d, want 10", got)
	}
	if err := r.Enqueue([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := r.Enqueue([]byte("efghijkl")); err != nil {
		t.Fatal(err)
	}
	if got := r.DesiredSize(); got != -2 {
		t.Errorf("DesiredSize() = %d, want -2", got)
	}
	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	r.Close()
	if got := r.DesiredSize(); got != 0 {
		t.Errorf("DesiredSize() after close = %d, want 0", got)
	}
}

func TestReadable_ReadDrainsThenEOF(t *testing.T) {
	r := NewReadable(ReadableOptions[string]{HighWaterMark: 4})
	for _, s := range []string{"a", "b"} {
		if err := r.Enqueue(s); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	rd, err := r.GetReader()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var got []string
	for {
		v, err := rd.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
	if err := r.Enqueue("c"); !errors.IsClosed(err) {
		t.Errorf("Enqueue after close = %v, want closed", err)
	}
}

func TestReadable_ReadBlocksUntilEnqueue(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 1})
	rd, err := r.GetReader()
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan int, 1)
	go func() {
		v, err := rd.Read(context.Background())
		if err != nil {
			t.Error(err)
		}
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	if err := r.Enqueue(7); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("Read() = %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not wake up")
	}
}

func TestReadable_ReadContext(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 1})
	rd, _ := r.GetReader()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := rd.Read(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() = %v, want deadline exceeded", err)
	}
}

func TestReadable_ErrorIsTerminal(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 4})
	_ = r.Enqueue(1)
	first := errors.Closed("tcp connection")

	if !r.Error(first) {
		t.Fatal("first Error() returned false")
	}
	if r.Error(stderrors.New("second")) {
		t.Error("second Error() returned true")
	}
	rd, _ := r.GetReader()
	for range 2 {
		if _, err := rd.Read(context.Background()); err != first {
			t.Errorf("Read() = %v, want %v", err, first)
		}
	}
	if err := r.Enqueue(2); err != first {
		t.Errorf("Enqueue() = %v, want %v", err, first)
	}
	if r.Len() != 0 {
		t.Errorf("queue not dropped: %d", r.Len())
	}
}

func TestReadable_AbortReturnsDiscarded(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: Unbounded})
	for i := range 3 {
		if err := r.Enqueue(i); err != nil {
			t.Fatal(err)
		}
	}
	dropped := r.Abort(errors.Closed("test"))
	if diff := cmp.Diff([]int{0, 1, 2}, dropped); diff != "" {
		t.Errorf("Abort() mismatch (-want +got):\n%s", diff)
	}
	if again := r.Abort(errors.Closed("again")); again != nil {
		t.Errorf("second Abort() = %v, want nil", again)
	}
	if !errors.IsClosed(r.Err()) {
		t.Errorf("Err() = %v, want closed", r.Err())
	}
}

func TestReadable_ErrorWakesPendingRead(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 1})
	rd, _ := r.GetReader()
	done := make(chan error, 1)
	go func() {
		_, err := rd.Read(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Error(errors.Closed("udp socket"))

	select {
	case err := <-done:
		if !errors.IsClosed(err) {
			t.Errorf("Read() = %v, want closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending read not released")
	}
}

func TestReadable_Locking(t *testing.T) {
	var locks atomic.Int32
	r := NewReadable(ReadableOptions[int]{
		HighWaterMark: 1,
		OnLock:        func() { locks.Add(1) },
	})
	rd, err := r.GetReader()
	if err != nil {
		t.Fatal(err)
	}
	if !r.Locked() {
		t.Error("Locked() = false after GetReader")
	}
	if _, err := r.GetReader(); !errors.IsKind(err, errors.KindProgrammer) {
		t.Errorf("second GetReader() = %v, want programmer error", err)
	}
	rd.ReleaseLock()
	if _, err := rd.Read(context.Background()); err == nil {
		t.Error("Read() after ReleaseLock succeeded")
	}
	if _, err := r.GetReader(); err != nil {
		t.Fatalf("GetReader() after release: %v", err)
	}
	if got := locks.Load(); got != 1 {
		t.Errorf("OnLock called %d times, want 1", got)
	}
}

func TestReadable_AllLocked(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 1})
	if _, err := r.GetReader(); err != nil {
		t.Fatal(err)
	}

	var n int
	var last error
	for _, err := range r.All(context.Background()) {
		n++
		last = err
	}
	if n != 1 {
		t.Fatalf("All() yielded %d pairs, want 1", n)
	}
	if last == nil || last.Error() != ErrLocked().Error() {
		t.Errorf("All() error = %v, want %v", last, ErrLocked())
	}
}

func TestReadable_All(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: Unbounded})
	for i := range 3 {
		_ = r.Enqueue(i)
	}
	r.Close()

	var got []int
	for v, err := range r.All(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, got); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
	if r.Locked() {
		t.Error("All() did not release the lock")
	}
}

func TestReadable_Pull(t *testing.T) {
	var pulls atomic.Int32
	r := NewReadable(ReadableOptions[[]byte]{
		HighWaterMark: 4,
		Size:          byteLen,
		Pull:          func() { pulls.Add(1) },
	})
	_ = r.Enqueue([]byte("abcdef"))
	_ = r.Enqueue([]byte("gh"))
	rd, _ := r.GetReader()

	// 2 bytes remain queued, desired size 2.
	if _, err := rd.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := pulls.Load(); got != 1 {
		t.Errorf("pulls = %d, want 1", got)
	}
}

func TestReadable_PullSkippedWhenFull(t *testing.T) {
	var pulls atomic.Int32
	r := NewReadable(ReadableOptions[[]byte]{
		HighWaterMark: 2,
		Size:          byteLen,
		Pull:          func() { pulls.Add(1) },
	})
	_ = r.Enqueue([]byte("a"))
	_ = r.Enqueue([]byte("bcd"))
	rd, _ := r.GetReader()
	if _, err := rd.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := pulls.Load(); got != 0 {
		t.Errorf("pulls = %d, want 0", got)
	}
}

func TestReader_Cancel(t *testing.T) {
	var reason error
	r := NewReadable(ReadableOptions[int]{
		HighWaterMark: 1,
		Cancel:        func(err error) { reason = err },
	})
	rd, _ := r.GetReader()
	rd.Cancel(nil)
	if !errors.IsClosed(reason) {
		t.Errorf("cancel reason = %v, want closed", reason)
	}
	if !errors.IsClosed(r.Err()) {
		t.Errorf("Err() = %v, want closed", r.Err())
	}
	if r.Locked() {
		t.Error("Cancel did not release the lock")
	}
}

func TestWritable_Write(t *testing.T) {
	var got []string
	w := NewWritable(WritableOptions[string]{
		Write: func(_ context.Context, v string) error {
			got = append(got, v)
			return nil
		},
	})
	wr, err := w.GetWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.GetWriter(); !errors.IsKind(err, errors.KindProgrammer) {
		t.Errorf("second GetWriter() = %v, want programmer error", err)
	}
	ctx := context.Background()
	for _, s := range []string{"x", "y"} {
		if err := wr.Write(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := wr.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := wr.Write(ctx, "z"); !errors.IsClosed(err) {
		t.Errorf("Write() after Close = %v, want closed", err)
	}
	if diff := cmp.Diff([]string{"x", "y"}, got); diff != "" {
		t.Errorf("sink mismatch (-want +got):\n%s", diff)
	}
}

func TestWritable_ErrorCancelsInflight(t *testing.T) {
	entered := make(chan struct{})
	w := NewWritable(WritableOptions[int]{
		Write: func(ctx context.Context, _ int) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	wr, _ := w.GetWriter()

	done := make(chan error, 1)
	go func() { done <- wr.Write(context.Background(), 1) }()
	<-entered

	closed := errors.Closed("tcp connection")
	w.Error(closed)
	select {
	case err := <-done:
		if err != closed {
			t.Errorf("Write() = %v, want %v", err, closed)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight write not cancelled")
	}
	if err := wr.Write(context.Background(), 2); err != closed {
		t.Errorf("later Write() = %v, want %v", err, closed)
	}
}

func TestWritable_SinkErrorErrorsStream(t *testing.T) {
	boom := stderrors.New("boom")
	w := NewWritable(WritableOptions[int]{
		Write: func(context.Context, int) error { return boom },
	})
	wr, _ := w.GetWriter()
	if err := wr.Write(context.Background(), 1); err != boom {
		t.Fatalf("Write() = %v, want boom", err)
	}
	if w.Err() != boom {
		t.Errorf("Err() = %v, want boom", w.Err())
	}
}

func TestWritable_Serialized(t *testing.T) {
	var active, peak atomic.Int32
	w := NewWritable(WritableOptions[int]{
		Write: func(context.Context, int) error {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			return nil
		},
	})
	wr, _ := w.GetWriter()
	done := make(chan struct{})
	for i := range 8 {
		go func() {
			_ = wr.Write(context.Background(), i)
			done <- struct{}{}
		}()
	}
	for range 8 {
		<-done
	}
	if peak.Load() != 1 {
		t.Errorf("concurrent sink calls = %d, want 1", peak.Load())
	}
}

func TestPipeTo(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: Unbounded})
	for i := range 4 {
		_ = r.Enqueue(i)
	}
	r.Close()

	var got []int
	var closed bool
	w := NewWritable(WritableOptions[int]{
		Write: func(_ context.Context, v int) error {
			got = append(got, v)
			return nil
		},
		Close: func() error {
			closed = true
			return nil
		},
	})
	if err := r.PipeTo(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, got); diff != "" {
		t.Errorf("piped mismatch (-want +got):\n%s", diff)
	}
	if !closed {
		t.Error("destination not closed")
	}
}

func TestPipeTo_SourceError(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 1})
	boom := stderrors.New("boom")
	r.Error(boom)
	w := NewWritable(WritableOptions[int]{
		Write: func(context.Context, int) error { return nil },
	})
	if err := r.PipeTo(context.Background(), w); err != boom {
		t.Fatalf("PipeTo() = %v, want boom", err)
	}
	if w.Err() != boom {
		t.Errorf("destination Err() = %v, want boom", w.Err())
	}
}

func TestTee(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: Unbounded})
	for i := range 3 {
		_ = r.Enqueue(i)
	}

	a, b, err := r.Tee(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Tee(context.Background()); err == nil {
		t.Error("second Tee() on locked stream succeeded")
	}
	r.Close()

	collect := func(s *Readable[int]) []int {
		var out []int
		for v, err := range s.All(context.Background()) {
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, v)
		}
		return out
	}
	want := []int{0, 1, 2}
	if diff := cmp.Diff(want, collect(a)); diff != "" {
		t.Errorf("branch a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, collect(b)); diff != "" {
		t.Errorf("branch b (-want +got):\n%s", diff)
	}
}

func TestTee_ReadsOnlyWhenABranchHasRoom(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: 2})
	for i := range 10 {
		_ = r.Enqueue(i)
	}
	a, _, err := r.Tee(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	waitLen := func(want int) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for r.Len() != want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
		if got := r.Len(); got != want {
			t.Fatalf("source Len() = %d, want %d", got, want)
		}
	}
	waitLen(8)

	rd, err := a.GetReader()
	if err != nil {
		t.Fatal(err)
	}
	v, err := rd.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("Read() = %d, want 0", v)
	}
	waitLen(7)
}

func TestTee_CancelBothCancelsSource(t *testing.T) {
	reasons := make(chan error, 1)
	r := NewReadable(ReadableOptions[int]{
		HighWaterMark: 1,
		Cancel:        func(err error) { reasons <- err },
	})
	a, b, err := r.Tee(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	boom := stderrors.New("boom")
	for _, s := range []*Readable[int]{a, b} {
		rd, err := s.GetReader()
		if err != nil {
			t.Fatal(err)
		}
		rd.Cancel(boom)
	}

	select {
	case err := <-reasons:
		if err != boom {
			t.Errorf("source cancel reason = %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("source not cancelled after both branches cancelled")
	}
	if r.Err() != boom {
		t.Errorf("source Err() = %v, want boom", r.Err())
	}
}

func TestTee_CancelOneKeepsOther(t *testing.T) {
	r := NewReadable(ReadableOptions[int]{HighWaterMark: Unbounded})
	a, b, err := r.Tee(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ra, err := a.GetReader()
	if err != nil {
		t.Fatal(err)
	}
	ra.Cancel(nil)

	for i := range 3 {
		_ = r.Enqueue(i)
	}
	r.Close()

	var got []int
	for v, err := range b.All(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, got); diff != "" {
		t.Errorf("branch b (-want +got):\n%s", diff)
	}
}
