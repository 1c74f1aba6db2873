package audio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func sequential(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestRingWraparoundKeepsNewestBytes(t *testing.T) {
	const capacity = 64
	rs := NewRingStream(capacity, WithPollInterval(5*time.Millisecond))
	rs.StartRecording()

	data := sequential(2 * capacity)
	// odd-sized writes so several of them straddle the wrap boundary
	for off := 0; off < len(data); off += 7 {
		end := min(off+7, len(data))
		if n, err := rs.Write(data[off:end]); err != nil || n != end-off {
			t.Fatalf("write returned n=%d err=%v", n, err)
		}
	}
	if rs.Len() != capacity {
		t.Fatalf("expected %d unread bytes, got %d", capacity, rs.Len())
	}

	got := make([]byte, capacity)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rs.ReadFull(ctx, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data[capacity:]) {
		t.Fatalf("unexpected bytes\n got=%v\nwant=%v", got, data[capacity:])
	}
}

func TestRingOversizedWriteKeepsTail(t *testing.T) {
	rs := NewRingStream(8)
	rs.StartRecording()
	rs.Write([]byte{1, 2, 3})
	rs.Write(sequential(20))

	got := make([]byte, 8)
	if err := rs.ReadFull(context.Background(), got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, sequential(20)[12:]) {
		t.Fatalf("got=%v", got)
	}
}

func TestRingReadSplitsAcrossBoundary(t *testing.T) {
	rs := NewRingStream(10)
	rs.StartRecording()
	rs.Write(sequential(8))

	head := make([]byte, 6)
	if err := rs.ReadFull(context.Background(), head); err != nil {
		t.Fatal(err)
	}
	rs.Write([]byte{100, 101, 102, 103, 104, 105})

	got := make([]byte, 8)
	if err := rs.ReadFull(context.Background(), got); err != nil {
		t.Fatal(err)
	}
	want := []byte{6, 7, 100, 101, 102, 103, 104, 105}
	if !bytes.Equal(got, want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
}

func TestRingReadBlocksUntilWriterCatchesUp(t *testing.T) {
	rs := NewRingStream(32, WithPollInterval(10*time.Millisecond))
	rs.StartRecording()
	rs.Write([]byte{1, 2})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(80 * time.Millisecond)
		rs.Write([]byte{3, 4, 5, 6})
	}()

	start := time.Now()
	got := make([]byte, 6)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.ReadFull(ctx, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("read returned before writer ran (%s)", elapsed)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("got=%v", got)
	}
	wg.Wait()
}

func TestRingReadHonoursCancellation(t *testing.T) {
	rs := NewRingStream(16, WithPollInterval(10*time.Millisecond))
	rs.StartRecording()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := rs.ReadFull(ctx, make([]byte, 4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRingReadGatedByRecording(t *testing.T) {
	rs := NewRingStream(16, WithPollInterval(5*time.Millisecond))
	rs.Write([]byte{1, 2, 3, 4})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rs.ReadFull(ctx, make([]byte, 4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected read to block while not recording, got %v", err)
	}

	rs.StartRecording()
	got := make([]byte, 4)
	if err := rs.ReadFull(context.Background(), got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got=%v", got)
	}
}

func TestRingStopRecordingClears(t *testing.T) {
	rs := NewRingStream(8)
	rs.StartRecording()
	rs.Write([]byte{9, 9, 9, 9, 9})
	rs.StopRecording()
	if rs.Len() != 0 {
		t.Fatalf("expected empty ring, got %d", rs.Len())
	}
	for _, b := range rs.buf {
		if b != 0 {
			t.Fatalf("expected zeroed memory, got %v", rs.buf)
		}
	}

	rs.StartRecording()
	rs.Write([]byte{1, 2})
	got := make([]byte, 2)
	if err := rs.ReadFull(context.Background(), got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("got=%v", got)
	}
}

func TestRingRejectsOversizedRead(t *testing.T) {
	rs := NewRingStream(4)
	rs.StartRecording()
	err := rs.ReadFull(context.Background(), make([]byte, 5))
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
}

func TestRingCloseReleasesReader(t *testing.T) {
	rs := NewRingStream(4, WithPollInterval(time.Second))
	rs.StartRecording()

	done := make(chan error, 1)
	go func() { done <- rs.ReadFull(context.Background(), make([]byte, 4)) }()
	time.Sleep(20 * time.Millisecond)
	rs.Close()
	rs.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not released by Close")
	}
}

func TestWriteNeverBlocksWithoutReader(t *testing.T) {
	rs := NewRingStream(16)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			rs.Write(sequential(13))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer blocked")
	}
}
