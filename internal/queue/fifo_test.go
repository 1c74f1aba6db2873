package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPushBeforeOpen(t *testing.T) {
	q := NewFIFO[string]()
	if err := q.Push("a"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	q.Open()
	if err := q.Push("a"); err != nil {
		t.Fatalf("push: %v", err)
	}
	q.Close()
	q.Open()
	if err := q.Push("b"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected closed queue to stay closed, got %v", err)
	}
}

func TestPopOrder(t *testing.T) {
	q := NewFIFO[int]()
	q.Open()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := q.Pop(ctx, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestPopWakesOnPush(t *testing.T) {
	q := NewFIFO[int]()
	q.Open()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(7)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := q.Pop(ctx, time.Hour)
	if err != nil || v != 7 {
		t.Fatalf("pop returned %d, %v", v, err)
	}
}

func TestPopCancelled(t *testing.T) {
	q := NewFIFO[int]()
	q.Open()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := q.Pop(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPushDoesNotBlock(t *testing.T) {
	q := NewFIFO[[]byte]()
	q.Open()
	start := time.Now()
	for i := 0; i < 10000; i++ {
		if err := q.Push(make([]byte, 16)); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > time.Second {
		t.Fatalf("pushes took too long")
	}
	if q.Len() != 10000 {
		t.Fatalf("len = %d", q.Len())
	}
}
