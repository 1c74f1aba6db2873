package ingest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/protocol"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sessionMap map[string]io.Writer

func (m sessionMap) Capture(id string) (io.Writer, bool) {
	w, ok := m[id]
	return w, ok
}

func newBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestFramesReachSessionCapture(t *testing.T) {
	client := newBus(t)
	target := &lockedBuffer{}
	svc := NewService(context.Background(), client, sessionMap{"s1": target}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if svc.Healthy() {
		t.Fatal("expected not healthy before Start")
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected healthy after Start")
	}

	for _, frame := range []protocol.AudioFrame{
		{SessionID: "s1", Sequence: 0, PCM: []byte("ab")},
		{SessionID: "other", Sequence: 0, PCM: []byte("xx")},
		{Sequence: 1, PCM: []byte("cd")},
	} {
		if err := client.PublishJSON(protocol.CaptureSubject("s1"), frame); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for target.String() != "abcd" {
		if time.Now().After(deadline) {
			t.Fatalf("expected abcd, got %q", target.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	client := newBus(t)
	target := &lockedBuffer{}
	svc := NewService(context.Background(), client, sessionMap{"s1": target}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Close()
	svc.Close()
	if svc.Healthy() {
		t.Fatal("expected not healthy after Close")
	}

	_ = client.PublishJSON(protocol.CaptureSubject("s1"), protocol.AudioFrame{SessionID: "s1", PCM: []byte("zz")})
	_ = client.Conn().Flush()
	time.Sleep(50 * time.Millisecond)
	if got := target.String(); got != "" {
		t.Fatalf("expected nothing after Close, got %q", got)
	}
}
