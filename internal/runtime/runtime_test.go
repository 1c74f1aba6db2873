package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRuntimeServesHTTP(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Telemetry.PrometheusBind = ""
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, path := range []string{"/healthz", "/sessions/unknown/events", "/metrics", "/nodes"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d: %s", path, resp.StatusCode, body)
		}
		if path == "/sessions/unknown/events" && string(body) != "[]\n" {
			t.Fatalf("expected empty timeline, got %q", body)
		}
		if path == "/nodes" && !strings.Contains(string(body), `"id":"translate-node-1"`) {
			t.Fatalf("expected local node in %s", body)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}
