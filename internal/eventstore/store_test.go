package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, "s1", EventSessionStarted, nil); err != nil {
		t.Fatalf("expected no-op record, got %v", err)
	}
	if !es.Healthy(ctx) {
		t.Fatal("ephemeral store should be healthy")
	}
}

func TestRecordTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	steps := []struct {
		typ     string
		payload any
	}{
		{EventSessionStarted, map[string]any{"from": "zh-CN", "to": "ja-JP", "voice": "ja-JP-NanamiNeural"}},
		{"text.recognized", map[string]any{"text": "こんにちは"}},
		{EventSessionStopped, map[string]any{"reason": "stopped"}},
	}
	for _, step := range steps {
		if err := es.Record(ctx, "s1", step.typ, step.payload); err != nil {
			t.Fatalf("record %s: %v", step.typ, err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[1].Type != "text.recognized" {
		t.Fatalf("unexpected timeline %+v", events)
	}
	var payload map[string]string
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["text"] != "こんにちは" {
		t.Fatalf("unexpected payload %v", payload)
	}

	sess, err := es.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.SourceLanguage != "zh-CN" || sess.TargetLanguage != "ja-JP" || sess.Voice != "ja-JP-NanamiNeural" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.EndReason != "stopped" || sess.EndedAt.IsZero() {
		t.Fatalf("expected session closed, got %+v", sess)
	}
}

func TestRecordRequiresSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.Record(context.Background(), "unknown", "text.recognized", map[string]string{"text": "x"}); err == nil {
		t.Fatal("expected foreign key error for an unknown session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "old-session", EventSessionStarted, map[string]string{"from": "zh-CN"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, "old-session", "text.recognized", map[string]string{"text": "old"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "new-session", EventSessionStarted, map[string]string{"from": "en-US"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
