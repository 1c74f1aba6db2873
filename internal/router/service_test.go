package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/recognition"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu          sync.Mutex
	recognizing []string
	recognized  []string
	enqueued    []string
	languages   []string
	order       []string
	enqueueErr  error
}

func (r *recorder) Recognizing(_, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizing = append(r.recognizing, text)
	r.order = append(r.order, "recognizing:"+text)
}

func (r *recorder) Recognized(lang, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognized = append(r.recognized, text)
	r.languages = append(r.languages, lang)
	r.order = append(r.order, "recognized:"+text)
}

func (r *recorder) Enqueue(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, text)
	r.order = append(r.order, "enqueue:"+text)
	return r.enqueueErr
}

func TestMatches(t *testing.T) {
	cases := []struct {
		lang, target string
		want         bool
	}{
		{"ja-JP", "ja", true},
		{"ja-JP", "JA-jp", true},
		{"ja", "ja-JP", false},
		{"en-US", "ja", false},
		{"ja-JP", "", false},
	}
	for _, tc := range cases {
		if got := Matches(tc.lang, tc.target); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.lang, tc.target, got, tc.want)
		}
	}
}

func TestRouteFinalNotifiesBeforeEnqueue(t *testing.T) {
	rec := &recorder{}
	r := New(NewLanguageCell("ja"), rec, rec, newLogger())
	ctx := context.Background()

	r.Handle(ctx, recognition.Event{Kind: recognition.EventRecognizing, Language: "ja-JP", Text: "こん"})
	r.Handle(ctx, recognition.Event{Kind: recognition.EventRecognized, Language: "ja-JP", Text: "こんにちは"})
	r.Handle(ctx, recognition.Event{Kind: recognition.EventRecognized, Language: "en-US", Text: "hello"})

	want := []string{"recognizing:こん", "recognized:こんにちは", "enqueue:こんにちは"}
	if len(rec.order) != len(want) {
		t.Fatalf("unexpected calls %v", rec.order)
	}
	for i := range want {
		if rec.order[i] != want[i] {
			t.Fatalf("call %d: got %q want %q", i, rec.order[i], want[i])
		}
	}
	if len(rec.languages) != 1 || rec.languages[0] != "ja-JP" {
		t.Fatalf("expected the result's own tag, got %v", rec.languages)
	}
}

func TestUnsetTargetDropsEverything(t *testing.T) {
	rec := &recorder{}
	r := New(NewLanguageCell(""), rec, rec, newLogger())
	r.Handle(context.Background(), recognition.Event{Kind: recognition.EventRecognized, Language: "ja-JP", Text: "x"})
	if len(rec.order) != 0 {
		t.Fatalf("expected no calls, got %v", rec.order)
	}
}

func TestEnqueueErrorIsNotFatal(t *testing.T) {
	rec := &recorder{enqueueErr: errors.New("not started")}
	r := New(NewLanguageCell("en"), rec, rec, newLogger())
	r.Handle(context.Background(), recognition.Event{Kind: recognition.EventRecognized, Language: "en-US", Text: "one"})
	r.Handle(context.Background(), recognition.Event{Kind: recognition.EventRecognized, Language: "en-US", Text: "two"})
	if len(rec.recognized) != 2 {
		t.Fatalf("expected both results to reach the notifier, got %v", rec.recognized)
	}
}

func TestReverseAppliesToLaterEvents(t *testing.T) {
	rec := &recorder{}
	cell := NewLanguageCell("ja-JP")
	r := New(cell, rec, rec, newLogger())
	events := make(chan recognition.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, events)
		close(done)
	}()

	events <- recognition.Event{Kind: recognition.EventRecognized, Language: "ja-JP", Text: "こんにちは"}
	events <- recognition.Event{Kind: recognition.EventRecognized, Language: "en-US", Text: "hello"}
	// the router handles one event at a time, so this send returns only once
	// "hello" has been routed
	events <- recognition.Event{Kind: recognition.EventSessionStarted}
	cell.Set("en-US")
	events <- recognition.Event{Kind: recognition.EventRecognized, Language: "ja-JP", Text: "さようなら"}
	events <- recognition.Event{Kind: recognition.EventRecognized, Language: "en-US", Text: "goodbye"}
	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.enqueued) != 2 || rec.enqueued[0] != "こんにちは" || rec.enqueued[1] != "goodbye" {
		t.Fatalf("unexpected enqueued text %v", rec.enqueued)
	}
}

func TestLifecycleCallbacks(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{}, 1)
	terminal := make(chan recognition.Event, 1)
	r := New(NewLanguageCell("ja"), rec, rec, newLogger(),
		OnStarted(func() { started <- struct{}{} }),
		OnTerminal(func(ev recognition.Event) { terminal <- ev }))

	events := make(chan recognition.Event, 2)
	events <- recognition.Event{Kind: recognition.EventSessionStarted}
	events <- recognition.Event{Kind: recognition.EventCanceled, Reason: "quota exceeded"}
	close(events)
	r.Run(context.Background(), events)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("started callback not invoked")
	}
	ev := <-terminal
	if ev.Reason != "quota exceeded" {
		t.Fatalf("unexpected terminal event %+v", ev)
	}
}
