package recognition

import (
	"context"
	"time"
)

// EventKind enumerates what the recognition engine reports.
type EventKind int

const (
	EventSessionStarted EventKind = iota
	EventRecognizing
	EventRecognized
	EventCanceled
	EventSessionStopped
)

func (k EventKind) String() string {
	switch k {
	case EventSessionStarted:
		return "session_started"
	case EventRecognizing:
		return "recognizing"
	case EventRecognized:
		return "recognized"
	case EventCanceled:
		return "canceled"
	case EventSessionStopped:
		return "session_stopped"
	}
	return "unknown"
}

// Event is a single translation result or lifecycle notice. Language is the
// engine-assigned tag of the translation (for example "ja-JP").
type Event struct {
	Kind     EventKind
	Language string
	Text     string
	Reason   string
}

// Final reports whether the text is settled and eligible for synthesis.
func (e Event) Final() bool { return e.Kind == EventRecognized }

// Source is the pull side of the capture path.
type Source interface {
	ReadFull(ctx context.Context, p []byte) error
}

// Config is produced by Initialize and consumed by Start.
type Config struct {
	SourceLanguage      string
	TargetLanguages     []string
	SegmentationSilence time.Duration
	Audio               Source
}

// Recognizer abstracts the speech translation engine. Every target language
// is registered up front; filtering down to one happens downstream.
//
// Start runs until ctx is cancelled or the engine ends the session. It sends
// EventSessionStarted once recognition is live and, on its own termination,
// EventCanceled or EventSessionStopped. Sends give up when ctx is done. The
// caller closes events once Start returns, so Start must not send after it.
type Recognizer interface {
	Initialize(sourceLang string, targetLangs []string) (Config, error)
	Start(ctx context.Context, cfg Config, events chan<- Event) error
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
