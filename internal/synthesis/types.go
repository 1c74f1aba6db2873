package synthesis

import (
	"context"

	"github.com/loqalabs/loqa-translate/internal/audio"
)

// Status is the outcome of a single synthesis call.
type Status int

const (
	StatusCompleted Status = iota
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	}
	return "unknown"
}

// Config is produced by Initialize and consumed by Start.
type Config struct {
	Language string
	Voice    string
	Format   audio.Format
}

// Result carries the audio of one completed call. Reason is set when Status
// is StatusCanceled.
type Result struct {
	Status Status
	Audio  []byte
	Format audio.Format
	Reason string
}

// Synthesizer is the text-to-speech engine contract. Callers never overlap
// SpeakText calls, so implementations may assume one call at a time.
type Synthesizer interface {
	Initialize(targetLang, voiceName string) (Config, error)
	Start(ctx context.Context, cfg Config) error
	SpeakText(ctx context.Context, text string) (Result, error)
	Close() error
}
