package synthesis

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-translate/internal/audio"
)

// mockRuneDuration is how much silence the mock produces per character.
const mockRuneDuration = 60 * time.Millisecond

type mockSynth struct {
	format audio.Format

	mu      sync.Mutex
	started bool
}

// NewMockSynth returns a synthesizer that renders silence sized to the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{format: audio.PCM16(sampleRate, channels)}
}

func (m *mockSynth) Initialize(targetLang, voiceName string) (Config, error) {
	return Config{Language: targetLang, Voice: voiceName, Format: m.format}, nil
}

func (m *mockSynth) Start(_ context.Context, _ Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mockSynth) SpeakText(ctx context.Context, text string) (Result, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return Result{}, errors.New("mock synthesizer not started")
	}
	select {
	case <-ctx.Done():
		return Result{Status: StatusCanceled, Reason: ctx.Err().Error()}, nil
	case <-time.After(20 * time.Millisecond):
	}
	d := time.Duration(utf8.RuneCountInString(text)) * mockRuneDuration
	return Result{
		Status: StatusCompleted,
		Audio:  make([]byte, m.format.BytesInDuration(d)),
		Format: m.format,
	}, nil
}

func (m *mockSynth) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}
