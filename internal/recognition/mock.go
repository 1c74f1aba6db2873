package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/config"
)

type mockRecognizer struct {
	cfg config.RecognitionConfig
}

// NewMockRecognizer returns a recognizer that reads capture audio and emits
// placeholder translations for every registered target language.
func NewMockRecognizer(cfg config.RecognitionConfig) Recognizer {
	return &mockRecognizer{cfg: cfg}
}

func (m *mockRecognizer) Initialize(sourceLang string, targetLangs []string) (Config, error) {
	if len(targetLangs) == 0 {
		return Config{}, errors.New("recognition: no target languages")
	}
	return Config{
		SourceLanguage:      sourceLang,
		TargetLanguages:     append([]string(nil), targetLangs...),
		SegmentationSilence: time.Duration(m.cfg.SegmentationSilenceMS) * time.Millisecond,
	}, nil
}

func (m *mockRecognizer) Start(ctx context.Context, cfg Config, events chan<- Event) error {
	if !emit(ctx, events, Event{Kind: EventSessionStarted}) {
		return nil
	}
	if cfg.Audio == nil {
		<-ctx.Done()
		return nil
	}

	format := audio.PCM16(m.cfg.SampleRate, m.cfg.Channels)
	frame := make([]byte, format.BytesInDuration(time.Duration(m.cfg.FrameDurationMS)*time.Millisecond))
	// one utterance per second of captured audio, a partial every quarter
	framesPerUtterance := max(1, 1000/m.cfg.FrameDurationMS)
	partialEvery := max(1, framesPerUtterance/4)

	frames := 0
	utterance := 0
	for {
		if err := cfg.Audio.ReadFull(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			emit(ctx, events, Event{Kind: EventCanceled, Reason: err.Error()})
			return err
		}
		frames++
		kind := EventKind(-1)
		switch {
		case frames == framesPerUtterance:
			kind = EventRecognized
		case frames%partialEvery == 0:
			kind = EventRecognizing
		}
		if kind < 0 {
			continue
		}
		for _, lang := range cfg.TargetLanguages {
			text := fmt.Sprintf("[%s utterance %d, %d bytes]", lang, utterance, frames*len(frame))
			if !emit(ctx, events, Event{Kind: kind, Language: lang, Text: text}) {
				return nil
			}
		}
		if kind == EventRecognized {
			frames = 0
			utterance++
		}
	}
}
