package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/playback"
	"github.com/loqalabs/loqa-translate/internal/recognition"
	"github.com/loqalabs/loqa-translate/internal/synthesis"
)

// Delivery selects how synthesized audio leaves the pipeline.
type Delivery int

const (
	// DeliveryQueue plays whole chunks in order through a Player.
	DeliveryQueue Delivery = iota
	// DeliveryStream pushes chunks through a ring and sends fixed frames to a
	// FrameSink.
	DeliveryStream
)

func ParseDelivery(s string) Delivery {
	if s == "stream" {
		return DeliveryStream
	}
	return DeliveryQueue
}

const DefaultVoice = "zh-CN-XiaoxiaoMultilingualNeural"

// Deps are the collaborators a pipeline drives. Player is required for
// DeliveryQueue and Sink for DeliveryStream.
type Deps struct {
	Recognizer  recognition.Recognizer
	Synthesizer synthesis.Synthesizer
	Player      playback.Player
	Sink        playback.FrameSink
	Notifier    Notifier
	Recorder    Recorder
}

type Options struct {
	Delivery         Delivery
	DefaultVoice     string
	ExtraTargets     []string
	CaptureFormat    audio.Format
	CaptureRing      time.Duration
	PlaybackRing     time.Duration
	FrameDuration    time.Duration
	PaceStream       bool
	PollInterval     time.Duration
	IdleInterval     time.Duration
	SynthesisTimeout time.Duration
}

// OptionsFromConfig maps the runtime configuration onto pipeline options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Delivery:         ParseDelivery(cfg.Playback.Delivery),
		DefaultVoice:     cfg.Synthesis.DefaultVoice,
		ExtraTargets:     cfg.Speech.ToLanguages,
		CaptureFormat:    audio.PCM16(cfg.Recognition.SampleRate, cfg.Recognition.Channels),
		CaptureRing:      time.Duration(cfg.Recognition.RingSeconds) * time.Second,
		PlaybackRing:     time.Duration(cfg.Playback.RingSeconds) * time.Second,
		FrameDuration:    time.Duration(cfg.Playback.FrameDurationMS) * time.Millisecond,
		PaceStream:       true,
		PollInterval:     time.Duration(cfg.Pipeline.PollIntervalMS) * time.Millisecond,
		IdleInterval:     time.Duration(cfg.Playback.IdleIntervalMS) * time.Millisecond,
		SynthesisTimeout: time.Duration(cfg.Synthesis.TimeoutMS) * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultVoice == "" {
		o.DefaultVoice = DefaultVoice
	}
	if o.CaptureFormat.SampleRate == 0 {
		o.CaptureFormat = audio.PCM16(24000, 1)
	}
	if o.CaptureRing <= 0 {
		o.CaptureRing = 10 * time.Second
	}
	if o.PlaybackRing <= 0 {
		o.PlaybackRing = 10 * time.Second
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = 20 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = audio.DefaultPollInterval
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = synthesis.DefaultIdleInterval
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = synthesis.DefaultCallTimeout
	}
	return o
}

// targets returns from, to and extra with duplicates and blanks removed,
// keeping first-seen order.
func targets(from, to string, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, lang := range append([]string{from, to}, extra...) {
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	return out
}
