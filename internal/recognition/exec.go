package recognition

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd    []string
	cfg    config.RecognitionConfig
	speech config.SpeechConfig
}

// execLine is one JSON line printed by the recognition command.
type execLine struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	Text     string `json:"text"`
	Reason   string `json:"reason"`
}

// NewExecRecognizer runs an external engine that reads raw PCM on stdin and
// prints JSON event lines on stdout.
func NewExecRecognizer(cfg config.RecognitionConfig, speech config.SpeechConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, speech: speech}, nil
}

func (r *execRecognizer) Initialize(sourceLang string, targetLangs []string) (Config, error) {
	if len(targetLangs) == 0 {
		return Config{}, errors.New("recognition: no target languages")
	}
	return Config{
		SourceLanguage:      sourceLang,
		TargetLanguages:     append([]string(nil), targetLangs...),
		SegmentationSilence: time.Duration(r.cfg.SegmentationSilenceMS) * time.Millisecond,
	}, nil
}

func (r *execRecognizer) Start(ctx context.Context, cfg Config, events chan<- Event) error {
	if cfg.Audio == nil {
		return errors.New("recognition: no audio source")
	}

	args := append([]string{}, r.cmd[1:]...)
	if cfg.SourceLanguage != "" {
		args = append(args, "--from", cfg.SourceLanguage)
	}
	args = append(args,
		"--to", strings.Join(cfg.TargetLanguages, ","),
		"--sample-rate", strconv.Itoa(r.cfg.SampleRate),
		"--channels", strconv.Itoa(r.cfg.Channels),
		"--segmentation-silence-ms", strconv.Itoa(int(cfg.SegmentationSilence/time.Millisecond)),
	)

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(procCtx, r.cmd[0], args...)
	cmd.Env = append(os.Environ(),
		"SPEECH_KEY="+r.speech.SubscriptionKey,
		"SPEECH_REGION="+r.speech.Region,
		"SPEECH_ENDPOINT="+r.speech.Endpoint,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recognition command: %w", err)
	}

	go r.pump(procCtx, cfg.Audio, stdin)

	terminal := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		ev, ok := msg.event()
		if !ok {
			continue
		}
		if !emit(ctx, events, ev) {
			break
		}
		if ev.Kind == EventCanceled || ev.Kind == EventSessionStopped {
			terminal = true
			break
		}
	}
	cancel()
	waitErr := cmd.Wait()

	if ctx.Err() != nil || terminal {
		return nil
	}
	reason := "recognition command exited"
	if waitErr != nil {
		reason = waitErr.Error()
	} else if scanErr := scanner.Err(); scanErr != nil {
		reason = scanErr.Error()
	}
	emit(ctx, events, Event{Kind: EventCanceled, Reason: reason})
	return waitErr
}

// pump copies fixed-size capture frames into the engine until ctx ends.
func (r *execRecognizer) pump(ctx context.Context, src Source, dst io.WriteCloser) {
	defer dst.Close()
	format := audio.PCM16(r.cfg.SampleRate, r.cfg.Channels)
	frame := make([]byte, format.BytesInDuration(time.Duration(r.cfg.FrameDurationMS)*time.Millisecond))
	for {
		if err := src.ReadFull(ctx, frame); err != nil {
			return
		}
		if _, err := dst.Write(frame); err != nil {
			return
		}
	}
}

func (l execLine) event() (Event, bool) {
	var kind EventKind
	switch l.Type {
	case "session_started":
		kind = EventSessionStarted
	case "recognizing":
		kind = EventRecognizing
	case "recognized":
		kind = EventRecognized
	case "canceled":
		kind = EventCanceled
	case "session_stopped":
		kind = EventSessionStopped
	default:
		return Event{}, false
	}
	return Event{Kind: kind, Language: l.Language, Text: l.Text, Reason: l.Reason}, true
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.RecognitionConfig, speech config.SpeechConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg, speech)
	case "mock", "":
		return NewMockRecognizer(cfg), nil
	}
	return nil, fmt.Errorf("unsupported recognition mode %q", cfg.Mode)
}
