package synthesis

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd    []string
	format audio.Format
	speech config.SpeechConfig

	mu     sync.Mutex
	active *Config
}

type execRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Canceled  bool   `json:"canceled"`
	Reason    string `json:"reason"`
}

// NewExecSynth runs command once per fragment: the request goes to stdin as
// JSON and base64 PCM comes back as JSON lines.
func NewExecSynth(command string, sampleRate, channels int, speech config.SpeechConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &execSynth{cmd: args, format: audio.PCM16(sampleRate, channels), speech: speech}, nil
}

func (e *execSynth) Initialize(targetLang, voiceName string) (Config, error) {
	return Config{Language: targetLang, Voice: voiceName, Format: e.format}, nil
}

func (e *execSynth) Start(_ context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = &cfg
	return nil
}

func (e *execSynth) SpeakText(ctx context.Context, text string) (Result, error) {
	e.mu.Lock()
	cfg := e.active
	e.mu.Unlock()
	if cfg == nil {
		return Result{}, errors.New("exec synthesizer not started")
	}

	data, err := json.Marshal(execRequest{
		Text:       text,
		Language:   cfg.Language,
		Voice:      cfg.Voice,
		SampleRate: e.format.SampleRate,
		Channels:   e.format.Channels,
	})
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Env = append(os.Environ(),
		"SPEECH_KEY="+e.speech.SubscriptionKey,
		"SPEECH_REGION="+e.speech.Region,
		"SPEECH_ENDPOINT="+e.speech.Endpoint,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}
	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return Result{}, err
	}
	stdin.Close()

	// finish drains what the child still writes so Wait never blocks on a
	// full pipe.
	finish := func() error {
		_, _ = io.Copy(io.Discard, stdout)
		return cmd.Wait()
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = finish()
			return Result{}, err
		}
		if resp.Canceled {
			_ = finish()
			return Result{Status: StatusCanceled, Reason: resp.Reason}, nil
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = finish()
			return Result{}, err
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	if err := finish(); err != nil {
		if ctx.Err() != nil {
			return Result{Status: StatusCanceled, Reason: ctx.Err().Error()}, nil
		}
		return Result{}, err
	}
	if scanErr != nil {
		return Result{}, scanErr
	}
	return Result{Status: StatusCompleted, Audio: pcm, Format: e.format}, nil
}

func (e *execSynth) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = nil
	return nil
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.SynthesisConfig, speech config.SpeechConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, speech)
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	}
	return nil, fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
}
