// Package playback moves synthesized audio to its destination: a local
// command, a frame sink such as a client connection or the bus, or nowhere.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/mattn/go-shellwords"
)

// Player renders one chunk to completion.
type Player interface {
	Play(ctx context.Context, chunk audio.Chunk) error
}

// FrameSink receives fixed-duration PCM frames.
type FrameSink interface {
	SendFrame(ctx context.Context, f audio.Format, pcm []byte) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, chunk audio.Chunk) error

func (fn PlayerFunc) Play(ctx context.Context, chunk audio.Chunk) error { return fn(ctx, chunk) }

// SinkPlayer splits chunks into frames and sends them to a sink at real-time
// pace, so Play returns once the chunk has been heard.
type SinkPlayer struct {
	sink  FrameSink
	frame time.Duration
	pace  bool
}

func NewSinkPlayer(sink FrameSink, frame time.Duration, pace bool) *SinkPlayer {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &SinkPlayer{sink: sink, frame: frame, pace: pace}
}

func (p *SinkPlayer) Play(ctx context.Context, chunk audio.Chunk) error {
	size := chunk.Format.BytesInDuration(p.frame)
	if size <= 0 {
		size = len(chunk.PCM)
	}
	start := time.Now()
	var sent time.Duration
	for off := 0; off < len(chunk.PCM); off += size {
		end := min(off+size, len(chunk.PCM))
		frame := chunk.PCM[off:end]
		if err := p.sink.SendFrame(ctx, chunk.Format, frame); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		if !p.pace {
			continue
		}
		sent += chunk.Format.Duration(len(frame))
		if err := sleepUntil(ctx, start.Add(sent)); err != nil {
			return err
		}
	}
	return nil
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Discard accepts everything and plays nothing.
type Discard struct{}

func (Discard) Play(context.Context, audio.Chunk) error { return nil }

func (Discard) SendFrame(context.Context, audio.Format, []byte) error { return nil }

type execPlayer struct {
	cmd []string
}

// NewExecPlayer runs command with the path of a WAV file holding each chunk
// appended as the last argument, e.g. "aplay -q".
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (e *execPlayer) Play(ctx context.Context, chunk audio.Chunk) error {
	if len(chunk.PCM) == 0 {
		return nil
	}
	file, err := os.CreateTemp(os.TempDir(), "loqa_playback_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, chunk.PCM, chunk.Format); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}

	args := append(append([]string{}, e.cmd[1:]...), file.Name())
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("playback command failed: %w: %s", err, stderr.String())
	}
	return nil
}

// NewPlayer builds the local player for the exec and discard modes. The
// client and bus modes need a sink and are assembled by the caller.
func NewPlayer(cfg config.PlaybackConfig) (Player, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecPlayer(cfg.Command)
	case "discard", "":
		return Discard{}, nil
	}
	return nil, fmt.Errorf("playback mode %q needs a frame sink", cfg.Mode)
}
