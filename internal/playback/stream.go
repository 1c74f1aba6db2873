package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/audio"
)

// StreamPump feeds synthesized audio through a ring stream and pulls it back
// out in fixed frames for a sink. The ring absorbs the difference between
// bursty synthesis and steady frame delivery; if the sink falls more than the
// ring's capacity behind, the oldest audio is lost.
type StreamPump struct {
	ring   *audio.RingStream
	sink   FrameSink
	format audio.Format
	frame  int
	pace   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamPump sizes the ring to hold ringDuration of format audio and
// delivers frames of frameDuration. If pace is true frames are released no
// faster than real time.
func NewStreamPump(sink FrameSink, format audio.Format, ringDuration, frameDuration time.Duration, pace bool, logger *slog.Logger) (*StreamPump, error) {
	frame := format.BytesInDuration(frameDuration)
	capacity := format.BytesInDuration(ringDuration)
	if frame <= 0 || capacity < frame {
		return nil, fmt.Errorf("stream pump: frame %d bytes does not fit ring of %d bytes", frame, capacity)
	}
	capacity -= capacity % frame
	p := &StreamPump{
		ring:   audio.NewRingStream(capacity),
		sink:   sink,
		format: format,
		frame:  frame,
		logger: logger.With(slog.String("component", "stream-pump")),
	}
	if pace {
		p.pace = frameDuration
	}
	return p, nil
}

// Start begins recording on the ring and launches the frame reader.
func (p *StreamPump) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.ring.StartRecording()
	go p.run(ctx)
}

// Write places a chunk into the ring, zero-padded to a whole number of
// frames so its tail is not stranded behind the next chunk.
func (p *StreamPump) Write(chunk audio.Chunk) {
	pcm := chunk.PCM
	if rem := len(pcm) % p.frame; rem != 0 {
		padded := make([]byte, len(pcm)+p.frame-rem)
		copy(padded, pcm)
		pcm = padded
	}
	_, _ = p.ring.Write(pcm)
}

// Buffered returns the number of bytes waiting in the ring.
func (p *StreamPump) Buffered() int { return p.ring.Len() }

// Close stops the reader, discards buffered audio and releases the ring.
func (p *StreamPump) Close() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.ring.Close()
	if done != nil {
		<-done
	}
	p.ring.StopRecording()
}

func (p *StreamPump) run(ctx context.Context) {
	defer close(p.done)
	buf := make([]byte, p.frame)
	next := time.Now()
	for {
		if err := p.ring.ReadFull(ctx, buf); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, audio.ErrClosed) {
				p.logger.Warn("stream read failed", slogError(err))
			}
			return
		}
		frame := make([]byte, len(buf))
		copy(frame, buf)
		if err := p.sink.SendFrame(ctx, p.format, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("frame delivery failed", slogError(err))
		}
		if p.pace > 0 {
			next = next.Add(p.pace)
			if now := time.Now(); next.Before(now) {
				next = now
			}
			if err := sleepUntil(ctx, next); err != nil {
				return
			}
		}
	}
}
