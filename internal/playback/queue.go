package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotStarted is returned by Enqueue before Start or after Close.
var ErrNotStarted = queue.ErrNotStarted

const DefaultIdleInterval = 20 * time.Millisecond

// Queue plays chunks one at a time in the order they were enqueued.
type Queue struct {
	sessionID string
	player    Player
	fifo      *queue.FIFO[audio.Chunk]
	idle      time.Duration
	logger    *slog.Logger

	played   metric.Int64Counter
	failures metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(sessionID string, player Player, idle time.Duration, logger *slog.Logger) *Queue {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	q := &Queue{
		sessionID: sessionID,
		player:    player,
		fifo:      queue.NewFIFO[audio.Chunk](),
		idle:      idle,
		logger:    logger.With(slog.String("component", "playback-queue"), slog.String("session_id", sessionID)),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-translate/playback")
	var err error
	if q.played, err = meter.Int64Counter("translate.playback.chunks",
		metric.WithDescription("Audio chunks played")); err != nil {
		q.logger.Warn("failed to create metric", slogError(err))
	}
	if q.failures, err = meter.Int64Counter("translate.playback.failures",
		metric.WithDescription("Audio chunks that failed to play")); err != nil {
		q.logger.Warn("failed to create metric", slogError(err))
	}
	return q
}

// Start launches the worker. Calling it twice has no effect.
func (q *Queue) Start(parent context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.fifo.Open()
	go q.run(ctx)
}

// Enqueue hands chunk to the worker without waiting for playback.
func (q *Queue) Enqueue(chunk audio.Chunk) error {
	if err := q.fifo.Push(chunk); err != nil {
		return fmt.Errorf("playback enqueue: %w", err)
	}
	return nil
}

func (q *Queue) Len() int { return q.fifo.Len() }

// Close drops pending chunks, interrupts the current one and waits for the
// worker to exit.
func (q *Queue) Close() {
	q.fifo.Close()
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		chunk, err := q.fifo.Pop(ctx, q.idle)
		if err != nil {
			return
		}
		q.play(ctx, chunk)
	}
}

func (q *Queue) play(ctx context.Context, chunk audio.Chunk) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("player panicked", slog.Any("panic", r))
		}
	}()
	if err := q.player.Play(ctx, chunk); err != nil {
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn("playback failed", slog.Int("sequence", chunk.Sequence), slogError(err))
		if q.failures != nil {
			q.failures.Add(ctx, 1)
		}
		return
	}
	if q.played != nil {
		q.played.Add(ctx, 1, metric.WithAttributes(attribute.Int("sample_rate", chunk.Format.SampleRate)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
