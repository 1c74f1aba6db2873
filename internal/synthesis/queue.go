package synthesis

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
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotStarted is returned by Enqueue before Start or after Close.
var ErrNotStarted = queue.ErrNotStarted

const (
	DefaultIdleInterval = 20 * time.Millisecond
	DefaultCallTimeout  = 45 * time.Second
)

// Queue serializes text fragments into one synthesis call at a time and
// hands each finished chunk to the output function in enqueue order.
type Queue struct {
	sessionID string
	synth     Synthesizer
	out       func(audio.Chunk)
	fifo      *queue.FIFO[string]
	idle      time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	fragments metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	sequence int
}

type QueueOption func(*Queue)

func WithIdleInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.idle = d
		}
	}
}

func WithCallTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewQueue(sessionID string, synth Synthesizer, out func(audio.Chunk), logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		sessionID: sessionID,
		synth:     synth,
		out:       out,
		fifo:      queue.NewFIFO[string](),
		idle:      DefaultIdleInterval,
		timeout:   DefaultCallTimeout,
		logger:    logger.With(slog.String("component", "synthesis-queue"), slog.String("session_id", sessionID)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.initMetrics()
	return q
}

func (q *Queue) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-translate/synthesis")
	var err error
	if q.fragments, err = meter.Int64Counter("translate.synthesis.fragments",
		metric.WithDescription("Text fragments synthesized")); err != nil {
		q.logger.Warn("failed to create metric", slogError(err))
	}
	if q.failures, err = meter.Int64Counter("translate.synthesis.failures",
		metric.WithDescription("Synthesis calls that failed or were canceled")); err != nil {
		q.logger.Warn("failed to create metric", slogError(err))
	}
	if q.latency, err = meter.Float64Histogram("translate.synthesis.latency",
		metric.WithUnit("ms"), metric.WithDescription("Synthesis call latency")); err != nil {
		q.logger.Warn("failed to create metric", slogError(err))
	}
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

// Enqueue appends text without waiting for the worker.
func (q *Queue) Enqueue(text string) error {
	if err := q.fifo.Push(text); err != nil {
		return fmt.Errorf("synthesis enqueue: %w", err)
	}
	return nil
}

// Len returns the number of fragments waiting for synthesis.
func (q *Queue) Len() int { return q.fifo.Len() }

// Close rejects new fragments, cancels the worker and waits for it to exit.
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
		text, err := q.fifo.Pop(ctx, q.idle)
		if err != nil {
			return
		}
		if text == "" {
			continue
		}
		q.speak(ctx, text)
	}
}

func (q *Queue) speak(ctx context.Context, text string) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("synthesizer panicked", slog.Any("panic", r))
			q.fail(ctx, "panic")
		}
	}()

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-translate/synthesis").Start(ctx, "synthesis.speak",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("session.id", q.sessionID), attribute.Int("text.runes", len([]rune(text)))))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := time.Now()
	result, err := q.synth.SpeakText(callCtx, text)
	if q.latency != nil {
		q.latency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("speech synthesis failed", slogError(err))
		q.fail(ctx, "error")
		return
	}
	if result.Status == StatusCanceled {
		span.SetStatus(codes.Error, "canceled")
		q.logger.Warn("speech synthesis canceled", slog.String("reason", result.Reason))
		q.fail(ctx, "canceled")
		return
	}

	chunk := audio.Chunk{
		SessionID: q.sessionID,
		Sequence:  q.sequence,
		Text:      text,
		Format:    result.Format,
		PCM:       result.Audio,
	}
	q.sequence++
	if q.fragments != nil {
		q.fragments.Add(ctx, 1)
	}
	q.out(chunk)
}

func (q *Queue) fail(ctx context.Context, kind string) {
	if q.failures != nil {
		q.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
