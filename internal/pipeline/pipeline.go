// Package pipeline runs one live translation session: capture audio flows to
// the recognizer, results for the current target language flow to synthesis,
// and synthesized audio flows to playback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/playback"
	"github.com/loqalabs/loqa-translate/internal/recognition"
	"github.com/loqalabs/loqa-translate/internal/router"
	"github.com/loqalabs/loqa-translate/internal/synthesis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Notifier receives the session's user-visible output.
type Notifier interface {
	Recognizing(text string)
	Recognized(text string)
	// Stopped is called once if a collaborator ends the session.
	Stopped(reason string)
}

// Recorder persists the session timeline.
type Recorder interface {
	Record(ctx context.Context, sessionID, eventType string, payload any) error
}

// Pipeline owns one session's queues, rings and background loops.
type Pipeline struct {
	id       string
	deps     Deps
	opts     Options
	logger   *slog.Logger
	target   *router.LanguageCell
	capture  *audio.RingStream
	done     chan struct{}
	sessions metric.Int64UpDownCounter

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	producers sync.WaitGroup
	synthQ    *synthesis.Queue
	playQ     *playback.Queue
	pump      *playback.StreamPump
	err       error
}

func New(id string, deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if deps.Recognizer == nil || deps.Synthesizer == nil {
		return nil, errors.New("pipeline: recognizer and synthesizer are required")
	}
	opts = opts.withDefaults()
	switch opts.Delivery {
	case DeliveryQueue:
		if deps.Player == nil {
			return nil, errors.New("pipeline: queue delivery needs a player")
		}
	case DeliveryStream:
		if deps.Sink == nil {
			return nil, errors.New("pipeline: stream delivery needs a frame sink")
		}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	capacity := opts.CaptureFormat.BytesInDuration(opts.CaptureRing)
	if capacity <= 0 {
		return nil, fmt.Errorf("pipeline: capture ring of %s holds no audio", opts.CaptureRing)
	}

	p := &Pipeline{
		id:      id,
		deps:    deps,
		opts:    opts,
		logger:  logger.With(slog.String("component", "pipeline"), slog.String("session_id", id)),
		target:  router.NewLanguageCell(""),
		capture: audio.NewRingStream(capacity, audio.WithPollInterval(opts.PollInterval)),
		done:    make(chan struct{}),
	}
	var err error
	meter := otel.Meter("github.com/loqalabs/loqa-translate/pipeline")
	if p.sessions, err = meter.Int64UpDownCounter("translate.sessions.active",
		metric.WithDescription("Sessions between start and stop")); err != nil {
		p.logger.Warn("failed to create metric", slogError(err))
	}
	return p, nil
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Target returns the language currently routed to synthesis.
func (p *Pipeline) Target() string { return p.target.Get() }

// Done is closed once the pipeline reaches StateStopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns a *CanceledError if a collaborator ended the session.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Capture is where the client's microphone audio is written. Writes are
// accepted at any time but only reach the recognizer while the session runs.
func (p *Pipeline) Capture() io.Writer { return p.capture }

// Start wires the session and launches the recognizer. It returns once the
// synthesizer is ready; the pipeline turns Running when the recognizer
// reports its session live.
func (p *Pipeline) Start(parent context.Context, from, to, voice string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return fmt.Errorf("start in state %s: %w", p.state, ErrInvalidState)
	}
	if voice == "" {
		voice = p.opts.DefaultVoice
	}
	p.state = StateStarting
	p.target.Set(to)

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	synthCfg, err := p.deps.Synthesizer.Initialize(to, voice)
	if err == nil {
		err = p.deps.Synthesizer.Start(ctx, synthCfg)
	}
	if err != nil {
		p.abortLocked()
		return fmt.Errorf("start synthesizer: %w", err)
	}

	var out func(audio.Chunk)
	switch p.opts.Delivery {
	case DeliveryStream:
		pump, err := playback.NewStreamPump(p.deps.Sink, synthCfg.Format, p.opts.PlaybackRing, p.opts.FrameDuration, p.opts.PaceStream, p.logger)
		if err != nil {
			p.deps.Synthesizer.Close()
			p.abortLocked()
			return err
		}
		pump.Start(ctx)
		p.pump = pump
		out = pump.Write
	default:
		p.playQ = playback.NewQueue(p.id, p.deps.Player, p.opts.IdleInterval, p.logger)
		p.playQ.Start(ctx)
		out = func(chunk audio.Chunk) {
			if err := p.playQ.Enqueue(chunk); err != nil {
				p.logger.Warn("failed to enqueue audio", slogError(err))
			}
		}
	}
	p.synthQ = synthesis.NewQueue(p.id, p.deps.Synthesizer, func(chunk audio.Chunk) {
		p.record(ctx, "audio.produced", map[string]any{
			"sequence": chunk.Sequence,
			"text":     chunk.Text,
			"bytes":    len(chunk.PCM),
		})
		out(chunk)
	}, p.logger,
		synthesis.WithIdleInterval(p.opts.IdleInterval),
		synthesis.WithCallTimeout(p.opts.SynthesisTimeout))
	p.synthQ.Start(ctx)

	langs := targets(from, to, p.opts.ExtraTargets)
	recCfg, err := p.deps.Recognizer.Initialize(from, langs)
	if err != nil {
		p.teardownLocked()
		return fmt.Errorf("initialize recognizer: %w", err)
	}
	recCfg.Audio = p.capture

	events := make(chan recognition.Event, 64)
	// terminal is only touched on the router goroutine.
	var terminal bool
	rt := router.New(p.target, sessionNotifier{p: p, ctx: ctx}, p.synthQ, p.logger,
		router.OnStarted(p.recognizerStarted),
		router.OnTerminal(func(ev recognition.Event) {
			if terminal {
				return
			}
			terminal = true
			reason := ev.Reason
			if reason == "" {
				reason = ev.Kind.String()
			}
			p.collaboratorEnded(reason)
		}))

	p.capture.StartRecording()
	p.producers.Add(2)
	var recErr error
	go func() {
		defer p.producers.Done()
		recErr = p.deps.Recognizer.Start(ctx, recCfg, events)
		close(events)
	}()
	go func() {
		defer p.producers.Done()
		rt.Run(ctx, events)
		if ctx.Err() != nil || terminal {
			return
		}
		// The recognizer returned without reporting why.
		reason := "recognition ended"
		if recErr != nil {
			reason = recErr.Error()
		}
		p.collaboratorEnded(reason)
	}()

	if p.sessions != nil {
		p.sessions.Add(ctx, 1)
	}
	p.record(ctx, "session.started", map[string]any{
		"from":    from,
		"to":      to,
		"voice":   voice,
		"targets": langs,
	})
	p.logger.Info("session starting",
		slog.String("from", from), slog.String("to", to), slog.String("voice", voice))
	return nil
}

// Reverse switches the language routed to synthesis. Results already routed
// are unaffected.
func (p *Pipeline) Reverse(to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateStarting, StateRunning:
	case StateIdle:
		return ErrNotStarted
	default:
		return fmt.Errorf("reverse in state %s: %w", p.state, ErrInvalidState)
	}
	from := p.target.Get()
	p.target.Set(to)
	p.record(context.Background(), "session.reversed", map[string]any{"from": from, "to": to})
	p.logger.Info("target language changed", slog.String("from", from), slog.String("to", to))
	return nil
}

// Stop tears the session down and waits for every loop to exit. Calling it
// again, or after a collaborator ended the session, is a no-op.
func (p *Pipeline) Stop() error {
	p.shutdown("stopped", nil)
	return nil
}

func (p *Pipeline) Close() error { return p.Stop() }

func (p *Pipeline) recognizerStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStarting {
		p.state = StateRunning
		p.logger.Info("session running")
	}
}

// collaboratorEnded stops the session from a background loop. The teardown
// runs on its own goroutine because it waits for the caller's loop.
func (p *Pipeline) collaboratorEnded(reason string) {
	go func() {
		if !p.shutdown(reason, &CanceledError{Reason: reason}) {
			return
		}
		p.logger.Warn("session canceled by collaborator", slog.String("reason", reason))
		p.deps.Notifier.Stopped(reason)
	}()
}

// shutdown reports whether this call performed the transition to Stopped.
func (p *Pipeline) shutdown(reason string, cause error) bool {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.state = StateStopped
		p.capture.Close()
		close(p.done)
		p.mu.Unlock()
		return true
	case StateStarting, StateRunning:
		p.state = StateStopping
	default:
		p.mu.Unlock()
		return false
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.producers.Wait()
	p.synthQ.Close()
	if p.playQ != nil {
		p.playQ.Close()
	}
	if p.pump != nil {
		p.pump.Close()
	}
	if err := p.deps.Synthesizer.Close(); err != nil {
		p.logger.Warn("failed to close synthesizer", slogError(err))
	}
	p.capture.StopRecording()
	p.capture.Close()
	if p.sessions != nil {
		p.sessions.Add(context.Background(), -1)
	}
	p.record(context.Background(), "session.stopped", map[string]any{"reason": reason})

	p.mu.Lock()
	p.state = StateStopped
	p.err = cause
	p.mu.Unlock()
	close(p.done)
	p.logger.Info("session stopped", slog.String("reason", reason))
	return true
}

// abortLocked handles a Start failure before any loop was launched.
func (p *Pipeline) abortLocked() {
	p.cancel()
	p.capture.Close()
	p.state = StateStopped
	close(p.done)
}

// teardownLocked handles a Start failure after the output loops launched.
func (p *Pipeline) teardownLocked() {
	p.cancel()
	p.synthQ.Close()
	if p.playQ != nil {
		p.playQ.Close()
	}
	if p.pump != nil {
		p.pump.Close()
	}
	p.deps.Synthesizer.Close()
	p.capture.Close()
	p.state = StateStopped
	close(p.done)
}

func (p *Pipeline) record(ctx context.Context, eventType string, payload any) {
	if p.deps.Recorder == nil {
		return
	}
	if err := p.deps.Recorder.Record(context.WithoutCancel(ctx), p.id, eventType, payload); err != nil {
		p.logger.Warn("failed to record session event", slog.String("type", eventType), slogError(err))
	}
}

// sessionNotifier forwards routed text to the notifier and the timeline.
type sessionNotifier struct {
	p   *Pipeline
	ctx context.Context
}

func (n sessionNotifier) Recognizing(_, text string) {
	n.p.deps.Notifier.Recognizing(text)
}

func (n sessionNotifier) Recognized(lang, text string) {
	n.p.record(n.ctx, "text.recognized", map[string]any{"language": lang, "text": text})
	n.p.deps.Notifier.Recognized(text)
}

type nopNotifier struct{}

func (nopNotifier) Recognizing(string) {}
func (nopNotifier) Recognized(string)  {}
func (nopNotifier) Stopped(string)     {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
