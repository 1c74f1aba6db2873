// Package router filters recognition results down to the session's current
// target language and forwards them to the client and to synthesis.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-translate/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Notifier receives transcripts for the current target language. lang is the
// tag of the result that matched, not the target it matched.
type Notifier interface {
	Recognizing(lang, text string)
	Recognized(lang, text string)
}

// TextSink accepts settled text for synthesis.
type TextSink interface {
	Enqueue(text string) error
}

// Router consumes one session's recognition events.
type Router struct {
	target     *LanguageCell
	notifier   Notifier
	sink       TextSink
	onStarted  func()
	onTerminal func(recognition.Event)
	logger     *slog.Logger

	routed  metric.Int64Counter
	dropped metric.Int64Counter
}

type Option func(*Router)

// OnStarted is called when the recognizer reports the session live.
func OnStarted(fn func()) Option {
	return func(r *Router) { r.onStarted = fn }
}

// OnTerminal is called for canceled and session-stopped events.
func OnTerminal(fn func(recognition.Event)) Option {
	return func(r *Router) { r.onTerminal = fn }
}

func New(target *LanguageCell, notifier Notifier, sink TextSink, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		target:   target,
		notifier: notifier,
		sink:     sink,
		logger:   logger.With(slog.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-translate/router")
	var err error
	if r.routed, err = meter.Int64Counter("translate.router.routed",
		metric.WithDescription("Recognition results forwarded for the current target")); err != nil {
		r.logger.Warn("failed to create metric", slogError(err))
	}
	if r.dropped, err = meter.Int64Counter("translate.router.dropped",
		metric.WithDescription("Recognition results for other languages")); err != nil {
		r.logger.Warn("failed to create metric", slogError(err))
	}
	return r
}

// Matches reports whether a result tagged lang belongs to target. The match
// is a case-insensitive substring test so "ja-JP" matches a target of "ja".
func Matches(lang, target string) bool {
	if target == "" {
		return false
	}
	return strings.Contains(strings.ToLower(lang), strings.ToLower(target))
}

// Run handles events until ctx is done or events is closed.
func (r *Router) Run(ctx context.Context, events <-chan recognition.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

func (r *Router) Handle(ctx context.Context, ev recognition.Event) {
	switch ev.Kind {
	case recognition.EventSessionStarted:
		if r.onStarted != nil {
			r.onStarted()
		}
	case recognition.EventCanceled, recognition.EventSessionStopped:
		if r.onTerminal != nil {
			r.onTerminal(ev)
		}
	case recognition.EventRecognizing, recognition.EventRecognized:
		r.route(ctx, ev)
	}
}

func (r *Router) route(ctx context.Context, ev recognition.Event) {
	target := r.target.Get()
	if !Matches(ev.Language, target) {
		if r.dropped != nil {
			r.dropped.Add(ctx, 1)
		}
		return
	}
	if r.routed != nil {
		r.routed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", ev.Kind.String()),
			attribute.String("target", target)))
	}
	if !ev.Final() {
		r.notifier.Recognizing(ev.Language, ev.Text)
		return
	}
	r.notifier.Recognized(ev.Language, ev.Text)
	if err := r.sink.Enqueue(ev.Text); err != nil {
		r.logger.Warn("failed to enqueue text for synthesis", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
