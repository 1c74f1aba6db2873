// Package ingest feeds microphone audio published on the bus into the
// capture rings of running sessions.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sessions resolves a session id to its capture input.
type Sessions interface {
	Capture(sessionID string) (io.Writer, bool)
}

type Service struct {
	bus      *bus.Client
	sessions Sessions
	logger   *slog.Logger

	frames  metric.Int64Counter
	dropped metric.Int64Counter

	mu    sync.Mutex
	ctx   context.Context
	sub   *nats.Subscription
	ready bool
}

func NewService(parent context.Context, busClient *bus.Client, sessions Sessions, logger *slog.Logger) *Service {
	s := &Service{
		bus:      busClient,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "capture-ingest")),
		ctx:      parent,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-translate/ingest")
	var err error
	if s.frames, err = meter.Int64Counter("translate.capture.frames",
		metric.WithDescription("Capture frames written to a session")); err != nil {
		s.logger.Warn("failed to create metric", slogError(err))
	}
	if s.dropped, err = meter.Int64Counter("translate.capture.dropped",
		metric.WithDescription("Capture frames with no running session")); err != nil {
		s.logger.Warn("failed to create metric", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCapturePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe capture frames: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode capture frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = msg.Subject[len(protocol.SubjectCapturePrefix)+1:]
	}
	w, ok := s.sessions.Capture(frame.SessionID)
	if !ok {
		if s.dropped != nil {
			s.dropped.Add(s.ctx, 1)
		}
		s.logger.Debug("capture frame for unknown session", slog.String("session_id", frame.SessionID))
		return
	}
	if _, err := w.Write(frame.PCM); err != nil {
		s.logger.Warn("capture write failed", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}
	if s.frames != nil {
		s.frames.Add(s.ctx, 1, metric.WithAttributes(attribute.String("session.id", frame.SessionID)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
