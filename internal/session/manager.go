// Package session keeps the live translation sessions of the process and
// assembles each one's collaborators from configuration.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/pipeline"
	"github.com/loqalabs/loqa-translate/internal/playback"
	"github.com/loqalabs/loqa-translate/internal/recognition"
	"github.com/loqalabs/loqa-translate/internal/synthesis"
)

var (
	ErrTooManySessions = errors.New("session: too many active sessions")
	ErrSessionExists   = errors.New("session: id already in use")
)

// Client is the connection a session reports to. Frames are only sent to it
// when playback.mode is client.
type Client interface {
	pipeline.Notifier
	playback.FrameSink
}

// Manager maps session ids to pipelines.
type Manager struct {
	cfg      config.Config
	recorder pipeline.Recorder
	pub      playback.Publisher
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*pipeline.Pipeline
}

// NewManager builds a manager. recorder and pub may be nil; pub is required
// for playback.mode bus and also receives transcripts when set.
func NewManager(cfg config.Config, recorder pipeline.Recorder, pub playback.Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		recorder: recorder,
		pub:      pub,
		logger:   logger.With(slog.String("component", "session-manager")),
		sessions: make(map[string]*pipeline.Pipeline),
	}
}

// Open creates an idle pipeline for id. The pipeline is forgotten once it
// stops.
func (m *Manager) Open(id string, client Client) (*pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	if limit := m.cfg.Pipeline.MaxSessions; limit > 0 && len(m.sessions) >= limit {
		return nil, ErrTooManySessions
	}

	deps, err := m.deps(id, client)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(id, deps, pipeline.OptionsFromConfig(m.cfg), m.logger)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = p
	go func() {
		<-p.Done()
		m.mu.Lock()
		if m.sessions[id] == p {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}()
	return p, nil
}

func (m *Manager) deps(id string, client Client) (pipeline.Deps, error) {
	rec, err := recognition.New(m.cfg.Recognition, m.cfg.Speech)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("build recognizer: %w", err)
	}
	synth, err := synthesis.New(m.cfg.Synthesis, m.cfg.Speech)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("build synthesizer: %w", err)
	}
	deps := pipeline.Deps{
		Recognizer:  rec,
		Synthesizer: synth,
		Notifier:    client,
		Recorder:    m.recorder,
	}
	if m.pub != nil {
		deps.Notifier = fanout{client, NewBusNotifier(m.pub, id, m.logger)}
	}

	var sink playback.FrameSink
	switch m.cfg.Playback.Mode {
	case "client":
		sink = client
	case "bus":
		if m.pub == nil {
			return pipeline.Deps{}, errors.New("playback mode bus needs a bus connection")
		}
		sink = playback.NewBusSink(m.pub, id)
	case "discard":
		sink = playback.Discard{}
	}

	frame := time.Duration(m.cfg.Playback.FrameDurationMS) * time.Millisecond
	if pipeline.ParseDelivery(m.cfg.Playback.Delivery) == pipeline.DeliveryStream {
		if sink == nil {
			return pipeline.Deps{}, fmt.Errorf("playback mode %q cannot stream", m.cfg.Playback.Mode)
		}
		deps.Sink = sink
		return deps, nil
	}
	if sink != nil {
		deps.Player = playback.NewSinkPlayer(sink, frame, true)
		return deps, nil
	}
	player, err := playback.NewPlayer(m.cfg.Playback)
	if err != nil {
		return pipeline.Deps{}, err
	}
	deps.Player = player
	return deps, nil
}

// Get returns the live pipeline for id.
func (m *Manager) Get(id string) (*pipeline.Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[id]
	return p, ok
}

// Capture returns the capture input of the running session id.
func (m *Manager) Capture(id string) (io.Writer, bool) {
	p, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return p.Capture(), true
}

// Close stops the pipeline for id if there is one.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	p, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		_ = p.Close()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll stops every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*pipeline.Pipeline, 0, len(m.sessions))
	for id, p := range m.sessions {
		sessions = append(sessions, p)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range sessions {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			_ = p.Close()
		}(p)
	}
	wg.Wait()
	if len(sessions) > 0 {
		m.logger.Info("closed sessions", slog.Int("count", len(sessions)))
	}
}

type fanout []pipeline.Notifier

func (f fanout) Recognizing(text string) {
	for _, n := range f {
		n.Recognizing(text)
	}
}

func (f fanout) Recognized(text string) {
	for _, n := range f {
		n.Recognized(text)
	}
}

func (f fanout) Stopped(reason string) {
	for _, n := range f {
		n.Stopped(reason)
	}
}
