// Package ws exposes translation sessions over a websocket. Text frames carry
// JSON requests, replies and notices; binary frames carry PCM, microphone
// audio from the client and synthesized audio to it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/pipeline"
	"github.com/loqalabs/loqa-translate/internal/session"
)

const (
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Request is a client call. Params depend on Method.
type Request struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type StartParams struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Voice string `json:"voice,omitempty"`
}

type ReverseParams struct {
	To string `json:"to"`
}

// Reply answers the request with the same ID.
type Reply struct {
	ID        int    `json:"id"`
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notice is pushed without a request.
type Notice struct {
	Event  string `json:"event"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	NoticeRecognizing = "recognizing"
	NoticeRecognized  = "recognized"
	NoticeStopped     = "stopped"
)

// Handler upgrades HTTP requests and serves one client per connection.
type Handler struct {
	manager  *session.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(manager *session.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &conn{
		ws:      ws,
		manager: h.manager,
		logger:  h.logger.With(slog.String("remote", r.RemoteAddr)),
	}
	c.serve(r.Context())
}

// conn is one client. It is the session's notifier and, in client playback
// mode, its frame sink.
type conn struct {
	ws      *websocket.Conn
	manager *session.Manager
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	current *pipeline.Pipeline
}

func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	defer c.ws.Close()
	defer c.closeSession()

	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.keepalive(ctx)

	c.logger.Info("client connected")
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read ended", slog.String("error", err.Error()))
			}
			c.logger.Info("client disconnected")
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if p := c.session(); p != nil {
				_, _ = p.Capture().Write(data)
			}
		case websocket.TextMessage:
			c.handle(ctx, data)
		}
	}
}

func (c *conn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) handle(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(Reply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	var (
		sessionID string
		err       error
	)
	switch req.Method {
	case "start":
		var params StartParams
		if err = decodeParams(req.Params, &params); err == nil {
			sessionID, err = c.start(ctx, params)
		}
	case "reverse":
		var params ReverseParams
		if err = decodeParams(req.Params, &params); err == nil {
			err = c.reverse(params.To)
		}
	case "stop":
		c.closeSession()
	default:
		err = fmt.Errorf("unknown method %q", req.Method)
	}
	r := Reply{ID: req.ID, OK: err == nil, SessionID: sessionID}
	if err != nil {
		r.Error = err.Error()
	}
	c.reply(r)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// start replaces any finished session with a fresh pipeline.
func (c *conn) start(ctx context.Context, params StartParams) (string, error) {
	if params.From == "" || params.To == "" {
		return "", errors.New("from and to are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		select {
		case <-c.current.Done():
		default:
			return "", fmt.Errorf("session %s already active: %w", c.current.ID(), pipeline.ErrInvalidState)
		}
	}
	id := uuid.NewString()
	p, err := c.manager.Open(id, c)
	if err != nil {
		return "", err
	}
	if err := p.Start(ctx, params.From, params.To, params.Voice); err != nil {
		return "", err
	}
	c.current = p
	c.logger.Info("session opened", slog.String("session_id", id))
	return id, nil
}

func (c *conn) reverse(to string) error {
	if to == "" {
		return errors.New("to is required")
	}
	p := c.session()
	if p == nil {
		return pipeline.ErrNotStarted
	}
	return p.Reverse(to)
}

func (c *conn) session() *pipeline.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *conn) closeSession() {
	c.mu.Lock()
	p := c.current
	c.current = nil
	c.mu.Unlock()
	if p != nil {
		c.manager.Close(p.ID())
	}
}

func (c *conn) reply(r Reply) {
	if err := c.writeJSON(r); err != nil {
		c.logger.Debug("failed to write reply", slog.String("error", err.Error()))
	}
}

func (c *conn) notice(n Notice) {
	if err := c.writeJSON(n); err != nil {
		c.logger.Debug("failed to push notice", slog.String("event", n.Event), slog.String("error", err.Error()))
	}
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) Recognizing(text string) {
	c.notice(Notice{Event: NoticeRecognizing, Text: text})
}

func (c *conn) Recognized(text string) {
	c.notice(Notice{Event: NoticeRecognized, Text: text})
}

func (c *conn) Stopped(reason string) {
	c.notice(Notice{Event: NoticeStopped, Reason: reason})
}

// SendFrame writes synthesized PCM as a binary message.
func (c *conn) SendFrame(ctx context.Context, _ audio.Format, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, pcm)
}
