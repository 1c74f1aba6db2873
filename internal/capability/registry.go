// Package capability announces what this translation node can do and tracks
// the peers it hears from on the bus.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID             string       `json:"id"`
	Role           string       `json:"role"`
	Capabilities   []Capability `json:"capabilities,omitempty"`
	MaxSessions    int          `json:"max_sessions"`
	ActiveSessions int          `json:"active_sessions"`
	LastSeen       time.Time    `json:"last_seen"`
	Healthy        bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	MaxSessions  int          `json:"max_sessions"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

// LoadFunc reports how many sessions this node is running.
type LoadFunc func() int

type Registry struct {
	node     config.NodeConfig
	self     announceMessage
	load     LoadFunc
	log      *slog.Logger
	bus      *bus.Client
	interval time.Duration
	timeout  time.Duration

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.Config, busClient *bus.Client, load LoadFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if load == nil {
		load = func() int { return 0 }
	}
	r := &Registry{
		node: cfg.Node,
		self: announceMessage{
			NodeID:       cfg.Node.ID,
			Role:         cfg.Node.Role,
			Capabilities: Describe(cfg),
			MaxSessions:  cfg.Pipeline.MaxSessions,
		},
		load:     load,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		interval: time.Duration(cfg.Node.HeartbeatInterval) * time.Millisecond,
		timeout:  time.Duration(cfg.Node.HeartbeatTimeout) * time.Millisecond,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.timeout <= r.interval {
		r.timeout = 3 * r.interval
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

// Describe lists the translation capabilities cfg gives this node.
func Describe(cfg config.Config) []Capability {
	return []Capability{
		{Name: "translate.recognition", Attributes: map[string]string{
			"mode":          cfg.Recognition.Mode,
			"from_language": cfg.Speech.FromLanguage,
			"to_languages":  strings.Join(cfg.Speech.ToLanguages, ","),
			"sample_rate":   strconv.Itoa(cfg.Recognition.SampleRate),
		}},
		{Name: "translate.synthesis", Attributes: map[string]string{
			"mode":          cfg.Synthesis.Mode,
			"default_voice": cfg.Synthesis.DefaultVoice,
			"sample_rate":   strconv.Itoa(cfg.Synthesis.SampleRate),
		}},
		{Name: "translate.playback", Attributes: map[string]string{
			"mode":     cfg.Playback.Mode,
			"delivery": cfg.Playback.Delivery,
		}},
	}
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := r.self
	msg.Timestamp = time.Now().UTC()
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg, r.load())
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:         r.node.ID,
		ActiveSessions: r.load(),
		Timestamp:      time.Now().UTC(),
	}
	return r.bus.PublishJSON(protocol.NodeHeartbeatSubject(r.node.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.mu.RLock()
	_, known := r.nodes[announcement.NodeID]
	r.mu.RUnlock()
	r.updateNode(announcement, -1)

	// A newcomer missed our own announcement.
	if !known && announcement.NodeID != r.node.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(announceMessage{NodeID: hb.NodeID, Timestamp: hb.Timestamp}, hb.ActiveSessions)
}

// updateNode merges what a message says about a node. active < 0 leaves the
// session count untouched.
func (r *Registry) updateNode(msg announceMessage, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
	}
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if len(msg.Capabilities) > 0 {
		node.Capabilities = msg.Capabilities
		node.MaxSessions = msg.MaxSessions
	}
	if active >= 0 {
		node.ActiveSessions = active
	}
	node.LastSeen = msg.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node still hears its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.node.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		info := *node
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-translate/capability")
	nodes, err := meter.Int64ObservableGauge("translate.nodes.known", metric.WithDescription("Number of known translation nodes"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64ObservableGauge("translate.nodes.sessions", metric.WithDescription("Sessions running across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, s := r.snapshotCounts()
		obs.ObserveInt64(nodes, n)
		obs.ObserveInt64(sessions, s)
		return nil
	}, nodes, sessions)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, sessions int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			sessions += int64(node.ActiveSessions)
		}
	}
	return nodes, sessions
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithTargetLanguage keeps nodes whose recognizer translates into lang.
func WithTargetLanguage(lang string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name != "translate.recognition" {
				continue
			}
			for _, target := range strings.Split(c.Attributes["to_languages"], ",") {
				if strings.EqualFold(strings.TrimSpace(target), lang) {
					return true
				}
			}
		}
		return false
	}
}

// Available keeps healthy nodes with room for another session.
func Available(node NodeInfo) bool {
	if !node.Healthy {
		return false
	}
	return node.MaxSessions == 0 || node.ActiveSessions < node.MaxSessions
}
