package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Speech      SpeechConfig      `yaml:"speech"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this process to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig holds the cloud speech credentials. They are read once at
// process start and handed to every session unchanged.
type SpeechConfig struct {
	SubscriptionKey string   `yaml:"subscription_key"`
	Region          string   `yaml:"region"`
	Endpoint        string   `yaml:"endpoint"`
	FromLanguage    string   `yaml:"from_language"`
	ToLanguages     []string `yaml:"to_languages"`
}

type RecognitionConfig struct {
	Mode                  string `yaml:"mode"` // mock, exec
	Command               string `yaml:"command"`
	SampleRate            int    `yaml:"sample_rate"`
	Channels              int    `yaml:"channels"`
	FrameDurationMS       int    `yaml:"frame_duration_ms"`
	SegmentationSilenceMS int    `yaml:"segmentation_silence_ms"`
	RingSeconds           int    `yaml:"ring_seconds"`
}

type SynthesisConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	DefaultVoice   string `yaml:"default_voice"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	IdleIntervalMS int    `yaml:"idle_interval_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	Mode            string `yaml:"mode"`     // client, bus, exec, discard
	Delivery        string `yaml:"delivery"` // queue, stream
	Command         string `yaml:"command"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	RingSeconds     int    `yaml:"ring_seconds"`
	IdleIntervalMS  int    `yaml:"idle_interval_ms"`
}

type PipelineConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	MaxSessions    int `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-translate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "translate-node-1",
			Role:              "translator",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-translate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			FromLanguage: "zh-CN",
			ToLanguages:  []string{"ja-JP", "en-US"},
		},
		Recognition: RecognitionConfig{
			Mode:                  "mock",
			SampleRate:            24000,
			Channels:              1,
			FrameDurationMS:       100,
			SegmentationSilenceMS: 200,
			RingSeconds:           10,
		},
		Synthesis: SynthesisConfig{
			Mode:           "mock",
			DefaultVoice:   "zh-CN-XiaoxiaoMultilingualNeural",
			SampleRate:     16000,
			Channels:       1,
			IdleIntervalMS: 20,
			TimeoutMS:      45000,
		},
		Playback: PlaybackConfig{
			Mode:            "client",
			Delivery:        "queue",
			FrameDurationMS: 20,
			RingSeconds:     10,
			IdleIntervalMS:  20,
		},
		Pipeline: PipelineConfig{
			PollIntervalMS: 100,
			MaxSessions:    64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Speech.SubscriptionKey, "LOQA_SPEECH_SUBSCRIPTION_KEY")
	overrideString(&cfg.Speech.Region, "LOQA_SPEECH_REGION")
	overrideString(&cfg.Speech.Endpoint, "LOQA_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.FromLanguage, "LOQA_SPEECH_FROM_LANGUAGE")
	overrideStringSlice(&cfg.Speech.ToLanguages, "LOQA_SPEECH_TO_LANGUAGES")
	overrideString(&cfg.Recognition.Mode, "LOQA_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideInt(&cfg.Recognition.SampleRate, "LOQA_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Channels, "LOQA_RECOGNITION_CHANNELS")
	overrideInt(&cfg.Recognition.FrameDurationMS, "LOQA_RECOGNITION_FRAME_DURATION_MS")
	overrideInt(&cfg.Recognition.SegmentationSilenceMS, "LOQA_RECOGNITION_SEGMENTATION_SILENCE_MS")
	overrideInt(&cfg.Recognition.RingSeconds, "LOQA_RECOGNITION_RING_SECONDS")
	overrideString(&cfg.Synthesis.Mode, "LOQA_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.DefaultVoice, "LOQA_SYNTHESIS_DEFAULT_VOICE")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "LOQA_SYNTHESIS_CHANNELS")
	overrideInt(&cfg.Synthesis.IdleIntervalMS, "LOQA_SYNTHESIS_IDLE_INTERVAL_MS")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Delivery, "LOQA_PLAYBACK_DELIVERY")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.FrameDurationMS, "LOQA_PLAYBACK_FRAME_DURATION_MS")
	overrideInt(&cfg.Playback.RingSeconds, "LOQA_PLAYBACK_RING_SECONDS")
	overrideInt(&cfg.Playback.IdleIntervalMS, "LOQA_PLAYBACK_IDLE_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "LOQA_PIPELINE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.MaxSessions, "LOQA_PIPELINE_MAX_SESSIONS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate reports the first problem found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Recognition.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognition.mode must be one of mock|exec")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.SampleRate <= 0 || cfg.Recognition.Channels <= 0 {
		return errors.New("recognition.sample_rate and recognition.channels must be positive")
	}
	if cfg.Recognition.FrameDurationMS <= 0 {
		return errors.New("recognition.frame_duration_ms must be positive")
	}
	if cfg.Recognition.RingSeconds <= 0 {
		return errors.New("recognition.ring_seconds must be positive")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.SampleRate <= 0 || cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.sample_rate and synthesis.channels must be positive")
	}
	switch cfg.Playback.Mode {
	case "client", "discard", "exec":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("playback.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("playback.mode must be one of client|bus|exec|discard")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	switch cfg.Playback.Delivery {
	case "queue":
	case "stream":
		if cfg.Playback.Mode == "exec" {
			return errors.New("playback.delivery=stream is not supported with mode=exec")
		}
	default:
		return errors.New("playback.delivery must be one of queue|stream")
	}
	if cfg.Playback.FrameDurationMS <= 0 || cfg.Playback.RingSeconds <= 0 {
		return errors.New("playback.frame_duration_ms and playback.ring_seconds must be positive")
	}
	if cfg.Pipeline.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if cfg.Pipeline.MaxSessions < 0 {
		return errors.New("pipeline.max_sessions must be >= 0")
	}
	return nil
}
