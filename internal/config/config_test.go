package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synthesis.DefaultVoice != "zh-CN-XiaoxiaoMultilingualNeural" {
		t.Fatalf("expected default voice, got %q", cfg.Synthesis.DefaultVoice)
	}
	if cfg.Pipeline.PollIntervalMS != 100 {
		t.Fatalf("expected 100ms poll interval, got %d", cfg.Pipeline.PollIntervalMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translate.yaml")
	data := []byte(`speech:
  region: eastasia
  from_language: en-US
  to_languages: [fr-FR, de-DE]
playback:
  mode: discard
  delivery: stream
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Speech.Region != "eastasia" || cfg.Speech.FromLanguage != "en-US" {
		t.Fatalf("unexpected speech config %+v", cfg.Speech)
	}
	if len(cfg.Speech.ToLanguages) != 2 || cfg.Speech.ToLanguages[1] != "de-DE" {
		t.Fatalf("unexpected to_languages %v", cfg.Speech.ToLanguages)
	}
	if cfg.Playback.Delivery != "stream" {
		t.Fatalf("expected stream delivery")
	}
	// untouched sections keep defaults
	if cfg.Synthesis.SampleRate != 16000 {
		t.Fatalf("expected default synthesis sample rate, got %d", cfg.Synthesis.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_SPEECH_SUBSCRIPTION_KEY", "secret")
	t.Setenv("LOQA_SPEECH_REGION", "westus2")
	t.Setenv("LOQA_SPEECH_TO_LANGUAGES", "ja-JP, ko-KR")
	t.Setenv("LOQA_SYNTHESIS_DEFAULT_VOICE", "ja-JP-NanamiNeural")
	t.Setenv("LOQA_PLAYBACK_DELIVERY", "stream")
	t.Setenv("LOQA_PIPELINE_POLL_INTERVAL_MS", "50")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.Speech.SubscriptionKey != "secret" || cfg.Speech.Region != "westus2" {
		t.Fatalf("expected speech credentials override")
	}
	if len(cfg.Speech.ToLanguages) != 2 || cfg.Speech.ToLanguages[1] != "ko-KR" {
		t.Fatalf("expected to_languages override, got %v", cfg.Speech.ToLanguages)
	}
	if cfg.Synthesis.DefaultVoice != "ja-JP-NanamiNeural" {
		t.Fatalf("expected voice override")
	}
	if cfg.Playback.Delivery != "stream" {
		t.Fatalf("expected delivery override")
	}
	if cfg.Pipeline.PollIntervalMS != 50 {
		t.Fatalf("expected poll interval override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cfg := Default()
	cfg.Synthesis.Mode = "exec"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for exec synthesis without command")
	}

	cfg = Default()
	cfg.Playback.Mode = "bus"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for bus playback without bus")
	}

	cfg = Default()
	cfg.Playback.Delivery = "carrier-pigeon"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown delivery")
	}
}

func TestValidateNodeWhenBusEnabled(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate with bus enabled: %v", err)
	}

	cfg.Node.HeartbeatTimeout = cfg.Node.HeartbeatInterval
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for heartbeat timeout not above interval")
	}

	cfg = Default()
	cfg.Bus.Enabled = true
	cfg.Node.ID = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty node id")
	}
}
