package synthesis

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "tts.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\ncat > /dev/null\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecSynthConcatenatesChunks(t *testing.T) {
	// "AQI=" = {1,2}, "AwQ=" = {3,4}
	script := writeScript(t, `echo '{"pcm_base64":"AQI="}'
echo '{"pcm_base64":"AwQ=","final":true}'
`)
	synth, err := New(config.SynthesisConfig{Mode: "exec", Command: "sh " + script, SampleRate: 16000, Channels: 1}, config.SpeechConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := synth.SpeakText(context.Background(), "x"); err == nil {
		t.Fatal("expected error before start")
	}
	cfg, _ := synth.Initialize("ja-JP", "ja-JP-NanamiNeural")
	if err := synth.Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	res, err := synth.SpeakText(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Status != StatusCompleted || !bytes.Equal(res.Audio, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecSynthReportsCancellation(t *testing.T) {
	script := writeScript(t, `echo '{"canceled":true,"reason":"quota exceeded"}'
`)
	synth, err := NewExecSynth("sh "+script, 16000, 1, config.SpeechConfig{})
	if err != nil {
		t.Fatal(err)
	}
	cfg, _ := synth.Initialize("ja-JP", "")
	synth.Start(context.Background(), cfg)
	res, err := synth.SpeakText(context.Background(), "hi")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Status != StatusCanceled || res.Reason != "quota exceeded" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecSynthDrainsTrailingOutput(t *testing.T) {
	// Far more than a pipe buffer follows the line that ends the call.
	for name, first := range map[string]string{
		"canceled": `{"canceled":true,"reason":"quota exceeded"}`,
		"garbled":  `not json`,
	} {
		t.Run(name, func(t *testing.T) {
			script := writeScript(t, "echo '"+first+"'\nhead -c 1000000 /dev/zero\n")
			synth, err := NewExecSynth("sh "+script, 16000, 1, config.SpeechConfig{})
			if err != nil {
				t.Fatal(err)
			}
			cfg, _ := synth.Initialize("ja-JP", "")
			synth.Start(context.Background(), cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			start := time.Now()
			res, err := synth.SpeakText(ctx, "hi")
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Fatalf("call took %s; child blocked on its output", elapsed)
			}
			if ctx.Err() != nil {
				t.Fatal("call ran into its deadline")
			}
			if name == "canceled" && (err != nil || res.Status != StatusCanceled || res.Reason != "quota exceeded") {
				t.Fatalf("unexpected result %+v, %v", res, err)
			}
			if name == "garbled" && err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("", 16000, 1, config.SpeechConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
