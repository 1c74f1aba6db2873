package audio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatArithmetic(t *testing.T) {
	f := PCM16(16000, 1)
	if f.BytesPerSecond() != 32000 {
		t.Fatalf("bytes per second = %d", f.BytesPerSecond())
	}
	if got := f.BytesInDuration(20 * time.Millisecond); got != 640 {
		t.Fatalf("20ms = %d bytes", got)
	}
	if got := f.Duration(16000); got != 500*time.Millisecond {
		t.Fatalf("16000 bytes = %s", got)
	}
	chunk := Chunk{Format: f, PCM: make([]byte, 3200)}
	if chunk.Duration() != 100*time.Millisecond {
		t.Fatalf("chunk duration = %s", chunk.Duration())
	}
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x10, 0x00, 0x00, 0x80}
	if err := WriteWAV(file, pcm, PCM16(16000, 1)); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	file.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Contains(data[:16], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:16])
	}
	if !bytes.HasSuffix(data, pcm) {
		t.Fatalf("expected pcm payload at the end of the file")
	}
}

func TestWriteWAVRejectsOddLength(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := WriteWAV(file, []byte{1, 2, 3}, PCM16(16000, 1)); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}
