package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes 16-bit little-endian PCM as a RIFF/WAVE stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, f Format) error {
	if f.BitDepth != 16 {
		return fmt.Errorf("wav: unsupported bit depth %d", f.BitDepth)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("wav: pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples
	buffer.SourceBitDepth = f.BitDepth

	enc := wav.NewEncoder(w, f.SampleRate, f.BitDepth, f.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
