// Package audio holds the PCM primitives shared by the capture and playback
// paths: the sample format, immutable audio chunks and the ring stream that
// decouples producers and consumers running at different cadences.
package audio

import "time"

// Format describes interleaved signed little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// PCM16 returns a 16-bit format with the given rate and channel count.
func PCM16(sampleRate, channels int) Format {
	return Format{SampleRate: sampleRate, Channels: channels, BitDepth: 16}
}

// FrameSize is the number of bytes in one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// BytesInDuration returns the number of bytes covering d, aligned to a whole
// sample frame.
func (f Format) BytesInDuration(d time.Duration) int {
	samples := int(time.Duration(f.SampleRate) * d / time.Second)
	return samples * f.FrameSize()
}

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Chunk is one finished unit of synthesized audio. Once enqueued the producer
// must not touch PCM again.
type Chunk struct {
	SessionID string
	Sequence  int
	Text      string
	Format    Format
	PCM       []byte
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return c.Format.Duration(len(c.PCM))
}
