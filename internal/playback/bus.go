package playback

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-translate/internal/audio"
	"github.com/loqalabs/loqa-translate/internal/protocol"
)

// Publisher is the part of the bus client the sink needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusSink publishes frames for one session on its audio subject.
type BusSink struct {
	pub       Publisher
	sessionID string
	subject   string

	mu       sync.Mutex
	sequence int
}

func NewBusSink(pub Publisher, sessionID string) *BusSink {
	return &BusSink{pub: pub, sessionID: sessionID, subject: protocol.AudioSubject(sessionID)}
}

func (b *BusSink) SendFrame(ctx context.Context, f audio.Format, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	seq := b.sequence
	b.sequence++
	b.mu.Unlock()
	return b.pub.PublishJSON(b.subject, protocol.AudioFrame{
		SessionID:  b.sessionID,
		Sequence:   seq,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		PCM:        pcm,
	})
}
