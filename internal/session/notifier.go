package session

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-translate/internal/playback"
	"github.com/loqalabs/loqa-translate/internal/protocol"
)

// BusNotifier mirrors a session's transcripts onto the bus.
type BusNotifier struct {
	pub       playback.Publisher
	sessionID string
	logger    *slog.Logger
}

func NewBusNotifier(pub playback.Publisher, sessionID string, logger *slog.Logger) *BusNotifier {
	return &BusNotifier{pub: pub, sessionID: sessionID, logger: logger}
}

func (n *BusNotifier) Recognizing(text string) {
	n.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: n.sessionID, Text: text, Partial: true, Timestamp: time.Now().UTC(),
	})
}

func (n *BusNotifier) Recognized(text string) {
	n.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: n.sessionID, Text: text, Timestamp: time.Now().UTC(),
	})
}

func (n *BusNotifier) Stopped(reason string) {
	n.publish(protocol.SubjectSessionStopped, protocol.SessionStatus{
		SessionID: n.sessionID, State: "stopped", Reason: reason, Timestamp: time.Now().UTC(),
	})
}

func (n *BusNotifier) publish(subject string, v any) {
	if err := n.pub.PublishJSON(subject, v); err != nil {
		n.logger.Warn("failed to publish session notice",
			slog.String("subject", subject), slog.String("session_id", n.sessionID), slog.String("error", err.Error()))
	}
}
