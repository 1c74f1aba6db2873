package protocol

import (
	"fmt"
	"time"
)

// AudioFrame carries one frame of synthesized PCM for a session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// Transcript is a translated utterance in the session's current target
// language.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Language  string    `json:"language,omitempty"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus announces that a session ended on its own.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "translate.audio"
	SubjectTranscriptPartial = "translate.text.partial"
	SubjectTranscriptFinal   = "translate.text.final"
	SubjectSessionStopped    = "translate.session.stopped"
)

// AudioSubject returns the subject audio frames for sessionID are published on.
func AudioSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectAudioFramePrefix, sessionID)
}

// SubjectCapturePrefix is where peers publish microphone audio for a session
// that is already running. Frames reuse the AudioFrame shape.
const SubjectCapturePrefix = "translate.capture"

// CaptureSubject returns the subject capture frames for sessionID arrive on.
func CaptureSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectCapturePrefix, sessionID)
}

const (
	SubjectNodeAnnounce        = "translate.node.announce"
	SubjectNodeHeartbeatPrefix = "translate.node.heartbeat"
)

// NodeHeartbeatSubject returns the subject nodeID heartbeats on.
func NodeHeartbeatSubject(nodeID string) string {
	return fmt.Sprintf("%s.%s", SubjectNodeHeartbeatPrefix, nodeID)
}
