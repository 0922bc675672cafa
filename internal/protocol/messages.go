package protocol

import "time"

// CaptionLine is a finalized transcript line broadcast on the bus.
type CaptionLine struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptionWindow is the on-screen window served to overlay clients.
type CaptionWindow struct {
	SessionID string    `json:"session_id"`
	Version   uint64    `json:"version"`
	Lines     []string  `json:"lines"`
	Timestamp time.Time `json:"timestamp"`
}

// Diagnostics summarizes what went wrong during a capture session.
type Diagnostics struct {
	SessionID    string           `json:"session_id"`
	Events       map[string]int64 `json:"events"`
	RelayDropped uint64           `json:"relay_dropped"`
}

// Presence is a captioner announcing itself on the bus.
type Presence struct {
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	Stream     string    `json:"stream"`
	Recognizer string    `json:"recognizer"`
	Timestamp  time.Time `json:"timestamp"`
}

// Heartbeat keeps a captioner's presence fresh.
type Heartbeat struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectCaptionFinal      = "captions.text.final"
	SubjectPresenceAnnounce  = "captions.presence.announce"
	SubjectPresenceHeartbeat = "captions.presence.heartbeat"
)

// HeartbeatSubject is the per-session heartbeat subject.
func HeartbeatSubject(sessionID string) string {
	return SubjectPresenceHeartbeat + "." + sessionID
}
