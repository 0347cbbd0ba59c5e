package protocol

import "time"

// LyricEvent is the wire form of a presentation event.
type LyricEvent struct {
	Kind          string    `json:"kind"`
	SessionID     string    `json:"session_id"`
	Previous      *string   `json:"previous"`
	Next          *string   `json:"next"`
	PreviousIndex int       `json:"previous_index"`
	NextIndex     int       `json:"next_index"`
	ASCIIArt      string    `json:"ascii_art,omitempty"`
	PositionMS    int64     `json:"position_ms"`
	Generation    uint64    `json:"generation"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AudioFrame carries PCM for a remote speaker node.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	OffsetMS   int64  `json:"offset_ms"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// ControlRequest asks a lyricsync node to act on a session. Open uses the
// paths; seek uses Seconds.
type ControlRequest struct {
	SessionID    string  `json:"session_id,omitempty"`
	Seconds      float64 `json:"seconds,omitempty"`
	TimelinePath string  `json:"timeline_path,omitempty"`
	AudioPath    string  `json:"audio_path,omitempty"`
	NoAudio      bool    `json:"no_audio,omitempty"`
}

// ControlReply reports the session state after a control request.
type ControlReply struct {
	SessionID  string  `json:"session_id"`
	State      string  `json:"state,omitempty"`
	PositionS  float64 `json:"position_s"`
	Degraded   bool    `json:"degraded"`
	Error      string  `json:"error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
}

const (
	SubjectEventTransition = "lyrics.event.transition"
	SubjectEventNotice     = "lyrics.event.notice"
	SubjectEventDiagnostic = "lyrics.event.diagnostic"
	SubjectEventFinished   = "lyrics.event.finished"

	SubjectControlPrefix = "lyrics.control"
	SubjectAudioPrefix   = "audio.out"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

const (
	ControlOpen   = "open"
	ControlPlay   = "play"
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlSeek   = "seek"
	ControlStop   = "stop"
	ControlStatus = "status"
	ControlClose  = "close"
)

// ControlSubject returns the request subject for op.
func ControlSubject(op string) string {
	return SubjectControlPrefix + "." + op
}

// AudioSubject returns the PCM stream subject for a session.
func AudioSubject(sessionID string) string {
	return SubjectAudioPrefix + "." + sessionID
}

// EventSubject maps an event kind to its subject.
func EventSubject(kind string) string {
	switch kind {
	case "transition":
		return SubjectEventTransition
	case "finished":
		return SubjectEventFinished
	case "diagnostic":
		return SubjectEventDiagnostic
	default:
		return SubjectEventNotice
	}
}
