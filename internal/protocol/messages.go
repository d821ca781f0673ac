package protocol

import "time"

// StartRequest asks the runtime to begin a push-to-talk session.
type StartRequest struct {
	Device string `json:"device,omitempty"`
}

// StartReply answers a StartRequest.
type StartReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StopReply answers a stop request for the active session.
type StopReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionStatus is broadcast whenever the session state machine moves.
type SessionStatus struct {
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	Segments      int       `json:"segments"`
	FramesDropped uint64    `json:"frames_dropped"`
	Timestamp     time.Time `json:"timestamp"`
}

// TranscriptEvent is the ordered per-session transcript stream.
type TranscriptEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // partial, final, session_ended
	SegmentID int       `json:"segment_id"`
	Revision  int       `json:"revision,omitempty"`
	Text      string    `json:"text,omitempty"`
	Aborted   bool      `json:"aborted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TextOp is a text-injection operation for the focused application.
// Offsets are rune positions relative to the start of the session's text.
type TextOp struct {
	SessionID string    `json:"session_id"`
	Op        string    `json:"op"` // insert, replace
	Start     int       `json:"start,omitempty"`
	End       int       `json:"end,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionStart    = "dictate.session.start"
	SubjectSessionStop     = "dictate.session.stop"
	SubjectSessionAbort    = "dictate.session.abort"
	SubjectSessionStatus   = "dictate.session.status"
	SubjectTranscriptEvent = "dictate.transcript.event"
	SubjectTextOp          = "dictate.text.op"
)

const (
	EventTypePartial      = "partial"
	EventTypeFinal        = "final"
	EventTypeSessionEnded = "session_ended"

	TextOpInsert  = "insert"
	TextOpReplace = "replace"
)
