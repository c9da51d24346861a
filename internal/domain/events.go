package domain

// Bus topics.
const (
	TopicSessions = "sessions"
	TopicProgress = "progress"
)

// EventKind identifies a session lifecycle or progress event.
type EventKind string

const (
	EventSessionCreated       EventKind = "session_created"
	EventSessionRemoved       EventKind = "session_removed"
	EventSessionStatusChanged EventKind = "session_status_changed"
	EventSessionCompleted     EventKind = "session_completed"
	EventSessionFailed        EventKind = "session_failed"
	EventSessionTimedOut      EventKind = "session_timed_out"
	EventSessionProgress      EventKind = "session_progress"
)

// Event is what the bus delivers. Session is a copy; SessionID is always set.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Session   *Session  `json:"session,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
}

func sessionEvent(kind EventKind, s Session) Event {
	c := s.Clone()
	return Event{Kind: kind, SessionID: s.ID, Session: &c}
}

func SessionCreated(s Session) Event { return sessionEvent(EventSessionCreated, s) }

func SessionRemoved(id string) Event {
	return Event{Kind: EventSessionRemoved, SessionID: id}
}

func SessionStatusChanged(s Session) Event { return sessionEvent(EventSessionStatusChanged, s) }

func SessionCompleted(s Session) Event { return sessionEvent(EventSessionCompleted, s) }

func SessionFailed(s Session, code ErrorCode, reason string) Event {
	ev := sessionEvent(EventSessionFailed, s)
	ev.Code = code
	ev.Reason = reason
	return ev
}

func SessionTimedOut(s Session, reason string) Event {
	ev := sessionEvent(EventSessionTimedOut, s)
	ev.Reason = reason
	return ev
}

func SessionProgress(id, stage string, progress float64, remaining int) Event {
	return Event{Kind: EventSessionProgress, SessionID: id, Stage: stage, Progress: progress, Remaining: remaining}
}
