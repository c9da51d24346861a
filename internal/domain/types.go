package domain

import "time"

// SessionStatus is the lifecycle status observers see on a Session.
type SessionStatus string

const (
	SessionStatusRecording SessionStatus = "recording"
	SessionStatusAnalyzing SessionStatus = "analyzing"
	SessionStatusArchived  SessionStatus = "archived"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusBurned    SessionStatus = "burned"
)

// IsTerminal reports whether no further automatic transition can occur.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusArchived, SessionStatusFailed, SessionStatusBurned:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case SessionStatusRecording:
		return to == SessionStatusAnalyzing || to == SessionStatusFailed
	case SessionStatusAnalyzing:
		return to == SessionStatusArchived || to == SessionStatusFailed
	case SessionStatusArchived:
		return to == SessionStatusBurned
	default:
		return false
	}
}

// PipelineState is the orchestrator's internal view of one session pipeline.
type PipelineState string

const (
	PipelineIdle      PipelineState = "idle"
	PipelineRecording PipelineState = "recording"
	PipelineUploading PipelineState = "uploading"
	PipelineAnalyzing PipelineState = "analyzing"
	PipelineArchived  PipelineState = "archived"
	PipelineFailed    PipelineState = "failed"
)

// Session is one recorded or imported conversation.
type Session struct {
	ID           string        `json:"id"`
	Provisional  bool          `json:"provisional"`
	Title        string        `json:"title"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Duration     int           `json:"duration"`
	Tags         []string      `json:"tags"`
	Status       SessionStatus `json:"status"`
	EmotionScore *int          `json:"emotion_score,omitempty"`
	SpeakerCount *int          `json:"speaker_count,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	CoverURL     string        `json:"cover_url,omitempty"`
	FailReason   string        `json:"fail_reason,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (s Session) Clone() Session {
	out := s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.EmotionScore != nil {
		v := *s.EmotionScore
		out.EmotionScore = &v
	}
	if s.SpeakerCount != nil {
		v := *s.SpeakerCount
		out.SpeakerCount = &v
	}
	return out
}

// Artifact is a finished audio file produced by capture or import.
type Artifact struct {
	Handle   string
	Path     string
	Size     int64
	Started  time.Time
	Stopped  time.Time
	Duration time.Duration
}

// UploadResult is the server's answer to a successful upload.
type UploadResult struct {
	SessionID string
	Title     string
	Status    string
	CreatedAt *time.Time
}

// StatusSnapshot is one poll response; it is folded into Session state and dropped.
type StatusSnapshot struct {
	SessionID          string  `json:"session_id"`
	Status             string  `json:"status"`
	Progress           float64 `json:"progress"`
	EstimatedRemaining int     `json:"estimated_time_remaining"`
	FailureReason      string  `json:"failure_reason,omitempty"`
	Stage              string  `json:"stage,omitempty"`
}

// DialogueTurn is one utterance in an analyzed conversation.
type DialogueTurn struct {
	Speaker   string `json:"speaker"`
	Content   string `json:"content"`
	Tone      string `json:"tone"`
	Timestamp string `json:"timestamp,omitempty"`
	IsMe      *bool  `json:"is_me,omitempty"`
}

// AnalysisDetail is the terminal analysis payload. Treat as immutable.
type AnalysisDetail struct {
	SessionID    string         `json:"session_id"`
	Title        string         `json:"title"`
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Duration     int            `json:"duration"`
	Tags         []string       `json:"tags"`
	Status       string         `json:"status"`
	EmotionScore *int           `json:"emotion_score,omitempty"`
	SpeakerCount *int           `json:"speaker_count,omitempty"`
	Dialogues    []DialogueTurn `json:"dialogues"`
	Risks        []string       `json:"risks"`
	Summary      string         `json:"summary,omitempty"`
	CoverURL     string         `json:"cover_image_url,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

// Strategy is one suggested approach derived from an analysis.
type Strategy struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// VisualMoment is a highlighted moment of the conversation.
type VisualMoment struct {
	TranscriptIndex int    `json:"transcript_index"`
	Speaker         string `json:"speaker"`
	Emotion         string `json:"emotion"`
	Subtext         string `json:"subtext"`
	ImageURL        string `json:"image_url,omitempty"`
}

// StrategyAnalysis is the derived analysis cached next to the detail.
type StrategyAnalysis struct {
	Visual          []VisualMoment `json:"visual"`
	Strategies      []Strategy     `json:"strategies"`
	SceneCategory   string         `json:"scene_category,omitempty"`
	SceneConfidence float64        `json:"scene_confidence,omitempty"`
}

// ErrorCode classifies why a session failed.
type ErrorCode string

const (
	ErrorCodeCapture      ErrorCode = "capture"
	ErrorCodeNetwork      ErrorCode = "network"
	ErrorCodeValidation   ErrorCode = "validation"
	ErrorCodeServer       ErrorCode = "server"
	ErrorCodeUnauthorized ErrorCode = "unauthorized"
	ErrorCodeAnalysis     ErrorCode = "analysis"
	ErrorCodeInterrupted  ErrorCode = "interrupted"
)

// Status summarizes the recording slot for the presentation layer.
type Status struct {
	State     PipelineState `json:"state"`
	Active    bool          `json:"active"`
	SessionID string        `json:"sessionId,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Analyzing int           `json:"analyzing"`
}
