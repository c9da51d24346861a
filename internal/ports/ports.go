package ports

import (
	"context"
	"io"
	"time"

	"convopipe/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioDevice opens the input device and encodes audio into a file.
type AudioDevice interface {
	Open(ctx context.Context, path string, cfg AudioConfig) (AudioStream, error)
}

// AudioStream is an open device writing to its file.
type AudioStream interface {
	// Stop finalizes the file.
	Stop() error
}

// PermissionGate asks the platform for microphone access.
type PermissionGate interface {
	RequestMicrophone(ctx context.Context) (bool, error)
}

// AudioCapture starts capture sessions.
type AudioCapture interface {
	Start(ctx context.Context) (CaptureSession, error)
}

// CaptureSession is one live capture.
type CaptureSession interface {
	Elapsed() time.Duration
	Stop() (domain.Artifact, error)
	Cancel() error
}

// ArtifactStore is a scoped temporary file store for audio artifacts.
type ArtifactStore interface {
	Create(ext string) (handle string, path string, err error)
	Write(r io.Reader, ext string) (string, error)
	Path(handle string) string
	Size(handle string) (int64, error)
	Exists(handle string) bool
	Delete(handle string) error
}

// UploadRequest carries one audio artifact to the backend.
type UploadRequest struct {
	Audio    io.Reader
	Size     int64
	FileName string
	Title    string
}

// Uploader streams audio to the backend.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest, onProgress func(float64)) (domain.UploadResult, error)
}

// StatusService reports analysis progress.
type StatusService interface {
	Status(ctx context.Context, sessionID string, credential string) (domain.StatusSnapshot, error)
}

// DetailService fetches the terminal analysis payload.
type DetailService interface {
	Detail(ctx context.Context, sessionID string, credential string) (domain.AnalysisDetail, error)
}

// StrategyService fetches derived strategy analysis.
type StrategyService interface {
	Strategies(ctx context.Context, sessionID string, credential string) (domain.StrategyAnalysis, error)
}

// SessionDeleter discards a session on the backend.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string, credential string) error
}

// CredentialProvider returns the current bearer credential, or "" when not authenticated.
type CredentialProvider interface {
	CurrentCredential() string
}

// EventPublisher posts events on a named topic.
type EventPublisher interface {
	Publish(topic string, event domain.Event)
}

// SessionStore persists session records across process restarts.
type SessionStore interface {
	Save(ctx context.Context, session domain.Session) error
	Delete(ctx context.Context, sessionID string) error
	ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)
}

// ResultCache receives completed analysis payloads.
type ResultCache interface {
	PutDetail(sessionID string, detail domain.AnalysisDetail)
	Invalidate(sessionID string)
}
