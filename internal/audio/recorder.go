package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"convopipe/internal/domain"
	"convopipe/internal/ports"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrNoActiveCapture   = errors.New("no active capture")
)

// RecorderConfig controls capture behavior.
type RecorderConfig struct {
	Audio        ports.AudioConfig
	TickInterval time.Duration
	Extension    string
	Now          func() time.Time
	Logger       *slog.Logger
}

// Recorder implements ports.AudioCapture on top of a device, a permission gate and an artifact store.
type Recorder struct {
	device      ports.AudioDevice
	permissions ports.PermissionGate
	artifacts   ports.ArtifactStore
	cfg         RecorderConfig
}

func NewRecorder(device ports.AudioDevice, permissions ports.PermissionGate, artifacts ports.ArtifactStore, cfg RecorderConfig) *Recorder {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.Extension == "" {
		cfg.Extension = ".m4a"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{device: device, permissions: permissions, artifacts: artifacts, cfg: cfg}
}

// Start confirms permission, allocates an artifact and opens the device.
func (r *Recorder) Start(ctx context.Context) (ports.CaptureSession, error) {
	granted, err := r.permissions.RequestMicrophone(ctx)
	if err != nil {
		return nil, fmt.Errorf("request microphone permission: %w", err)
	}
	if !granted {
		return nil, ErrPermissionDenied
	}

	handle, path, err := r.artifacts.Create(r.cfg.Extension)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	// The device outlives the caller's request context; Stop/Cancel end it.
	deviceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := r.device.Open(deviceCtx, path, r.cfg.Audio)
	if err != nil {
		cancel()
		r.discard(handle)
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	session := &captureSession{
		recorder: r,
		handle:   handle,
		path:     path,
		stream:   stream,
		cancel:   cancel,
		started:  r.cfg.Now(),
		done:     make(chan struct{}),
	}
	go session.tick(r.cfg.TickInterval)
	return session, nil
}

func (r *Recorder) discard(handle string) {
	if err := r.artifacts.Delete(handle); err != nil {
		r.cfg.Logger.Warn("failed to delete audio artifact", "handle", handle, "err", err)
	}
}

type captureSession struct {
	recorder *Recorder
	handle   string
	path     string
	stream   ports.AudioStream
	cancel   context.CancelFunc
	started  time.Time

	elapsed atomic.Int64
	done    chan struct{}

	mu       sync.Mutex
	finished bool
}

// tick samples elapsed time for display; the final duration uses the start/stop timestamps.
func (s *captureSession) tick(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.elapsed.Store(int64(s.recorder.cfg.Now().Sub(s.started)))
		case <-s.done:
			return
		}
	}
}

func (s *captureSession) Elapsed() time.Duration {
	return time.Duration(s.elapsed.Load())
}

func (s *captureSession) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	close(s.done)
	return true
}

func (s *captureSession) Stop() (domain.Artifact, error) {
	if !s.finish() {
		return domain.Artifact{}, ErrNoActiveCapture
	}
	stopped := s.recorder.cfg.Now()
	stopErr := s.stream.Stop()
	s.cancel()
	s.elapsed.Store(int64(stopped.Sub(s.started)))

	if stopErr != nil {
		s.recorder.discard(s.handle)
		return domain.Artifact{}, fmt.Errorf("stop capture: %w", stopErr)
	}

	size, err := s.recorder.artifacts.Size(s.handle)
	if err != nil {
		s.recorder.discard(s.handle)
		return domain.Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}

	return domain.Artifact{
		Handle:   s.handle,
		Path:     s.path,
		Size:     size,
		Started:  s.started,
		Stopped:  stopped,
		Duration: stopped.Sub(s.started),
	}, nil
}

func (s *captureSession) Cancel() error {
	if !s.finish() {
		return ErrNoActiveCapture
	}
	if err := s.stream.Stop(); err != nil {
		s.recorder.cfg.Logger.Warn("failed to stop cancelled capture", "handle", s.handle, "err", err)
	}
	s.cancel()
	s.recorder.discard(s.handle)
	return nil
}
