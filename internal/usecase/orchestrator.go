package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"convopipe/internal/domain"
	"convopipe/internal/poller"
	"convopipe/internal/ports"
)

var (
	ErrRecordingInProgress = errors.New("a recording is already in progress")
	ErrNoActiveSession     = errors.New("no active recording session")
	ErrUnknownSession      = errors.New("unknown session")
	ErrInvalidTransition   = errors.New("invalid session transition")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrUnsupportedImport   = errors.New("unsupported import file")
)

// DefaultImportPatterns are the audio file names accepted by ImportFile.
var DefaultImportPatterns = []string{"*.m4a", "*.mp3", "*.wav", "*.aac", "*.flac", "*.ogg", "*.webm", "*.mp4"}

const storeTimeout = 5 * time.Second

// AnalysisPoller watches one server-side analysis to a terminal outcome.
type AnalysisPoller interface {
	Poll(ctx context.Context, sessionID string, credential string, onUpdate func(poller.Update)) poller.Outcome
}

// Deps are the collaborators of a SessionOrchestrator. Store and Deleter are optional.
type Deps struct {
	Capture     ports.AudioCapture
	Artifacts   ports.ArtifactStore
	Uploader    ports.Uploader
	Poller      AnalysisPoller
	Deleter     ports.SessionDeleter
	Credentials ports.CredentialProvider
	Results     ports.ResultCache
	Events      ports.EventPublisher
	Store       ports.SessionStore
}

// Config controls orchestrator behavior.
type Config struct {
	ImportPatterns []string
	Now            func() time.Time
	NewID          func() string
	Logger         *slog.Logger
}

type pipeline struct {
	session  domain.Session
	state    domain.PipelineState
	watching bool
}

type activeRecording struct {
	clientID string
	capture  ports.CaptureSession
	stopping bool
}

type uploadSource struct {
	handle   string
	fileName string
	title    string
}

// SessionOrchestrator owns the recording slot and every session pipeline.
// It is the only writer of Session records; observers receive clones via events.
type SessionOrchestrator struct {
	deps    Deps
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	imports []glob.Glob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// emitMu orders state mutation and the events describing it.
	emitMu sync.Mutex

	mu        sync.Mutex
	recording *activeRecording
	sessions  map[string]*pipeline
}

func NewSessionOrchestrator(deps Deps, cfg Config) *SessionOrchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	patterns := cfg.ImportPatterns
	if len(patterns) == 0 {
		patterns = DefaultImportPatterns
	}
	imports := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.ToLower(strings.TrimSpace(pattern)))
		if err != nil {
			cfg.Logger.Warn("ignoring invalid import pattern", "pattern", pattern, "err", err)
			continue
		}
		imports = append(imports, g)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionOrchestrator{
		deps:     deps,
		now:      cfg.Now,
		newID:    cfg.NewID,
		logger:   cfg.Logger,
		imports:  imports,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*pipeline),
	}
}

// BeginRecording starts capture and publishes a provisional session.
func (o *SessionOrchestrator) BeginRecording(ctx context.Context) (domain.Session, error) {
	o.mu.Lock()
	if o.recording != nil {
		o.mu.Unlock()
		return domain.Session{}, ErrRecordingInProgress
	}
	rec := &activeRecording{}
	o.recording = rec
	o.mu.Unlock()

	capture, err := o.deps.Capture.Start(ctx)
	if err != nil {
		o.mu.Lock()
		o.recording = nil
		o.mu.Unlock()
		return domain.Session{}, err
	}

	session := domain.Session{
		ID:          o.newID(),
		Provisional: true,
		StartTime:   o.now(),
		Tags:        []string{},
		Status:      domain.SessionStatusRecording,
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	rec.clientID = session.ID
	rec.capture = capture
	o.sessions[session.ID] = &pipeline{session: session, state: domain.PipelineRecording}
	o.mu.Unlock()

	o.persist(session)
	o.publish(domain.SessionCreated(session))
	o.logger.Info("recording started", "client_id", session.ID)
	return session.Clone(), nil
}

// FinishRecording finalizes the capture and hands the artifact to the upload pipeline.
func (o *SessionOrchestrator) FinishRecording(ctx context.Context) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	rec, err := o.claimRecording()
	if err != nil {
		return domain.Session{}, err
	}
	defer o.releaseRecording(rec)

	artifact, err := rec.capture.Stop()
	if err != nil {
		o.logger.Warn("capture stop failed", "client_id", rec.clientID, "err", err)
		o.fail(rec.clientID, domain.ErrorCodeCapture, err.Error())
		return domain.Session{}, err
	}

	o.emitMu.Lock()
	o.mu.Lock()
	p, ok := o.sessions[rec.clientID]
	if !ok {
		o.mu.Unlock()
		o.emitMu.Unlock()
		o.discardArtifact(artifact.Handle)
		return domain.Session{}, ErrUnknownSession
	}
	end := artifact.Stopped
	p.session.Status = domain.SessionStatusAnalyzing
	p.session.EndTime = &end
	p.session.Duration = int(math.Round(artifact.Duration.Seconds()))
	p.state = domain.PipelineUploading
	session := p.session.Clone()
	o.mu.Unlock()

	o.persist(session)
	o.publish(domain.SessionStatusChanged(session))
	o.emitMu.Unlock()

	o.logger.Info("recording finished", "client_id", session.ID, "duration", session.Duration)
	src := uploadSource{handle: artifact.Handle, fileName: filepath.Base(artifact.Path)}
	o.spawn(func(ctx context.Context) { o.runPipeline(ctx, session.ID, src) })
	return session, nil
}

// CancelRecording stops capture, discards the artifact and retracts the placeholder.
func (o *SessionOrchestrator) CancelRecording() error {
	rec, err := o.claimRecording()
	if err != nil {
		return err
	}
	defer o.releaseRecording(rec)

	if err := rec.capture.Cancel(); err != nil {
		o.logger.Warn("capture cancel failed", "client_id", rec.clientID, "err", err)
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	delete(o.sessions, rec.clientID)
	o.mu.Unlock()

	o.forget(rec.clientID)
	o.publish(domain.SessionRemoved(rec.clientID))
	o.logger.Info("recording cancelled", "client_id", rec.clientID)
	return nil
}

// ImportFile uploads an existing audio file through the same pipeline as a recording.
func (o *SessionOrchestrator) ImportFile(ctx context.Context, path string, title string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	name := filepath.Base(path)
	if !o.importAllowed(name) {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrUnsupportedImport, name)
	}
	file, err := os.Open(path)
	if err != nil {
		return domain.Session{}, fmt.Errorf("open import %s: %w", path, err)
	}
	defer file.Close()

	handle, err := o.deps.Artifacts.Write(file, strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return domain.Session{}, fmt.Errorf("stage import %s: %w", name, err)
	}

	session := domain.Session{
		ID:          o.newID(),
		Provisional: true,
		Title:       strings.TrimSpace(title),
		StartTime:   o.now(),
		Tags:        []string{},
		Status:      domain.SessionStatusAnalyzing,
	}

	o.emitMu.Lock()
	o.mu.Lock()
	o.sessions[session.ID] = &pipeline{session: session, state: domain.PipelineUploading}
	o.mu.Unlock()
	o.persist(session)
	o.publish(domain.SessionCreated(session))
	o.emitMu.Unlock()

	o.logger.Info("import started", "client_id", session.ID, "file", name)
	src := uploadSource{handle: handle, fileName: name, title: session.Title}
	o.spawn(func(ctx context.Context) { o.runPipeline(ctx, session.ID, src) })
	return session.Clone(), nil
}

// Burn discards an archived session on the backend and locally.
func (o *SessionOrchestrator) Burn(ctx context.Context, sessionID string) error {
	session, ok := o.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if !domain.CanTransition(session.Status, domain.SessionStatusBurned) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, domain.SessionStatusBurned)
	}
	credential := o.credential()
	if credential == "" {
		return ErrNotAuthenticated
	}
	if o.deps.Deleter != nil {
		if err := o.deps.Deleter.DeleteSession(ctx, sessionID, credential); err != nil {
			return fmt.Errorf("burn session %s: %w", sessionID, err)
		}
	}
	if o.deps.Results != nil {
		o.deps.Results.Invalidate(sessionID)
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	p, ok := o.sessions[sessionID]
	if !ok || p.session.Status != domain.SessionStatusArchived {
		o.mu.Unlock()
		return fmt.Errorf("%w: session %s changed while burning", ErrInvalidTransition, sessionID)
	}
	p.session.Status = domain.SessionStatusBurned
	burned := p.session.Clone()
	o.mu.Unlock()

	o.persist(burned)
	o.publish(domain.SessionStatusChanged(burned))
	o.logger.Info("session burned", "session_id", sessionID)
	return nil
}

// Resume restores persisted sessions after a restart. Confirmed sessions still
// analyzing are watched again; provisional ones are failed as interrupted.
// It returns the number of analyses being watched again.
func (o *SessionOrchestrator) Resume(ctx context.Context) (int, error) {
	var restored []domain.Session
	if o.deps.Store != nil {
		for _, status := range []domain.SessionStatus{domain.SessionStatusArchived, domain.SessionStatusRecording, domain.SessionStatusAnalyzing} {
			sessions, err := o.deps.Store.ListByStatus(ctx, status)
			if err != nil {
				return 0, fmt.Errorf("list %s sessions: %w", status, err)
			}
			restored = append(restored, sessions...)
		}
	}

	var interrupted, watch []string
	o.mu.Lock()
	for _, s := range restored {
		if _, known := o.sessions[s.ID]; known {
			continue
		}
		p := &pipeline{session: s, state: pipelineStateFor(s.Status)}
		o.sessions[s.ID] = p
		if s.Status.IsTerminal() {
			continue
		}
		if s.Provisional || s.Status == domain.SessionStatusRecording {
			interrupted = append(interrupted, s.ID)
		}
	}
	for id, p := range o.sessions {
		if p.session.Provisional || p.session.Status != domain.SessionStatusAnalyzing || p.watching {
			continue
		}
		p.watching = true
		p.state = domain.PipelineAnalyzing
		watch = append(watch, id)
	}
	o.mu.Unlock()

	for _, id := range interrupted {
		o.fail(id, domain.ErrorCodeInterrupted, "interrupted before upload completed")
	}
	sort.Strings(watch)
	for _, id := range watch {
		o.logger.Info("resuming analysis watch", "session_id", id)
		o.spawn(func(ctx context.Context) { o.watch(ctx, id) })
	}
	return len(watch), nil
}

// Status summarizes the recording slot and pipeline activity.
func (o *SessionOrchestrator) Status() domain.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	uploading, analyzing := 0, 0
	for _, p := range o.sessions {
		switch p.state {
		case domain.PipelineUploading:
			uploading++
		case domain.PipelineAnalyzing:
			if p.watching {
				analyzing++
			}
		}
	}

	st := domain.Status{State: domain.PipelineIdle, Analyzing: analyzing}
	switch {
	case o.recording != nil:
		st.State = domain.PipelineRecording
		st.Active = true
		st.SessionID = o.recording.clientID
		if o.recording.capture != nil {
			st.Elapsed = o.recording.capture.Elapsed()
		}
	case uploading > 0:
		st.State = domain.PipelineUploading
	case analyzing > 0:
		st.State = domain.PipelineAnalyzing
	}
	return st
}

// Sessions returns every known session, newest first.
func (o *SessionOrchestrator) Sessions() []domain.Session {
	o.mu.Lock()
	out := make([]domain.Session, 0, len(o.sessions))
	for _, p := range o.sessions {
		out = append(out, p.session.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (o *SessionOrchestrator) Session(sessionID string) (domain.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return p.session.Clone(), true
}

// Wait blocks until every upload and watch task has returned.
func (o *SessionOrchestrator) Wait() {
	o.wg.Wait()
}

// Close stops background tasks. Analyses left running stay analyzing and can be resumed.
func (o *SessionOrchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *SessionOrchestrator) runPipeline(ctx context.Context, clientID string, src uploadSource) {
	result, err := o.upload(ctx, clientID, src)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown; Resume reports the session as interrupted.
			o.logger.Info("upload abandoned", "client_id", clientID, "err", err)
			return
		}
		o.logger.Warn("upload failed", "client_id", clientID, "err", err)
		o.fail(clientID, domain.CodeOf(err, domain.ErrorCodeNetwork), domain.ReasonOf(err))
		return
	}
	serverID, ok := o.swap(clientID, result)
	if !ok {
		return
	}
	o.watch(ctx, serverID)
}

func (o *SessionOrchestrator) upload(ctx context.Context, clientID string, src uploadSource) (domain.UploadResult, error) {
	defer o.discardArtifact(src.handle)

	size, err := o.deps.Artifacts.Size(src.handle)
	if err != nil {
		return domain.UploadResult{}, &domain.ServiceError{Code: domain.ErrorCodeCapture, Message: "audio file is no longer available", Err: err}
	}
	file, err := os.Open(o.deps.Artifacts.Path(src.handle))
	if err != nil {
		return domain.UploadResult{}, &domain.ServiceError{Code: domain.ErrorCodeCapture, Message: "audio file is no longer available", Err: err}
	}
	defer file.Close()

	return o.deps.Uploader.Upload(ctx, ports.UploadRequest{
		Audio:    file,
		Size:     size,
		FileName: src.fileName,
		Title:    src.title,
	}, func(fraction float64) {
		o.publishProgress(domain.SessionProgress(clientID, "upload", fraction, 0))
	})
}

// swap retracts the provisional session and publishes its confirmed replacement.
func (o *SessionOrchestrator) swap(clientID string, result domain.UploadResult) (string, bool) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	p, ok := o.sessions[clientID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("upload finished for unknown session", "client_id", clientID, "session_id", result.SessionID)
		return "", false
	}
	delete(o.sessions, clientID)

	confirmed := p.session.Clone()
	confirmed.ID = result.SessionID
	confirmed.Provisional = false
	confirmed.Status = domain.SessionStatusAnalyzing
	confirmed.Title = firstNonEmpty(result.Title, p.session.Title, fallbackTitle(p.session.StartTime))
	o.sessions[confirmed.ID] = &pipeline{session: confirmed, state: domain.PipelineAnalyzing, watching: true}
	o.mu.Unlock()

	o.forget(clientID)
	o.persist(confirmed)
	o.publish(domain.SessionRemoved(clientID))
	o.publish(domain.SessionCreated(confirmed))
	o.logger.Info("upload accepted", "client_id", clientID, "session_id", confirmed.ID)
	return confirmed.ID, true
}

func (o *SessionOrchestrator) watch(ctx context.Context, sessionID string) {
	defer o.stopWatching(sessionID)

	credential := o.credential()
	outcome := o.deps.Poller.Poll(ctx, sessionID, credential, func(u poller.Update) {
		o.publishProgress(domain.SessionProgress(sessionID, u.Stage, u.Progress, u.Remaining))
	})

	switch outcome.Kind {
	case poller.OutcomeCompleted:
		o.complete(sessionID, outcome.Detail)
	case poller.OutcomeFailed:
		o.fail(sessionID, domain.ErrorCodeAnalysis, outcome.Reason)
	case poller.OutcomeUnauthorized:
		o.fail(sessionID, domain.ErrorCodeUnauthorized, outcome.Reason)
	case poller.OutcomeTimeout:
		o.timeOut(sessionID, outcome.Reason)
	default:
		o.logger.Info("stopped watching analysis", "session_id", sessionID, "reason", outcome.Reason)
	}
}

func (o *SessionOrchestrator) stopWatching(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.sessions[sessionID]; ok {
		p.watching = false
	}
}

func (o *SessionOrchestrator) complete(sessionID string, detail domain.AnalysisDetail) {
	if o.deps.Results != nil {
		o.deps.Results.PutDetail(sessionID, detail)
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	p, ok := o.sessions[sessionID]
	if !ok || !domain.CanTransition(p.session.Status, domain.SessionStatusArchived) {
		o.mu.Unlock()
		o.logger.Warn("dropping completion", "session_id", sessionID)
		return
	}
	p.session = enrich(p.session, detail)
	p.session.Status = domain.SessionStatusArchived
	p.state = domain.PipelineArchived
	session := p.session.Clone()
	o.mu.Unlock()

	o.persist(session)
	o.publish(domain.SessionCompleted(session))
	o.logger.Info("analysis completed", "session_id", sessionID)
}

func (o *SessionOrchestrator) fail(sessionID string, code domain.ErrorCode, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = domain.GenericFailureReason
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	p, ok := o.sessions[sessionID]
	if !ok || !domain.CanTransition(p.session.Status, domain.SessionStatusFailed) {
		o.mu.Unlock()
		o.logger.Warn("dropping failure", "session_id", sessionID, "code", code)
		return
	}
	p.session.Status = domain.SessionStatusFailed
	p.session.FailReason = reason
	p.state = domain.PipelineFailed
	session := p.session.Clone()
	o.mu.Unlock()

	o.persist(session)
	o.publish(domain.SessionFailed(session, code, reason))
	o.logger.Info("session failed", "session_id", sessionID, "code", code, "reason", reason)
}

func (o *SessionOrchestrator) timeOut(sessionID string, reason string) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	session, ok := o.Session(sessionID)
	if !ok {
		return
	}
	o.publish(domain.SessionTimedOut(session, reason))
	o.logger.Info("stopped watching analysis after max attempts", "session_id", sessionID)
}

func (o *SessionOrchestrator) claimRecording() (*activeRecording, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.recording
	if rec == nil || rec.capture == nil || rec.stopping {
		return nil, ErrNoActiveSession
	}
	rec.stopping = true
	return rec, nil
}

func (o *SessionOrchestrator) releaseRecording(rec *activeRecording) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.recording == rec {
		o.recording = nil
	}
}

func (o *SessionOrchestrator) spawn(fn func(context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

func (o *SessionOrchestrator) credential() string {
	if o.deps.Credentials == nil {
		return ""
	}
	return strings.TrimSpace(o.deps.Credentials.CurrentCredential())
}

func (o *SessionOrchestrator) importAllowed(name string) bool {
	lower := strings.ToLower(name)
	for _, g := range o.imports {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

func (o *SessionOrchestrator) publish(event domain.Event) {
	if o.deps.Events != nil {
		o.deps.Events.Publish(domain.TopicSessions, event)
	}
}

func (o *SessionOrchestrator) publishProgress(event domain.Event) {
	if o.deps.Events != nil {
		o.deps.Events.Publish(domain.TopicProgress, event)
	}
}

func (o *SessionOrchestrator) persist(session domain.Session) {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.deps.Store.Save(ctx, session); err != nil {
		o.logger.Warn("persist session failed", "session_id", session.ID, "err", err)
	}
}

func (o *SessionOrchestrator) forget(sessionID string) {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.deps.Store.Delete(ctx, sessionID); err != nil {
		o.logger.Warn("forget session failed", "session_id", sessionID, "err", err)
	}
}

func (o *SessionOrchestrator) discardArtifact(handle string) {
	if handle == "" {
		return
	}
	if err := o.deps.Artifacts.Delete(handle); err != nil {
		o.logger.Warn("artifact cleanup failed", "handle", handle, "err", err)
	}
}

// enrich folds the analysis detail into the session. The locally measured
// duration wins when the backend reports none.
func enrich(s domain.Session, d domain.AnalysisDetail) domain.Session {
	out := s.Clone()
	if strings.TrimSpace(d.Title) != "" {
		out.Title = d.Title
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	if d.EndTime != nil {
		end := *d.EndTime
		out.EndTime = &end
	}
	if d.Duration > 0 {
		out.Duration = d.Duration
	}
	if d.EmotionScore != nil {
		v := *d.EmotionScore
		out.EmotionScore = &v
	}
	if d.SpeakerCount != nil {
		v := *d.SpeakerCount
		out.SpeakerCount = &v
	}
	if strings.TrimSpace(d.Summary) != "" {
		out.Summary = d.Summary
	}
	if d.CoverURL != "" {
		out.CoverURL = d.CoverURL
	}
	return out
}

func pipelineStateFor(status domain.SessionStatus) domain.PipelineState {
	switch status {
	case domain.SessionStatusRecording:
		return domain.PipelineRecording
	case domain.SessionStatusAnalyzing:
		return domain.PipelineAnalyzing
	case domain.SessionStatusArchived, domain.SessionStatusBurned:
		return domain.PipelineArchived
	default:
		return domain.PipelineFailed
	}
}

func fallbackTitle(start time.Time) string {
	return "Recording " + start.Format("15:04")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
