package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"convopipe/internal/artifacts"
	"convopipe/internal/domain"
	"convopipe/internal/poller"
	"convopipe/internal/ports"
)

var testStart = time.Date(2026, 1, 2, 10, 15, 0, 0, time.UTC)

func TestOrchestratorRecordToArchivedScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.uploader.respond = func(ports.UploadRequest, int) (domain.UploadResult, error) {
		return domain.UploadResult{SessionID: "srv-1", Title: "Recording 10:15"}, nil
	}
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted, Detail: domain.AnalysisDetail{Summary: "steady", Tags: []string{"work"}}}

	placeholder, err := h.orch.BeginRecording(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := h.orch.FinishRecording(context.Background()); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	h.orch.Wait()

	events := h.events.snapshot(domain.TopicSessions)
	want := []struct {
		kind domain.EventKind
		id   string
	}{
		{domain.EventSessionCreated, placeholder.ID},
		{domain.EventSessionStatusChanged, placeholder.ID},
		{domain.EventSessionRemoved, placeholder.ID},
		{domain.EventSessionCreated, "srv-1"},
		{domain.EventSessionCompleted, "srv-1"},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(events), kinds(events))
	}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].SessionID != w.id {
			t.Fatalf("event %d: expected %s(%s), got %s(%s)", i, w.kind, w.id, events[i].Kind, events[i].SessionID)
		}
	}
	if events[1].Session.Status != domain.SessionStatusAnalyzing {
		t.Fatalf("expected optimistic analyzing status, got %s", events[1].Session.Status)
	}
	if events[3].Session.Status != domain.SessionStatusAnalyzing || events[3].Session.Provisional {
		t.Fatalf("expected confirmed analyzing session, got %+v", events[3].Session)
	}

	completed := events[4].Session
	if completed.Duration != 42 || completed.Status != domain.SessionStatusArchived {
		t.Fatalf("unexpected completed session: %+v", completed)
	}
	if completed.Title != "Recording 10:15" || completed.Summary != "steady" {
		t.Fatalf("expected enriched session, got %+v", completed)
	}
	if _, ok := h.results.snapshotDetail("srv-1"); !ok {
		t.Fatalf("expected detail to be cached")
	}
	if h.uploader.snapshotCalls() != 1 {
		t.Fatalf("expected one upload")
	}
	if remaining, _ := os.ReadDir(h.store.Dir()); len(remaining) != 0 {
		t.Fatalf("expected artifact to be deleted after upload, found %d files", len(remaining))
	}
	if progress := h.events.snapshot(domain.TopicProgress); len(progress) == 0 {
		t.Fatalf("expected upload progress events")
	}
}

func TestOrchestratorUploadTimeoutFailsOnceWithClientID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.uploader.respond = func(ports.UploadRequest, int) (domain.UploadResult, error) {
		return domain.UploadResult{}, &domain.ServiceError{Code: domain.ErrorCodeNetwork, Message: "timeout", Err: context.DeadlineExceeded}
	}

	placeholder, err := h.orch.BeginRecording(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := h.orch.FinishRecording(context.Background()); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	h.orch.Wait()

	failed := 0
	for _, ev := range h.events.snapshot(domain.TopicSessions) {
		if ev.SessionID != placeholder.ID {
			t.Fatalf("no event may carry another id, got %s(%s)", ev.Kind, ev.SessionID)
		}
		if ev.Kind == domain.EventSessionFailed {
			failed++
			if ev.Reason != "timeout" || ev.Code != domain.ErrorCodeNetwork {
				t.Fatalf("unexpected failure event: %+v", ev)
			}
		}
		if ev.Kind == domain.EventSessionCompleted || ev.Kind == domain.EventSessionRemoved {
			t.Fatalf("unexpected %s after upload failure", ev.Kind)
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one failure event, got %d", failed)
	}
	if h.poller.snapshotCalls() != 0 {
		t.Fatalf("polling must not start after upload failure")
	}
	session, _ := h.orch.Session(placeholder.ID)
	if session.Status != domain.SessionStatusFailed {
		t.Fatalf("expected failed session, got %s", session.Status)
	}
}

func TestOrchestratorRejectsSecondRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.orch.BeginRecording(context.Background()); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	before := len(h.events.snapshot(domain.TopicSessions))

	_, err := h.orch.BeginRecording(context.Background())
	if !errors.Is(err, ErrRecordingInProgress) {
		t.Fatalf("expected ErrRecordingInProgress, got %v", err)
	}
	if after := len(h.events.snapshot(domain.TopicSessions)); after != before {
		t.Fatalf("rejected begin must not publish, before=%d after=%d", before, after)
	}
	if h.capture.snapshotStarts() != 1 {
		t.Fatalf("rejected begin must not touch capture")
	}
	if len(h.orch.Sessions()) != 1 {
		t.Fatalf("expected a single session")
	}
}

func TestOrchestratorCaptureFailureHasNoSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.capture.err = errors.New("permission denied")

	if _, err := h.orch.BeginRecording(context.Background()); err == nil {
		t.Fatalf("expected begin to fail")
	}
	if len(h.events.snapshot(domain.TopicSessions)) != 0 {
		t.Fatalf("expected no events")
	}
	h.capture.err = nil
	if _, err := h.orch.BeginRecording(context.Background()); err != nil {
		t.Fatalf("slot must be free after failed begin: %v", err)
	}
}

func TestOrchestratorFinishWithoutRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.orch.FinishRecording(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if err := h.orch.CancelRecording(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestOrchestratorFinishHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	placeholder, err := h.orch.BeginRecording(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.orch.FinishRecording(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	st := h.orch.Status()
	if st.State != domain.PipelineRecording || st.SessionID != placeholder.ID {
		t.Fatalf("expected recording to stay active, got %+v", st)
	}
	if h.uploader.snapshotCalls() != 0 {
		t.Fatalf("expected no upload for a cancelled finish")
	}

	if err := h.orch.CancelRecording(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
}

func TestOrchestratorCancelRetractsPlaceholder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	placeholder, err := h.orch.BeginRecording(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := h.orch.CancelRecording(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	events := h.events.snapshot(domain.TopicSessions)
	if len(events) != 2 || events[1].Kind != domain.EventSessionRemoved || events[1].SessionID != placeholder.ID {
		t.Fatalf("expected created then removed, got %v", kinds(events))
	}
	if !h.capture.lastSession().snapshotCancelled() {
		t.Fatalf("expected capture cancel")
	}
	if h.orch.Status().State != domain.PipelineIdle || len(h.orch.Sessions()) != 0 {
		t.Fatalf("expected idle orchestrator after cancel")
	}
	if _, err := h.orch.BeginRecording(context.Background()); err != nil {
		t.Fatalf("expected new recording after cancel: %v", err)
	}
}

func TestOrchestratorAnalysisFailureUsesReason(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeFailed, Reason: domain.GenericFailureReason}

	recordAndFinish(t, h)
	h.orch.Wait()

	last := lastEvent(t, h.events)
	if last.Kind != domain.EventSessionFailed || last.SessionID != "srv-1" {
		t.Fatalf("expected failure on server id, got %s(%s)", last.Kind, last.SessionID)
	}
	if last.Reason != domain.GenericFailureReason || last.Code != domain.ErrorCodeAnalysis {
		t.Fatalf("unexpected failure event: %+v", last)
	}
}

func TestOrchestratorUnauthorizedPollFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeUnauthorized, Reason: "token expired"}

	recordAndFinish(t, h)
	h.orch.Wait()

	last := lastEvent(t, h.events)
	if last.Kind != domain.EventSessionFailed || last.Code != domain.ErrorCodeUnauthorized {
		t.Fatalf("expected unauthorized failure, got %+v", last)
	}
	if creds := h.poller.snapshotCredentials(); len(creds) != 1 || creds[0] != "tok-1" {
		t.Fatalf("expected credential captured at poll start, got %v", creds)
	}
}

func TestOrchestratorTimeoutKeepsAnalyzing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeTimeout, Reason: "stopped watching"}

	recordAndFinish(t, h)
	h.orch.Wait()

	last := lastEvent(t, h.events)
	if last.Kind != domain.EventSessionTimedOut || last.SessionID != "srv-1" {
		t.Fatalf("expected timed out event, got %s", last.Kind)
	}
	session, _ := h.orch.Session("srv-1")
	if session.Status != domain.SessionStatusAnalyzing {
		t.Fatalf("timeout must not change status, got %s", session.Status)
	}
}

func TestOrchestratorKeepsLocalDurationWhenDetailHasNone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	score := 71
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted, Detail: domain.AnalysisDetail{Duration: 0, EmotionScore: &score}}

	recordAndFinish(t, h)
	h.orch.Wait()

	session, _ := h.orch.Session("srv-1")
	if session.Duration != 42 || session.EmotionScore == nil || *session.EmotionScore != 71 {
		t.Fatalf("unexpected enriched session: %+v", session)
	}
}

func TestOrchestratorConcurrentAnalysesProgressIndependently(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.release = make(chan struct{})
	h.poller.started = make(chan string, 2)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted}

	dir := t.TempDir()
	for i, name := range []string{"a.m4a", "b.mp3"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(fmt.Sprintf("audio-%d", i)), 0o600); err != nil {
			t.Fatalf("write import: %v", err)
		}
		if _, err := h.orch.ImportFile(context.Background(), path, ""); err != nil {
			t.Fatalf("import %s: %v", name, err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-h.poller.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected both analyses to be polling")
		}
	}
	if st := h.orch.Status(); st.Analyzing != 2 || st.State != domain.PipelineAnalyzing {
		t.Fatalf("expected two concurrent analyses, got %+v", st)
	}
	if _, err := h.orch.BeginRecording(context.Background()); err != nil {
		t.Fatalf("recording must be allowed while analyses run: %v", err)
	}
	if err := h.orch.CancelRecording(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	close(h.poller.release)
	h.orch.Wait()

	completed := map[string]bool{}
	for _, ev := range h.events.snapshot(domain.TopicSessions) {
		if ev.Kind == domain.EventSessionCompleted {
			completed[ev.SessionID] = true
		}
	}
	if len(completed) != 2 {
		t.Fatalf("expected two completions, got %v", completed)
	}
}

func TestOrchestratorIdentifierSwapNeverReusesClientID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.updates = []poller.Update{{Stage: "voice-matching", Progress: 0.5}}
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted}

	placeholder := recordAndFinish(t, h)
	h.orch.Wait()

	removedAt := -1
	for i, ev := range h.events.snapshot(domain.TopicSessions) {
		if ev.Kind == domain.EventSessionRemoved && ev.SessionID == placeholder.ID {
			if removedAt != -1 {
				t.Fatalf("client id retracted twice")
			}
			removedAt = i
			continue
		}
		if removedAt != -1 && ev.SessionID == placeholder.ID {
			t.Fatalf("client id reappeared after swap: %s", ev.Kind)
		}
	}
	if removedAt == -1 {
		t.Fatalf("expected retraction of client id")
	}
	for _, ev := range h.events.snapshot(domain.TopicProgress) {
		if ev.Stage == "voice-matching" && ev.SessionID != "srv-1" {
			t.Fatalf("stage hints must carry the server id, got %s", ev.SessionID)
		}
	}
}

func TestOrchestratorImportRejectsUnsupportedFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hi"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := h.orch.ImportFile(context.Background(), path, ""); !errors.Is(err, ErrUnsupportedImport) {
		t.Fatalf("expected ErrUnsupportedImport, got %v", err)
	}
	if len(h.events.snapshot(domain.TopicSessions)) != 0 {
		t.Fatalf("rejected import must not publish")
	}
}

func TestOrchestratorImportSendsTitleAndSkipsRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted}
	path := filepath.Join(t.TempDir(), "Meeting.M4A")
	if err := os.WriteFile(path, []byte("imported audio"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	placeholder, err := h.orch.ImportFile(context.Background(), path, "Weekly sync")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	h.orch.Wait()

	events := h.events.snapshot(domain.TopicSessions)
	if events[0].Kind != domain.EventSessionCreated || events[0].Session.Status != domain.SessionStatusAnalyzing {
		t.Fatalf("import must enter directly at analyzing, got %+v", events[0])
	}
	for _, ev := range events {
		if ev.Session != nil && ev.Session.Status == domain.SessionStatusRecording {
			t.Fatalf("import must never be recording")
		}
	}
	req := h.uploader.lastRequest()
	if req.title != "Weekly sync" || req.body != "imported audio" || req.fileName != "Meeting.M4A" {
		t.Fatalf("unexpected upload request: %+v", req)
	}
	session, _ := h.orch.Session("srv-1")
	if session.Title != "Weekly sync" || placeholder.ID == "srv-1" {
		t.Fatalf("unexpected confirmed session: %+v", session)
	}
}

func TestOrchestratorFallbackTitle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.uploader.respond = func(ports.UploadRequest, int) (domain.UploadResult, error) {
		return domain.UploadResult{SessionID: "srv-9"}, nil
	}
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeTimeout}

	recordAndFinish(t, h)
	h.orch.Wait()

	session, _ := h.orch.Session("srv-9")
	if session.Title != "Recording 10:15" {
		t.Fatalf("expected fallback title, got %q", session.Title)
	}
}

func TestOrchestratorBurnOnlyFromArchived(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeTimeout}
	recordAndFinish(t, h)
	h.orch.Wait()

	if err := h.orch.Burn(context.Background(), "srv-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for analyzing session, got %v", err)
	}
	if err := h.orch.Burn(context.Background(), "missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if h.deleter.snapshotDeleted() != nil {
		t.Fatalf("backend delete must not be called")
	}
}

func TestOrchestratorBurnArchivedSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted}
	recordAndFinish(t, h)
	h.orch.Wait()

	if err := h.orch.Burn(context.Background(), "srv-1"); err != nil {
		t.Fatalf("burn failed: %v", err)
	}

	last := lastEvent(t, h.events)
	if last.Kind != domain.EventSessionStatusChanged || last.Session.Status != domain.SessionStatusBurned {
		t.Fatalf("expected burned status change, got %+v", last)
	}
	if deleted := h.deleter.snapshotDeleted(); len(deleted) != 1 || deleted[0] != "srv-1" {
		t.Fatalf("expected backend delete, got %v", deleted)
	}
	if _, ok := h.results.snapshotDetail("srv-1"); ok {
		t.Fatalf("expected cache invalidation")
	}
	if err := h.orch.Burn(context.Background(), "srv-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("burned is terminal, got %v", err)
	}
}

func TestOrchestratorResumeRestoresPersistedSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted}
	h.sessionStore.put(domain.Session{ID: "local-1", Provisional: true, Status: domain.SessionStatusAnalyzing, StartTime: testStart})
	h.sessionStore.put(domain.Session{ID: "srv-7", Status: domain.SessionStatusAnalyzing, StartTime: testStart})
	h.sessionStore.put(domain.Session{ID: "srv-3", Status: domain.SessionStatusArchived, StartTime: testStart.Add(-time.Hour)})

	resumed, err := h.orch.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	h.orch.Wait()

	if resumed != 1 {
		t.Fatalf("expected one resumed watch, got %d", resumed)
	}
	byID := map[string]domain.Event{}
	for _, ev := range h.events.snapshot(domain.TopicSessions) {
		byID[ev.SessionID] = ev
	}
	if ev := byID["local-1"]; ev.Kind != domain.EventSessionFailed || ev.Code != domain.ErrorCodeInterrupted {
		t.Fatalf("expected provisional session to fail as interrupted, got %+v", ev)
	}
	if ev := byID["srv-7"]; ev.Kind != domain.EventSessionCompleted {
		t.Fatalf("expected resumed analysis to complete, got %+v", ev)
	}
	if stored, _ := h.sessionStore.get("srv-7"); stored.Status != domain.SessionStatusArchived {
		t.Fatalf("expected persisted archived status, got %s", stored.Status)
	}
	if _, ok := h.orch.Session("srv-3"); !ok {
		t.Fatalf("expected archived session to be restored")
	}
}

func TestOrchestratorPersistsSwap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.poller.outcome = poller.Outcome{Kind: poller.OutcomeCompleted}
	placeholder := recordAndFinish(t, h)
	h.orch.Wait()

	if _, ok := h.sessionStore.get(placeholder.ID); ok {
		t.Fatalf("provisional record must be removed after swap")
	}
	if stored, ok := h.sessionStore.get("srv-1"); !ok || stored.Status != domain.SessionStatusArchived {
		t.Fatalf("expected archived record for server id, got %+v ok=%v", stored, ok)
	}
}

type harness struct {
	orch         *SessionOrchestrator
	store        *artifacts.Store
	capture      *fakeCapture
	uploader     *fakeUploader
	poller       *fakePoller
	results      *fakeResults
	deleter      *fakeDeleter
	events       *recordingPublisher
	sessionStore *memoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := artifacts.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open artifacts: %v", err)
	}
	h := &harness{
		store:        store,
		capture:      &fakeCapture{store: store},
		uploader:     &fakeUploader{},
		poller:       &fakePoller{},
		results:      &fakeResults{details: map[string]domain.AnalysisDetail{}},
		deleter:      &fakeDeleter{},
		events:       &recordingPublisher{},
		sessionStore: &memoryStore{sessions: map[string]domain.Session{}},
	}
	ids := 0
	h.orch = NewSessionOrchestrator(Deps{
		Capture:     h.capture,
		Artifacts:   store,
		Uploader:    h.uploader,
		Poller:      h.poller,
		Deleter:     h.deleter,
		Credentials: staticCredentials("tok-1"),
		Results:     h.results,
		Events:      h.events,
		Store:       h.sessionStore,
	}, Config{
		Now: func() time.Time { return testStart },
		NewID: func() string {
			ids++
			return fmt.Sprintf("local-%d", ids)
		},
	})
	t.Cleanup(h.orch.Close)
	return h
}

func recordAndFinish(t *testing.T, h *harness) domain.Session {
	t.Helper()
	placeholder, err := h.orch.BeginRecording(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := h.orch.FinishRecording(context.Background()); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	return placeholder
}

func lastEvent(t *testing.T, p *recordingPublisher) domain.Event {
	t.Helper()
	events := p.snapshot(domain.TopicSessions)
	if len(events) == 0 {
		t.Fatalf("expected events")
	}
	return events[len(events)-1]
}

func kinds(events []domain.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Kind)+"("+ev.SessionID+")")
	}
	return out
}

type staticCredentials string

func (s staticCredentials) CurrentCredential() string { return string(s) }

type fakeCapture struct {
	mu       sync.Mutex
	store    *artifacts.Store
	err      error
	starts   int
	sessions []*fakeCaptureSession
}

func (f *fakeCapture) Start(context.Context) (ports.CaptureSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.starts++
	s := &fakeCaptureSession{store: f.store}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeCapture) snapshotStarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCapture) lastSession() *fakeCaptureSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

type fakeCaptureSession struct {
	mu        sync.Mutex
	store     *artifacts.Store
	cancelled bool
}

func (s *fakeCaptureSession) Elapsed() time.Duration { return 3 * time.Second }

func (s *fakeCaptureSession) Stop() (domain.Artifact, error) {
	handle, path, err := s.store.Create(".m4a")
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := os.WriteFile(path, []byte("aac-bytes"), 0o600); err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{
		Handle:   handle,
		Path:     path,
		Size:     9,
		Started:  testStart,
		Stopped:  testStart.Add(42 * time.Second),
		Duration: 42 * time.Second,
	}, nil
}

func (s *fakeCaptureSession) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeCaptureSession) snapshotCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

type uploadCall struct {
	fileName string
	title    string
	body     string
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   []uploadCall
	respond func(ports.UploadRequest, int) (domain.UploadResult, error)
}

func (f *fakeUploader) Upload(_ context.Context, req ports.UploadRequest, onProgress func(float64)) (domain.UploadResult, error) {
	body, err := io.ReadAll(req.Audio)
	if err != nil {
		return domain.UploadResult{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, uploadCall{fileName: req.FileName, title: req.Title, body: string(body)})
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	if onProgress != nil {
		onProgress(0.5)
		onProgress(1)
	}
	if respond != nil {
		return respond(req, n)
	}
	return domain.UploadResult{SessionID: fmt.Sprintf("srv-%d", n), Title: req.Title}, nil
}

func (f *fakeUploader) snapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUploader) lastRequest() uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakePoller struct {
	mu          sync.Mutex
	outcome     poller.Outcome
	updates     []poller.Update
	credentials []string
	release     chan struct{}
	started     chan string
}

func (f *fakePoller) Poll(ctx context.Context, sessionID string, credential string, onUpdate func(poller.Update)) poller.Outcome {
	f.mu.Lock()
	f.credentials = append(f.credentials, credential)
	outcome := f.outcome
	updates := append([]poller.Update(nil), f.updates...)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- sessionID
	}
	for _, u := range updates {
		onUpdate(u)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return poller.Outcome{Kind: poller.OutcomeCancelled}
		}
	}
	if outcome.Kind == poller.OutcomeCompleted && outcome.Detail.SessionID == "" {
		outcome.Detail.SessionID = sessionID
	}
	return outcome
}

func (f *fakePoller) snapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.credentials)
}

func (f *fakePoller) snapshotCredentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.credentials...)
}

type fakeResults struct {
	mu      sync.Mutex
	details map[string]domain.AnalysisDetail
}

func (f *fakeResults) PutDetail(id string, detail domain.AnalysisDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[id] = detail
}

func (f *fakeResults) Invalidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.details, id)
}

func (f *fakeResults) snapshotDetail(id string) (domain.AnalysisDetail, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[id]
	return d, ok
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeDeleter) DeleteSession(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeDeleter) snapshotDeleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		return nil
	}
	return append([]string(nil), f.deleted...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (p *recordingPublisher) Publish(topic string, event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = map[string][]domain.Event{}
	}
	p.events[topic] = append(p.events[topic], event)
}

func (p *recordingPublisher) snapshot(topic string) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events[topic]...)
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func (m *memoryStore) Save(_ context.Context, s domain.Session) error {
	m.put(s)
	return nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memoryStore) ListByStatus(_ context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memoryStore) put(s domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
}

func (m *memoryStore) get(id string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}
