package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"convopipe/internal/bootstrap"
	"convopipe/internal/domain"
	"convopipe/internal/usecase"
)

// errAnalysisFailed is returned when a session tracked by the command failed.
var errAnalysisFailed = errors.New("analysis failed")

// App is the command-line application root.
type App struct {
	services *bootstrap.Services
	out      io.Writer
	logger   *slog.Logger
}

func NewApp(services *bootstrap.Services, out io.Writer, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{services: services, out: out, logger: logger}
}

// Record captures until finish is signalled, then waits for the analysis
// outcome. Cancelling ctx before finish discards the recording.
func (a *App) Record(ctx context.Context, finish <-chan struct{}) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	tracker := a.track()
	defer tracker.stop()

	session, err := a.services.Orchestrator.BeginRecording(ctx)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	fmt.Fprintf(a.out, "Recording %s. Press Enter to finish, Ctrl-C to discard.\n", session.ID)

	select {
	case <-finish:
	case <-ctx.Done():
		if err := a.services.Orchestrator.CancelRecording(); err != nil && !errors.Is(err, usecase.ErrNoActiveSession) {
			return fmt.Errorf("discard recording: %w", err)
		}
		fmt.Fprintln(a.out, "Recording discarded")
		return nil
	}

	if _, err := a.services.Orchestrator.FinishRecording(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("finish recording: %w", err)
	}
	return a.settle(ctx, tracker)
}

// Import uploads an existing audio file and waits for the analysis outcome.
func (a *App) Import(ctx context.Context, path string, title string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	tracker := a.track()
	defer tracker.stop()

	if _, err := a.services.Orchestrator.ImportFile(ctx, path, title); err != nil {
		return err
	}
	return a.settle(ctx, tracker)
}

// Resume watches analyses left running by an earlier process.
func (a *App) Resume(ctx context.Context) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	tracker := a.track()
	defer tracker.stop()

	n, err := a.services.Orchestrator.Resume(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(a.out, "No analyses to resume")
		return tracker.err()
	}
	fmt.Fprintf(a.out, "Watching %d analyses\n", n)
	return a.settle(ctx, tracker)
}

// Burn discards an archived session.
func (a *App) Burn(ctx context.Context, sessionID string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if _, err := a.services.Orchestrator.Resume(ctx); err != nil {
		return err
	}
	if err := a.services.Orchestrator.Burn(ctx, sessionID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Session %s burned\n", sessionID)
	return nil
}

// List prints the persisted sessions, newest first.
func (a *App) List(ctx context.Context, status string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	sessions, err := a.services.Store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tTITLE")
	for _, s := range sessions {
		if status != "" && string(s.Status) != status {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.StartTime.Local().Format("2006-01-02 15:04"),
			time.Duration(s.Duration)*time.Second, s.Title)
	}
	return w.Flush()
}

// ServeRelay serves the websocket relay on addr until ctx is cancelled.
// Analyses left running are watched again so observers see their outcome.
func (a *App) ServeRelay(ctx context.Context, addr string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if _, err := a.services.Orchestrator.Resume(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/events", a.services.Relay)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("relay listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.services.Relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ServeMCP serves the MCP tools over stdio.
func (a *App) ServeMCP(ctx context.Context) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if _, err := a.services.Orchestrator.Resume(ctx); err != nil {
		return err
	}
	return a.services.MCP.ServeStdio()
}

func (a *App) requireReady() error {
	if a.services == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// settle waits until every pipeline has returned or ctx is cancelled.
func (a *App) settle(ctx context.Context, tracker *eventTracker) error {
	done := make(chan struct{})
	go func() {
		a.services.Orchestrator.Wait()
		close(done)
	}()
	select {
	case <-done:
		return tracker.err()
	case <-ctx.Done():
		fmt.Fprintln(a.out, "Stopped waiting; run `convopipe resume` to keep watching")
		return nil
	}
}

// eventTracker prints lifecycle events and remembers failures.
type eventTracker struct {
	mu       sync.Mutex
	out      io.Writer
	logger   *slog.Logger
	failures []string
	unsubs   []func()
}

func (a *App) track() *eventTracker {
	t := &eventTracker{out: a.out, logger: a.logger}
	t.unsubs = append(t.unsubs,
		a.services.Bus.Subscribe(domain.TopicSessions, t.onSession),
		a.services.Bus.Subscribe(domain.TopicProgress, t.onProgress),
	)
	return t
}

func (t *eventTracker) onSession(ev domain.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Kind == domain.EventSessionFailed {
		t.failures = append(t.failures, fmt.Sprintf("%s: %s", ev.SessionID, errorMessage(ev.Code, ev.Reason)))
	}
	if line := describeEvent(ev); line != "" {
		fmt.Fprintln(t.out, line)
	}
	return nil
}

func (t *eventTracker) onProgress(ev domain.Event) error {
	t.logger.Debug("progress", "session_id", ev.SessionID, "stage", ev.Stage, "progress", ev.Progress, "remaining", ev.Remaining)
	return nil
}

func (t *eventTracker) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errAnalysisFailed, strings.Join(t.failures, "; "))
}

func (t *eventTracker) stop() {
	for _, unsubscribe := range t.unsubs {
		unsubscribe()
	}
}

func describeEvent(ev domain.Event) string {
	title := ev.SessionID
	if ev.Session != nil && ev.Session.Title != "" {
		title = fmt.Sprintf("%q (%s)", ev.Session.Title, ev.SessionID)
	}
	switch ev.Kind {
	case domain.EventSessionCreated:
		if ev.Session != nil && ev.Session.Status == domain.SessionStatusAnalyzing && !ev.Session.Provisional {
			return fmt.Sprintf("Uploaded %s, analyzing", title)
		}
		return ""
	case domain.EventSessionStatusChanged:
		if ev.Session == nil {
			return ""
		}
		return fmt.Sprintf("%s is now %s", title, ev.Session.Status)
	case domain.EventSessionCompleted:
		if ev.Session != nil && ev.Session.Summary != "" {
			return fmt.Sprintf("Archived %s: %s", title, ev.Session.Summary)
		}
		return fmt.Sprintf("Archived %s", title)
	case domain.EventSessionFailed:
		return fmt.Sprintf("Failed %s: %s", title, errorMessage(ev.Code, ev.Reason))
	case domain.EventSessionTimedOut:
		return fmt.Sprintf("Still analyzing %s: %s", title, ev.Reason)
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	detail = strings.TrimSpace(detail)
	label := ""
	switch code {
	case domain.ErrorCodeCapture:
		label = "Capture failed"
	case domain.ErrorCodeNetwork:
		label = "Network error"
	case domain.ErrorCodeValidation:
		label = "Upload rejected"
	case domain.ErrorCodeServer:
		label = "Server error"
	case domain.ErrorCodeUnauthorized:
		label = "Not signed in"
	case domain.ErrorCodeInterrupted:
		label = "Interrupted"
	case domain.ErrorCodeAnalysis:
		if detail == "" {
			return domain.GenericFailureReason
		}
		return detail
	}
	switch {
	case label != "" && detail != "":
		return label + ": " + detail
	case label != "":
		return label
	case detail != "":
		return detail
	default:
		return "Unknown error"
	}
}
