// Package transport talks to the analysis backend over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"convopipe/internal/domain"
	"convopipe/internal/ports"
)

const defaultBaseURL = "http://localhost:8000/api/v1"

// Config controls the backend client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	UploadTimeout time.Duration
	HTTP          *http.Client
}

// Client implements the upload, status, detail, strategy and delete services.
type Client struct {
	cfg         Config
	credentials ports.CredentialProvider
}

func NewClient(cfg Config, credentials ports.CredentialProvider) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 180 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	return &Client{cfg: cfg, credentials: credentials}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type uploadWire struct {
	SessionID string `json:"session_id"`
	AudioID   string `json:"audio_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Upload streams the audio as multipart form data, reporting the fraction of bytes sent.
func (c *Client) Upload(ctx context.Context, req ports.UploadRequest, onProgress func(float64)) (domain.UploadResult, error) {
	if req.Audio == nil {
		return domain.UploadResult{}, domain.NewServiceError(domain.ErrorCodeValidation, 0, "no audio to upload")
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = "recording.m4a"
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	audio := &progressReader{r: req.Audio, total: req.Size, onProgress: onProgress}

	go func() {
		part, err := form.CreateFormFile("file", filepath.Base(fileName))
		if err == nil {
			_, err = io.Copy(part, audio)
		}
		if err == nil && strings.TrimSpace(req.Title) != "" {
			err = form.WriteField("title", req.Title)
		}
		if err == nil {
			err = form.Close()
		}
		writer.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/upload", body)
	if err != nil {
		_ = body.Close()
		return domain.UploadResult{}, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(httpReq, c.currentCredential())

	var wire uploadWire
	if err := c.do(httpReq, &wire); err != nil {
		_ = body.Close()
		return domain.UploadResult{}, err
	}
	audio.finish()

	if strings.TrimSpace(wire.SessionID) == "" {
		return domain.UploadResult{}, domain.NewServiceError(domain.ErrorCodeServer, 0, "upload response missing session id")
	}
	result := domain.UploadResult{SessionID: wire.SessionID, Title: wire.Title, Status: wire.Status}
	if t, ok := parseTime(wire.CreatedAt); ok {
		result.CreatedAt = &t
	}
	return result, nil
}

// Status fetches the current analysis status with the given credential.
func (c *Client) Status(ctx context.Context, sessionID string, credential string) (domain.StatusSnapshot, error) {
	var snapshot domain.StatusSnapshot
	err := c.call(ctx, http.MethodGet, "/tasks/sessions/"+url.PathEscape(sessionID)+"/status", credential, &snapshot)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	if snapshot.SessionID == "" {
		snapshot.SessionID = sessionID
	}
	snapshot.Progress = clampProgress(snapshot.Progress)
	return snapshot, nil
}

// clampProgress bounds server-reported progress to [0,1]; NaN reads as 0.
func clampProgress(p float64) float64 {
	switch {
	case !(p >= 0):
		return 0
	case p > 1:
		return 1
	}
	return p
}

type detailWire struct {
	SessionID    string                `json:"session_id"`
	Title        string                `json:"title"`
	StartTime    string                `json:"start_time"`
	EndTime      string                `json:"end_time"`
	Duration     int                   `json:"duration"`
	Tags         []string              `json:"tags"`
	Status       string                `json:"status"`
	EmotionScore *int                  `json:"emotion_score"`
	SpeakerCount *int                  `json:"speaker_count"`
	Dialogues    []domain.DialogueTurn `json:"dialogues"`
	Risks        []string              `json:"risks"`
	Summary      string                `json:"summary"`
	CoverURL     string                `json:"cover_image_url"`
	CreatedAt    string                `json:"created_at"`
	UpdatedAt    string                `json:"updated_at"`
}

// Detail fetches the full analysis payload.
func (c *Client) Detail(ctx context.Context, sessionID string, credential string) (domain.AnalysisDetail, error) {
	var wire detailWire
	if err := c.call(ctx, http.MethodGet, "/tasks/sessions/"+url.PathEscape(sessionID), credential, &wire); err != nil {
		return domain.AnalysisDetail{}, err
	}
	detail := domain.AnalysisDetail{
		SessionID:    wire.SessionID,
		Title:        wire.Title,
		Duration:     wire.Duration,
		Tags:         wire.Tags,
		Status:       wire.Status,
		EmotionScore: wire.EmotionScore,
		SpeakerCount: wire.SpeakerCount,
		Dialogues:    wire.Dialogues,
		Risks:        wire.Risks,
		Summary:      wire.Summary,
		CoverURL:     wire.CoverURL,
		CreatedAt:    wire.CreatedAt,
		UpdatedAt:    wire.UpdatedAt,
	}
	if detail.SessionID == "" {
		detail.SessionID = sessionID
	}
	if t, ok := parseTime(wire.StartTime); ok {
		detail.StartTime = &t
	}
	if t, ok := parseTime(wire.EndTime); ok {
		detail.EndTime = &t
	}
	return detail, nil
}

// Strategies requests the derived strategy analysis.
func (c *Client) Strategies(ctx context.Context, sessionID string, credential string) (domain.StrategyAnalysis, error) {
	var analysis domain.StrategyAnalysis
	err := c.call(ctx, http.MethodPost, "/tasks/sessions/"+url.PathEscape(sessionID)+"/strategies", credential, &analysis)
	if err != nil {
		return domain.StrategyAnalysis{}, err
	}
	for i := range analysis.Strategies {
		if analysis.Strategies[i].ID == "" {
			analysis.Strategies[i].ID = analysis.Strategies[i].Title
		}
	}
	return analysis, nil
}

// DeleteSession discards the session on the backend.
func (c *Client) DeleteSession(ctx context.Context, sessionID string, credential string) error {
	return c.call(ctx, http.MethodDelete, "/tasks/sessions/"+url.PathEscape(sessionID), credential, nil)
}

func (c *Client) call(ctx context.Context, method, path, credential string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, credential)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request, credential string) {
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

func (c *Client) currentCredential() string {
	if c.credentials == nil {
		return ""
	}
	return c.credentials.CurrentCredential()
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return networkError(err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return statusError(res.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return domain.NewServiceError(domain.ErrorCodeServer, res.StatusCode, "empty response from server")
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &domain.ServiceError{Code: domain.ErrorCodeServer, Status: res.StatusCode, Message: "malformed response from server", Err: err}
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = fmt.Sprintf("request failed (code %d)", env.Code)
		}
		return domain.NewServiceError(classifyStatus(env.Code), env.Code, message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.NewServiceError(domain.ErrorCodeServer, res.StatusCode, "response missing data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &domain.ServiceError{Code: domain.ErrorCodeServer, Status: res.StatusCode, Message: "malformed response data", Err: err}
	}
	return nil
}

func statusError(status int, payload []byte) error {
	var apiErr struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	message := ""
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		message = strings.TrimSpace(firstNonEmpty(apiErr.Detail, apiErr.Message))
	} else if text := strings.TrimSpace(string(payload)); text != "" && len(text) < 512 {
		message = text
	}
	if message == "" {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			message = "authentication required"
		} else {
			message = fmt.Sprintf("request failed (HTTP %d)", status)
		}
	}
	return domain.NewServiceError(classifyStatus(status), status, message)
}

func classifyStatus(status int) domain.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrorCodeUnauthorized
	case status >= 400 && status < 500:
		return domain.ErrorCodeValidation
	default:
		return domain.ErrorCodeServer
	}
}

func networkError(err error) error {
	message := err.Error()
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		message = "timeout"
	}
	return &domain.ServiceError{Code: domain.ErrorCodeNetwork, Message: message, Err: err}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type progressReader struct {
	r          io.Reader
	total      int64
	sent       int64
	onProgress func(float64)
	last       float64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		if p.total > 0 {
			fraction := float64(p.sent) / float64(p.total)
			if fraction > 0.99 {
				fraction = 0.99
			}
			p.report(fraction)
		}
	}
	return n, err
}

// finish reports completion once the server has accepted the upload.
func (p *progressReader) finish() {
	p.report(1)
}

func (p *progressReader) report(fraction float64) {
	if p.onProgress == nil || fraction <= p.last {
		return
	}
	p.last = fraction
	p.onProgress(fraction)
}
