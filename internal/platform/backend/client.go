// Package backend is the HTTP client for the platform API: authentication,
// doctor profile, diagnostic entries, reports and video analysis.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/uroflow/uroflow/internal/domain/uroflow"
	"github.com/uroflow/uroflow/internal/platform/auth"
	"github.com/uroflow/uroflow/pkg/ident"
)

const (
	DefaultBaseURL    = "http://localhost:8000"
	DefaultTimeout    = 30 * time.Second
	DefaultRunTimeout = 15 * time.Minute

	maxResponseBytes = 32 << 20
)

// Config configures the client.
type Config struct {
	BaseURL string
	// Timeout bounds ordinary requests.
	Timeout time.Duration
	// RunTimeout bounds analysis runs, which process whole videos.
	RunTimeout time.Duration
}

// Client calls the platform API on behalf of the session carried in each
// request's context.
type Client struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	runTimeout time.Duration
	logger     zerolog.Logger
}

var (
	_ auth.Authenticator      = (*Client)(nil)
	_ uroflow.EntryService    = (*Client)(nil)
	_ uroflow.ReportStore     = (*Client)(nil)
	_ uroflow.AnalysisService = (*Client)(nil)
	_ uroflow.ProfileService  = (*Client)(nil)
)

// NewClient creates a client. A nil httpClient uses a fresh http.Client;
// deadlines come from the per-call context.
func NewClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       httpClient,
		timeout:    cfg.Timeout,
		runTimeout: cfg.RunTimeout,
		logger:     logger.With().Str("component", "backend").Logger(),
	}
}

// StatusError is a non-2xx answer from the platform API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// Unwrap maps 404 to uroflow.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return uroflow.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s, ok := auth.SessionFromContext(ctx); ok && s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("backend request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Detail: errorDetail(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// errorDetail extracts the "detail" message of an API error body.
func errorDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(data))
	}
	var msg string
	if err := json.Unmarshal(body.Detail, &msg); err == nil {
		return msg
	}
	return string(body.Detail)
}

func escape(id ident.ID) string {
	return url.PathEscape(id.String())
}

// SignIn exchanges email and password for an access token.
func (c *Client) SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error) {
	var res auth.SignInResult
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/signin", c.timeout, in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type doctorProfile struct {
	User struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"user"`
	Qualification  string `json:"qualification"`
	Specialization string `json:"specialization"`
	Hospital       string `json:"hospital"`
}

// GetClinician returns the signed-in doctor's footer identity.
func (c *Client) GetClinician(ctx context.Context) (*uroflow.Clinician, error) {
	var p doctorProfile
	if err := c.do(ctx, http.MethodGet, "/doctor/me", c.timeout, nil, &p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.User.Username)
	if name != "" && !strings.HasPrefix(strings.ToLower(name), "dr") {
		name = "Dr. " + name
	}
	return &uroflow.Clinician{Name: name, Qualification: strings.TrimSpace(p.Qualification)}, nil
}

// entryDTO accepts the patient name either flat or nested under the patient's user.
type entryDTO struct {
	uroflow.DiagnosticEntry
	Patient *struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	} `json:"patient,omitempty"`
}

func (d entryDTO) entry() uroflow.DiagnosticEntry {
	e := d.DiagnosticEntry
	if e.PatientName == "" && d.Patient != nil {
		e.PatientName = d.Patient.User.Username
	}
	return e
}

// ListEntries returns the entries visible to the signed-in doctor.
func (c *Client) ListEntries(ctx context.Context) ([]uroflow.DiagnosticEntry, error) {
	var dtos []entryDTO
	if err := c.do(ctx, http.MethodGet, "/entries/", c.timeout, nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]uroflow.DiagnosticEntry, len(dtos))
	for i, d := range dtos {
		out[i] = d.entry()
	}
	return out, nil
}

// GetEntry returns one entry.
func (c *Client) GetEntry(ctx context.Context, id ident.ID) (*uroflow.DiagnosticEntry, error) {
	var d entryDTO
	if err := c.do(ctx, http.MethodGet, "/entries/"+escape(id), c.timeout, nil, &d); err != nil {
		return nil, err
	}
	e := d.entry()
	return &e, nil
}

// ListReports returns the reports stored for an entry.
func (c *Client) ListReports(ctx context.Context, entryID ident.ID) ([]uroflow.PersistedReport, error) {
	var out []uroflow.PersistedReport
	if err := c.do(ctx, http.MethodGet, "/reports/entry/"+escape(entryID), c.timeout, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []uroflow.PersistedReport{}
	}
	return out, nil
}

// CreateReport stores a report.
func (c *Client) CreateReport(ctx context.Context, r uroflow.NewReport) (*uroflow.PersistedReport, error) {
	var out uroflow.PersistedReport
	if err := c.do(ctx, http.MethodPost, "/reports/", c.timeout, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteReport removes a report.
func (c *Client) DeleteReport(ctx context.Context, reportID ident.ID) error {
	return c.do(ctx, http.MethodDelete, "/reports/"+escape(reportID), c.timeout, nil, nil)
}

// GetAnalysis returns the latest analysis of an entry; a never-analysed entry
// yields an error wrapping uroflow.ErrNotFound.
func (c *Client) GetAnalysis(ctx context.Context, entryID ident.ID) (*uroflow.AnalysisResult, error) {
	var out uroflow.AnalysisResult
	if err := c.do(ctx, http.MethodGet, "/analysis/entry/"+escape(entryID), c.timeout, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunAnalysis analyses an entry's video and returns the new result. It can
// take minutes and is bounded by the run timeout rather than the request one.
func (c *Client) RunAnalysis(ctx context.Context, entryID ident.ID) (*uroflow.AnalysisResult, error) {
	var out uroflow.AnalysisResult
	if err := c.do(ctx, http.MethodPost, "/analysis/entry/"+escape(entryID)+"/run", c.runTimeout, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
