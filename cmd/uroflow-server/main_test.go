package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/uroflow/uroflow/internal/config"
	"github.com/uroflow/uroflow/internal/domain/uroflow"
	"github.com/uroflow/uroflow/internal/platform/auth"
	"github.com/uroflow/uroflow/internal/platform/reportstore"
)

const testSigningKey = "test-signing-key"

func doctorToken(t *testing.T) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             auth.RoleDoctor,
		UserID:           "doc-1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// fakePlatform serves the platform API endpoints the workspace calls.
func fakePlatform(t *testing.T) *httptest.Server {
	t.Helper()
	token := doctorToken(t)
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /auth/signin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"access_token": token, "role": "doctor", "user_id": "doc-1"})
	})
	mux.HandleFunc("GET /doctor/me", func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := auth.ParseSession(bearer, []byte(testSigningKey)); err != nil {
			http.Error(w, `{"detail":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"user": map[string]string{"username": "Meera Shah"}, "qualification": "MCh"})
	})
	entry := map[string]any{
		"id":            "e1",
		"patient_id":    "p1",
		"patient_name":  "Ravi Kumar",
		"created_at":    "2026-03-01T09:30:00Z",
		"video_top_url": "https://videos.test/e1.mp4",
	}
	mux.HandleFunc("GET /entries/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{entry})
	})
	mux.HandleFunc("GET /entries/e1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, entry)
	})
	mux.HandleFunc("GET /analysis/entry/e1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":         "a1",
			"entry_id":   "e1",
			"results":    map[string]any{"qmax": 12.5, "qavg": 6.25, "voided_volume": 310},
			"created_at": "2026-03-01T09:45:00Z",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		BackendURL:         backendURL,
		SigningKey:         testSigningKey,
		CORSOrigins:        []string{"http://localhost:3000"},
		NarrativeTimeout:   time.Second,
		AnalysisRunTimeout: time.Minute,
		RequestTimeout:     5 * time.Second,
		WorkspaceIdleTTL:   time.Hour,
		NoticeTTL:          time.Minute,
		ReportStore:        config.StoreMemory,
		RateLimitRPS:       100,
		RateLimitBurst:     100,
	}
}

func serve(srv *server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Routes(t *testing.T) {
	platform := fakePlatform(t)
	srv, err := newServer(context.Background(), testConfig(platform.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()
	token := doctorToken(t)

	if rec := serve(srv, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}

	if rec := serve(srv, http.MethodGet, "/api/v1/workspace/state", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("state without token = %d, want 401", rec.Code)
	}

	rec := serve(srv, http.MethodPost, "/api/v1/workspace/entries/e1/select", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var state uroflow.WorkspaceState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Form.Qmax != "12.50" {
		t.Errorf("form qmax = %q, want 12.50", state.Form.Qmax)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on API responses")
	}
	if srv.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1", srv.registry.Len())
	}

	rec = serve(srv, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "uroflow_http_request_duration_seconds") {
		t.Error("metrics output missing request histogram")
	}

	if rec := serve(srv, http.MethodPost, "/api/v1/auth/signout", token, ""); rec.Code != http.StatusNoContent {
		t.Errorf("signout = %d, want 204", rec.Code)
	}
	if srv.registry.Len() != 0 {
		t.Errorf("signout should drop the workspace, registry.Len() = %d", srv.registry.Len())
	}
}

func TestNewServer_SignIn(t *testing.T) {
	platform := fakePlatform(t)
	srv, err := newServer(context.Background(), testConfig(platform.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()

	rec := serve(srv, http.MethodPost, "/api/v1/auth/signin", "", `{"email":"meera@clinic.test","password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("signin = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var res auth.SignInResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Role != auth.RoleDoctor || res.AccessToken == "" {
		t.Errorf("unexpected sign-in result %+v", res)
	}
}

func TestNewServer_SignInIsRateLimited(t *testing.T) {
	platform := fakePlatform(t)
	cfg := testConfig(platform.URL)
	cfg.RateLimitRPS = 0.01
	cfg.RateLimitBurst = 1
	srv, err := newServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()

	body := `{"email":"meera@clinic.test","password":"guess"}`
	if rec := serve(srv, http.MethodPost, "/api/v1/auth/signin", "", body); rec.Code != http.StatusOK {
		t.Fatalf("first signin = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rec := serve(srv, http.MethodPost, "/api/v1/auth/signin", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second signin = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestNewServer_UnsignedSessionsConfirmedWithPlatform(t *testing.T) {
	platform := fakePlatform(t)
	cfg := testConfig(platform.URL)
	cfg.Env = "development"
	cfg.SigningKey = ""
	srv, err := newServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()

	rec := serve(srv, http.MethodPost, "/api/v1/workspace/entries/e1/select", doctorToken(t), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Same claims as doc-1, signed with a key the platform does not know.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             auth.RoleDoctor,
		UserID:           "doc-1",
	}).SignedString([]byte("not-the-platform-key"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	rec = serve(srv, http.MethodGet, "/api/v1/workspace/state", forged, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("state with forged token = %d, want 401: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "Ravi Kumar") {
		t.Error("forged token read the workspace")
	}

	if rec := serve(srv, http.MethodGet, "/api/v1/workspace/state", doctorToken(t), ""); rec.Code != http.StatusOK {
		t.Errorf("state with genuine token = %d, want 200", rec.Code)
	}
}

func TestOpenReportStore(t *testing.T) {
	cfg := testConfig("http://localhost:8000")
	client := newBackendClient(cfg, zerolog.Nop())

	store, pool, err := openReportStore(context.Background(), cfg, client)
	if err != nil || pool != nil {
		t.Fatalf("memory store: err=%v pool=%v", err, pool)
	}
	if _, ok := store.(*reportstore.Memory); !ok {
		t.Errorf("store = %T, want *reportstore.Memory", store)
	}

	cfg.ReportStore = config.StoreHTTP
	store, _, err = openReportStore(context.Background(), cfg, client)
	if err != nil {
		t.Fatalf("http store: %v", err)
	}
	if store != uroflow.ReportStore(client) {
		t.Error("http store should be the backend client")
	}
}

func TestFormOpsFromFlags(t *testing.T) {
	cmd := composeCmd()
	for flag, value := range map[string]string{
		"age":        "61",
		"flow-curve": uroflow.FlowCurveOptions[2],
		"indication": uroflow.IndicationOptions[0],
		"straining":  "true",
	} {
		if err := cmd.Flags().Set(flag, value); err != nil {
			t.Fatalf("set %s: %v", flag, err)
		}
	}

	ops, err := formOpsFromFlags(cmd)
	if err != nil {
		t.Fatalf("formOpsFromFlags: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("got %d ops, want 4: %+v", len(ops), ops)
	}

	form := uroflow.NewClinicalForm(time.Now())
	if err := form.Apply(ops...); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if form.Age != "61" || form.FlowCurvePattern != uroflow.FlowCurveOptions[2] || !form.Straining {
		t.Errorf("unexpected form %+v", form)
	}
	if len(form.Indications) != 1 {
		t.Errorf("indications = %v", form.Indications)
	}
}

func TestComposeCmd(t *testing.T) {
	platform := fakePlatform(t)
	credentials := filepath.Join(t.TempDir(), "credentials.json")
	t.Setenv("BACKEND_URL", platform.URL)
	t.Setenv("CREDENTIALS_FILE", credentials)
	t.Setenv("REPORT_STORE", config.StoreMemory)
	t.Setenv("NARRATIVE_API_KEY", "")
	t.Setenv("AUTH_SIGNING_KEY", testSigningKey)

	store := auth.NewFileCredentialStore(credentials)
	if err := store.Save(auth.Session{Token: doctorToken(t), Role: auth.RoleDoctor, UserID: "doc-1"}); err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	outDir := t.TempDir()
	cmd := composeCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"e1", "--age", "61", "--sex", "Male", "--out", outDir, "--save"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("compose: %v\nstderr: %s", err, stderr.String())
	}

	files, _ := filepath.Glob(filepath.Join(outDir, "Uroflowmetry_Ravi_Kumar_*.md"))
	if len(files) != 1 {
		t.Fatalf("expected one report file, got %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "| Qmax (mL/s) | 12.50 |") {
		t.Errorf("report missing prefilled Qmax:\n%s", text)
	}
	if !strings.Contains(text, "Reporting clinician: Dr. Meera Shah, MCh") {
		t.Errorf("report missing clinician footer:\n%s", text)
	}
	if !strings.Contains(stderr.String(), uroflow.FallbackWarning) {
		t.Errorf("expected fallback warning on stderr, got %q", stderr.String())
	}
	if !strings.Contains(stdout.String(), "Saved report") {
		t.Errorf("expected save confirmation, got %q", stdout.String())
	}
}

func TestComposeCmd_RequiresSession(t *testing.T) {
	t.Setenv("CREDENTIALS_FILE", filepath.Join(t.TempDir(), "missing.json"))

	cmd := composeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"e1"})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("err = %v, want not signed in", err)
	}
}
