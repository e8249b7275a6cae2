package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Report store backends.
const (
	StoreHTTP     = "http"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	BackendURL  string   `mapstructure:"BACKEND_URL"`
	SigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	NarrativeBaseURL string        `mapstructure:"NARRATIVE_BASE_URL"`
	NarrativeAPIKey  string        `mapstructure:"NARRATIVE_API_KEY"`
	NarrativeModel   string        `mapstructure:"NARRATIVE_MODEL"`
	NarrativeRPM     int           `mapstructure:"NARRATIVE_RPM"`
	NarrativeTimeout time.Duration `mapstructure:"NARRATIVE_TIMEOUT"`

	AnalysisRunTimeout time.Duration `mapstructure:"ANALYSIS_RUN_TIMEOUT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	WorkspaceIdleTTL   time.Duration `mapstructure:"WORKSPACE_IDLE_TTL"`
	NoticeTTL          time.Duration `mapstructure:"NOTICE_TTL"`

	ReportStore string `mapstructure:"REPORT_STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	CredentialsFile string `mapstructure:"CREDENTIALS_FILE"`
}

var keys = []string{
	"PORT", "ENV", "BACKEND_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"NARRATIVE_BASE_URL", "NARRATIVE_API_KEY", "NARRATIVE_MODEL", "NARRATIVE_RPM", "NARRATIVE_TIMEOUT",
	"ANALYSIS_RUN_TIMEOUT", "REQUEST_TIMEOUT", "WORKSPACE_IDLE_TTL", "NOTICE_TTL",
	"REPORT_STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CREDENTIALS_FILE",
}

// Load reads .env when present, then the environment. It does not validate;
// callers that start the server call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND_URL", "http://localhost:8000")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("NARRATIVE_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("NARRATIVE_MODEL", "gpt-4o-mini")
	v.SetDefault("NARRATIVE_RPM", 30)
	v.SetDefault("NARRATIVE_TIMEOUT", "45s")
	v.SetDefault("ANALYSIS_RUN_TIMEOUT", "15m")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("WORKSPACE_IDLE_TTL", "2h")
	v.SetDefault("NOTICE_TTL", "8s")
	v.SetDefault("REPORT_STORE", StoreHTTP)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	} else {
		cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	}
	cfg.ReportStore = strings.ToLower(strings.TrimSpace(cfg.ReportStore))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NarrativeEnabled reports whether the remote narrative model is configured.
func (c *Config) NarrativeEnabled() bool {
	return c.NarrativeAPIKey != ""
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch c.ReportStore {
	case StoreHTTP, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when REPORT_STORE is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("REPORT_STORE must be %q, %q or %q, got %q", StoreHTTP, StorePostgres, StoreMemory, c.ReportStore)
	}

	for name, d := range map[string]time.Duration{
		"NARRATIVE_TIMEOUT":    c.NarrativeTimeout,
		"ANALYSIS_RUN_TIMEOUT": c.AnalysisRunTimeout,
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"WORKSPACE_IDLE_TTL":   c.WorkspaceIdleTTL,
		"NOTICE_TTL":           c.NoticeTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if !c.IsDev() && c.SigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
