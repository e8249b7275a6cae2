package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/uroflow/uroflow/internal/config"
	"github.com/uroflow/uroflow/internal/domain/uroflow"
	"github.com/uroflow/uroflow/internal/platform/auth"
	"github.com/uroflow/uroflow/internal/platform/backend"
	"github.com/uroflow/uroflow/internal/platform/db"
	"github.com/uroflow/uroflow/internal/platform/middleware"
	"github.com/uroflow/uroflow/internal/platform/narrative"
	"github.com/uroflow/uroflow/internal/platform/reportstore"
	"github.com/uroflow/uroflow/internal/platform/telemetry"
	"github.com/uroflow/uroflow/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "uroflow-server",
		Short:        "Uroflowmetry reporting workspace",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(signInCmd())
	rootCmd.AddCommand(signOutCmd())
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(composeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workspace API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the report store schema (REPORT_STORE=postgres)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	defer srv.Close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("report_store", cfg.ReportStore).Bool("narrative", cfg.NarrativeEnabled()).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// server is the assembled HTTP surface and the resources it holds.
type server struct {
	echo     *echo.Echo
	registry *uroflow.Registry
	recorder *telemetry.Recorder
	pool     *pgxpool.Pool
}

func (s *server) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	client := newBackendClient(cfg, logger)

	recorder, err := telemetry.NewRecorder(nil)
	if err != nil {
		return nil, err
	}

	store, pool, err := openReportStore(ctx, cfg, client)
	if err != nil {
		return nil, err
	}
	srv := &server{recorder: recorder, pool: pool}

	deps, err := newDependencies(ctx, cfg, logger, client, store, recorder)
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.registry = uroflow.NewRegistry(deps, cfg.WorkspaceIdleTTL)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(recorder.Middleware())
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{HSTS: cfg.IsProduction()}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(auth.SessionMiddleware(auth.SessionConfig{
		SigningKey: []byte(cfg.SigningKey),
		Verifier:   newSessionVerifier(cfg, client, logger),
		Skipper:    auth.AuthSkipper,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", recorder.Handler())

	// one limiter for both groups, so sign-in attempts share the caller's budget
	limit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	})
	public := e.Group("/api/v1", limit)
	apiV1 := e.Group("/api/v1", limit, middleware.RequestTimeout(cfg.RequestTimeout))

	authHandler := auth.NewHandler(client, []byte(cfg.SigningKey), srv.registry.Drop, logger)
	authHandler.RegisterRoutes(public, apiV1)

	uroflow.NewHandler(srv.registry, logger).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}

// newSessionVerifier confirms unsigned sessions with the platform. With a
// signing key the token signature is checked locally and nil is returned.
func newSessionVerifier(cfg *config.Config, client *backend.Client, logger zerolog.Logger) auth.SessionVerifier {
	if cfg.SigningKey != "" {
		return nil
	}
	logger.Warn().Msg("AUTH_SIGNING_KEY not set; sessions are confirmed with the platform")
	return auth.NewRemoteVerifier(func(ctx context.Context) error {
		_, err := client.GetClinician(ctx)
		return err
	}, auth.DefaultVerifyTTL)
}

func newBackendClient(cfg *config.Config, logger zerolog.Logger) *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL:    cfg.BackendURL,
		RunTimeout: cfg.AnalysisRunTimeout,
	}, nil, logger)
}

// openReportStore picks where composed reports are persisted. Only the
// postgres store returns a pool, which the caller closes.
func openReportStore(ctx context.Context, cfg *config.Config, client *backend.Client) (uroflow.ReportStore, *pgxpool.Pool, error) {
	switch cfg.ReportStore {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, nil, err
		}
		return reportstore.NewPostgres(pool), pool, nil
	case config.StoreMemory:
		return reportstore.NewMemory(), nil, nil
	default:
		return client, nil, nil
	}
}

func newDependencies(ctx context.Context, cfg *config.Config, logger zerolog.Logger, client *backend.Client, store uroflow.ReportStore, metrics uroflow.Metrics) (uroflow.Dependencies, error) {
	deps := uroflow.Dependencies{
		Entries:          client,
		Reports:          store,
		Analyses:         client,
		Profiles:         client,
		Metrics:          metrics,
		Logger:           logger,
		NarrativeTimeout: cfg.NarrativeTimeout,
		NoticeTTL:        cfg.NoticeTTL,
	}
	if !cfg.NarrativeEnabled() {
		logger.Warn().Msg("NARRATIVE_API_KEY not set, reports will use the standard template")
		return deps, nil
	}
	gen, err := narrative.New(ctx, narrative.Config{
		BaseURL: cfg.NarrativeBaseURL,
		APIKey:  cfg.NarrativeAPIKey,
		Model:   cfg.NarrativeModel,
		RPM:     cfg.NarrativeRPM,
	}, logger)
	if err != nil {
		return deps, fmt.Errorf("narrative model: %w", err)
	}
	deps.Narrative = gen
	return deps, nil
}
