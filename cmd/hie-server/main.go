package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ehr/hie/internal/config"
	"github.com/ehr/hie/internal/domain/docquery"
	"github.com/ehr/hie/internal/platform/auth"
	"github.com/ehr/hie/internal/platform/db"
	"github.com/ehr/hie/internal/platform/hie"
	"github.com/ehr/hie/internal/platform/middleware"
	"github.com/ehr/hie/internal/platform/scheduling"
	"github.com/ehr/hie/internal/platform/telemetry"
	"github.com/ehr/hie/internal/platform/webhook"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hie-server",
		Short: "HIE document query progress server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the document query API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Force-resolve document queries that stopped receiving updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawIDs, _ := cmd.Flags().GetStringSlice("patient-id")
			maxAge, _ := cmd.Flags().GetDuration("max-age")

			ids, err := parsePatientIDs(rawIDs)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := newService(cfg, pool, logger, nil)
			if err != nil {
				return err
			}
			defer svc.Wait()

			var bar *progressbar.ProgressBar
			res, err := svc.ReconcileStale(ctx, docquery.ReconcileParams{
				PatientIDs:       ids,
				MaxTimeToProcess: maxAge,
				OnCandidates: func(n int) {
					bar = newProgressBar(n)
				},
				OnItem: func(docquery.PatientRef, bool, error) {
					_ = bar.Add(1)
				},
			})
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}

			fmt.Printf("Corrected %d document query(s), %d failed.\n", res.CorrectedCount, res.FailedCount)
			for _, id := range res.CorrectedIDs {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("patient-id", nil, "Restrict the sweep to these patient ids")
	cmd.Flags().Duration("max-age", 0, "Override STALE_MAX_TIME_TO_PROCESS")
	return cmd
}

func newProgressBar(n int) *progressbar.ProgressBar {
	return progressbar.NewOptions64(int64(n),
		progressbar.OptionSetDescription("reconciling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func parsePatientIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid patient id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(cfg *config.Config, out *os.File) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// buildGateways creates one HIE gateway per configured network. Networks
// without a URL are disabled.
func buildGateways(cfg *config.Config, logger zerolog.Logger) ([]docquery.Gateway, error) {
	protocol, err := hie.ProtocolFor(cfg.HIEAdapterMode)
	if err != nil {
		return nil, err
	}

	networks := []struct {
		source docquery.Source
		url    string
	}{
		{docquery.SourceCommonWell, cfg.HIECommonWellURL},
		{docquery.SourceCareQuality, cfg.HIECareQualityURL},
	}

	var gws []docquery.Gateway
	for _, n := range networks {
		if n.url == "" {
			logger.Warn().Str("source", string(n.source)).Msg("HIE network not configured, skipping")
			continue
		}
		client, err := hie.NewClient(hie.Config{
			Network:         string(n.source),
			BaseURL:         n.url,
			Timeout:         cfg.HIETimeout,
			MaxRetries:      cfg.HIEMaxRetries,
			CallbackBaseURL: cfg.HIECallbackBaseURL,
			Protocol:        protocol,
		}, logger)
		if err != nil {
			return nil, err
		}
		gws = append(gws, docquery.NewHIEGateway(n.source, client))
	}
	return gws, nil
}

func buildNotifier(cfg *config.Config, logger zerolog.Logger) (docquery.Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, nil
	}
	client, err := webhook.NewClient(webhook.Config{
		URL:        cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
		Timeout:    10 * time.Second,
		MaxRetries: cfg.WebhookMaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}
	return docquery.NewWebhookNotifier(client, logger), nil
}

func newService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, metrics *telemetry.Metrics) (*docquery.Service, error) {
	gws, err := buildGateways(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []docquery.Option{
		docquery.WithGateways(gws...),
		docquery.WithBatchLimit(cfg.BatchConcurrency),
		docquery.WithMaxTimeToProcess(cfg.StaleMaxTimeToProcess),
		docquery.WithDispatchTimeout(cfg.DispatchTimeout),
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		opts = append(opts, docquery.WithNotifier(notifier))
	}
	if metrics != nil {
		opts = append(opts, docquery.WithCounter(metrics))
	}

	return docquery.NewService(
		db.NewTxRunner(pool),
		docquery.NewPatientRepoPG(pool),
		docquery.NewDispatchRepoPG(pool),
		logger,
		opts...,
	), nil
}

// newEcho builds the HTTP server with global middleware, health and metrics
// routes.
func newEcho(cfg *config.Config, pinger db.Pinger, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", metrics.Handler())
	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewMetrics()
	svc, err := newService(cfg, pool, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create document query service")
	}
	if len(svc.EnabledSources()) == 0 {
		logger.Warn().Msg("no HIE networks configured, document queries cannot be started")
	}

	e := newEcho(cfg, pool, metrics, logger)
	apiV1 := e.Group("/api/v1", authMiddleware(cfg))
	docquery.NewHandler(svc).RegisterRoutes(apiV1)

	// Background jobs
	scheduler := scheduling.NewScheduler(logger)
	if err := scheduler.Add(docquery.NewStaleSweepJob(svc, cfg.StaleSweepInterval)); err != nil {
		logger.Fatal().Err(err).Msg("failed to register stale sweep")
	}
	scheduler.Start()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	svc.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
