package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labops/labops/internal/config"
	"github.com/labops/labops/internal/domain/critical"
	"github.com/labops/labops/internal/domain/qc"
	"github.com/labops/labops/internal/platform/auth"
	"github.com/labops/labops/internal/platform/db"
	"github.com/labops/labops/internal/platform/middleware"
	"github.com/labops/labops/internal/platform/notification"
)

// qcManagerCapability is the roster capability paged when a QC run fails.
const qcManagerCapability = "qc_manager"

// qcAlertSink adapts the notification stack to the qc.AlertSink interface,
// avoiding a circular import between the qc and notification packages.
type qcAlertSink struct {
	dispatcher *notification.Dispatcher
	roster     notification.RosterResolver
	templates  *notification.TemplateEngine
	logger     zerolog.Logger
}

// QCFailure implements qc.AlertSink. Delivery failures are logged, never
// propagated: a rejected run is already persisted and visible via the API.
func (s *qcAlertSink) QCFailure(ctx context.Context, eval *qc.Evaluation, m *qc.Measurement) {
	rules := make([]string, 0, len(eval.Violations))
	for _, v := range eval.Violations {
		if v.Severity == qc.SeverityError {
			rules = append(rules, string(v.Rule))
		}
	}

	subject, body, err := s.templates.Render("qc-failure", map[string]string{
		"test_code":     m.TestCode,
		"control_level": m.ControlLevel,
		"violations":    strings.Join(rules, ", "),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("render qc-failure template")
		return
	}

	recipients, err := s.roster.ResolveCapability(ctx, qcManagerCapability)
	if err != nil {
		s.logger.Error().Err(err).Str("capability", qcManagerCapability).Msg("resolve QC alert recipients")
		return
	}

	result := s.dispatcher.Dispatch(ctx, notification.Alert{
		Subject:  subject,
		Body:     body,
		Channels: []notification.Channel{notification.ChannelEmail},
	}, recipients)

	if !result.Delivered() {
		s.logger.Warn().
			Str("test_code", m.TestCode).
			Str("control_level", m.ControlLevel).
			Str("errors", result.ErrorSummary()).
			Msg("QC failure alert not delivered")
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "labops-server",
		Short: "Laboratory QC and critical-result alerting server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// sweepCmd runs a single escalation sweep and exits. Useful for ops and as
// a cron fallback when the in-process sweeper is disabled.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep over critical results and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, _, sweeper, _ := buildServices(cfg, pool, logger)

			tctx, release, err := db.AcquireTenant(ctx, pool, cfg.DefaultTenant)
			if err != nil {
				return err
			}
			defer release()

			stats, err := sweeper.Sweep(tctx)
			if err != nil {
				return err
			}
			fmt.Printf("sweep complete: retried=%d escalated=%d errors=%d\n",
				stats.Retried, stats.Escalated, stats.Errors)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, "./migrations"); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildServices wires the repositories, notification stack, QC service and
// critical-result tracker. Shared between serve and sweep.
func buildServices(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*qc.Service, *critical.Tracker, *critical.Sweeper, *notification.Manager) {
	// Notification stack. LogSender stands in for SMTP/SMS/push gateways;
	// real integrations are configured per deployment.
	sender := &notification.LogSender{Logger: logger}
	templates := notification.NewTemplateEngine()
	dispatcher := notification.NewDispatcher(sender, sender, sender, cfg.NotifyTimeout(), logger)
	roster := notification.NewRosterPG(pool)
	manager := notification.NewManager(sender, sender, sender, templates)

	// QC rule engine
	qcService := qc.NewService(
		qc.NewTargetRepo(pool),
		qc.NewMeasurementRepo(pool),
		qc.NewEvaluationRepo(pool),
		qc.NewStatisticsRepo(pool),
		cfg.QCWindowSize,
		logger,
	)
	qcService.SetAlertSink(&qcAlertSink{
		dispatcher: dispatcher,
		roster:     roster,
		templates:  templates,
		logger:     logger,
	})

	// Critical-result tracking
	tracker := critical.NewTracker(
		critical.NewResultRepo(pool),
		critical.NewAttemptRepo(pool),
		dispatcher,
		roster,
		templates,
		cfg.EscalationThreshold(),
		logger,
	)
	sweeper := critical.NewSweeper(tracker, cfg.SweepInterval(), cfg.DispatchConcurrency, logger)

	return qcService, tracker, sweeper, manager
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	qcService, tracker, sweeper, notifyManager := buildServices(cfg, pool, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// API group
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Domain routes
	qc.NewHandler(qcService).RegisterRoutes(apiV1)
	critical.NewHandler(tracker, sweeper).RegisterRoutes(apiV1)
	notification.NewHandler(notifyManager).RegisterRoutes(apiV1)

	// Background escalation sweeper. It holds one tenant-pinned connection
	// so its queries hit the same schema the API serves.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go func() {
		tctx, release, err := db.AcquireTenant(sweepCtx, pool, cfg.DefaultTenant)
		if err != nil {
			logger.Error().Err(err).Msg("sweeper could not acquire tenant connection")
			return
		}
		defer release()
		sweeper.Run(tctx)
	}()

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
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
