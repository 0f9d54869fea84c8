package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirrepo/internal/config"
	"github.com/ehr/fhirrepo/internal/domain/resource"
	"github.com/ehr/fhirrepo/internal/platform/auth"
	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/middleware"
	"github.com/ehr/fhirrepo/internal/platform/notification"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
	"github.com/ehr/fhirrepo/internal/platform/telemetry"
	"github.com/ehr/fhirrepo/internal/platform/validation"
)

const fhirBasePath = "/fhir/R4"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "Versioned FHIR resource repository",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(searchParamsCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the resource tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create every resource, history and lookup table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := context.Background()

			src, err := openSource(ctx, cfg)
			if err != nil {
				return err
			}
			defer src.Close()

			store, err := newStore(logger, nil, nil)
			if err != nil {
				return err
			}
			if err := createSchema(ctx, src, store); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created tables for %d resource types.\n", len(store.Registry().ResourceTypes()))
			return nil
		},
	})
	return cmd
}

func searchParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "searchparams",
		Short: "Inspect the search parameter registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [type]",
		Short: "List search parameters, optionally for one resource type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := fhir.DefaultRegistry()
			if err != nil {
				return err
			}
			return listSearchParams(cmd.OutOrStdout(), reg, args)
		},
	})
	return cmd
}

// listSearchParams prints one line per parameter: type, code, search type,
// whether it has a column of its own, and its path.
func listSearchParams(w io.Writer, reg *fhir.Registry, args []string) error {
	types := reg.ResourceTypes()
	if len(args) == 1 {
		if !reg.IsResourceType(args[0]) {
			return fmt.Errorf("unknown resource type %q", args[0])
		}
		types = args
	}
	fmt.Fprintf(w, "%-18s %-28s %-10s %-8s %s\n", "TYPE", "CODE", "KIND", "INDEXED", "PATH")
	for _, rt := range types {
		params := reg.GetParameters(rt)
		sort.Slice(params, func(i, j int) bool { return params[i].Code < params[j].Code })
		for _, p := range params {
			indexed := "no"
			if p.Indexable() {
				indexed = "yes"
			}
			fmt.Fprintf(w, "%-18s %-28s %-10s %-8s %s\n", rt, p.Code, p.Type, indexed, p.Path)
		}
	}
	return nil
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <criteria>",
		Short: "Print changes published to Redis that match a search, e.g. \"Patient?gender=female\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return errors.New("REDIS_URL is required to watch changes")
			}
			logger := newLogger(cfg)
			reg, err := fhir.DefaultRegistry()
			if err != nil {
				return err
			}
			criteria, err := fhir.ParseSearchURL(reg, args[0])
			if err != nil {
				return err
			}
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sub, err := notification.NewSubscriber(client, cfg.RedisChannel, reg, logger).Subscribe(ctx, criteria)
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			err = sub.Run(ctx, func(m notification.Message) error {
				_, err := fmt.Fprintf(out, "%s %s/%s version %s\n",
					m.LastUpdated.Format(time.RFC3339), m.ResourceType, m.ID, m.VersionID)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openSource connects to the configured database.
func openSource(ctx context.Context, cfg *config.Config) (db.Source, error) {
	switch cfg.DBDriver {
	case "sqlite":
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		health, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return db.NewSQLSource(conn, sqlbuilder.SQLite).WithHealthCheckDB(health), nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return db.NewPgxSource(pool), nil
	}
}

// newNotifier builds the change sink selected by NOTIFY_MODE. The returned
// close function releases broker connections.
func newNotifier(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (resource.Notifier, func(), error) {
	noop := func() {}
	var (
		sink    notification.Notifier
		closeFn = noop
	)
	switch cfg.NotifyMode {
	case "none":
		return nil, noop, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		sink = notification.NewRedisNotifier(client, cfg.RedisChannel)
		closeFn = func() { _ = client.Close() }
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to amqp: %w", err)
		}
		n, err := notification.NewAMQPNotifier(conn, cfg.AMQPExchange)
		if err != nil {
			_ = conn.Close()
			return nil, noop, err
		}
		sink = n
		closeFn = func() { _ = conn.Close() }
	case "webhook":
		n, err := notification.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
		if err != nil {
			return nil, noop, err
		}
		sink = n
	default:
		return notification.Instrumented{Sink: "log", Next: notification.NewLogNotifier(logger), Metrics: metrics}, noop, nil
	}
	// Broker deliveries are logged as well.
	return notification.Multi{
		notification.Instrumented{Sink: cfg.NotifyMode, Next: sink, Metrics: metrics},
		notification.NewLogNotifier(logger),
	}, closeFn, nil
}

func newStore(logger zerolog.Logger, notifier resource.Notifier, metrics *telemetry.Metrics) (*resource.Store, error) {
	reg, err := fhir.DefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("load search parameters: %w", err)
	}
	opts := []resource.Option{resource.WithLogger(logger), resource.WithMetrics(metrics)}
	if notifier != nil {
		opts = append(opts, resource.WithNotifier(notifier))
	}
	return resource.NewStore(reg, validation.New(reg), opts...), nil
}

func createSchema(ctx context.Context, src db.Source, store *resource.Store) error {
	sess, release, err := src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return store.Open(sess, nil).CreateTables(ctx)
}

// newServer assembles the HTTP stack. metrics may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, src db.Source, store *resource.Store, metrics *telemetry.Metrics) (*echo.Echo, error) {
	bodyLimit, err := middleware.ParseSize(cfg.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BODY_LIMIT: %w", err)
	}
	bundleLimit, err := middleware.ParseSize(cfg.BundleBodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BUNDLE_BODY_LIMIT: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"ETag", "Location", "Last-Modified"},
	}))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.BodyLimit(middleware.BodyLimitConfig{
		DefaultLimit: bodyLimit,
		BundleLimit:  bundleLimit,
		BundlePath:   fhirBasePath,
	}))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("running without token authentication")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(src))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	fhirGroup := e.Group(fhirBasePath, db.SessionMiddleware(src))
	resource.NewHandler(store, fhirBasePath, logger).RegisterRoutes(fhirGroup)
	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet.
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
	}

	// Database
	ctx := context.Background()
	src, err := openSource(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to connect to database")
	}
	defer src.Close()
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to database")

	notifier, closeNotifier, err := newNotifier(cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Str("mode", cfg.NotifyMode).Msg("failed to set up notifications")
	}
	defer closeNotifier()

	store, err := newStore(logger, notifier, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build store")
	}
	if err := createSchema(ctx, src, store); err != nil {
		logger.Fatal().Err(err).Msg("failed to create schema")
	}

	e, err := newServer(cfg, logger, src, store, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server configuration")
	}

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
