package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/centro/internal/events"
	"github.com/user/centro/internal/identity"
	"github.com/user/centro/internal/observability"
	"github.com/user/centro/internal/ops"
	"github.com/user/centro/internal/projects"
	"github.com/user/centro/internal/scheduler"
	"github.com/user/centro/internal/surreal"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "centrod",
	Short: "Centro — reactive multi-tenant workspace orchestrator",
	Long:  "Watches a SurrealDB change feed and provisions tenant workspaces, schedules tenant events, and reconciles identities.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	RunE:  runServe,
}

var (
	configPath        string
	bindAddr          string
	dbURL             string
	dbUser            string
	dbPass            string
	dbNamespace       string
	dbDatabase        string
	templateNamespace string
	templateDatabase  string
	schedulerInterval = time.Second
	otelEnabled       bool
	otelEndpoint      string
	editorUser        string
	editorPass        string
	shutdownTimeout   = 5 * time.Second
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "Ops HTTP bind address")
	serveCmd.Flags().StringVar(&dbURL, "db-url", "ws://127.0.0.1:8000/rpc", "Store websocket RPC endpoint")
	serveCmd.Flags().StringVar(&dbUser, "db-user", "", "Store root user (or set CENTRO_DB_USER)")
	serveCmd.Flags().StringVar(&dbPass, "db-pass", "", "Store root password (or set CENTRO_DB_PASS)")
	serveCmd.Flags().StringVar(&dbNamespace, "namespace", "global", "Global namespace")
	serveCmd.Flags().StringVar(&dbDatabase, "database", "main", "Global database")
	serveCmd.Flags().StringVar(&templateNamespace, "template-namespace", "global", "Tenant template namespace")
	serveCmd.Flags().StringVar(&templateDatabase, "template-database", "interventions", "Tenant template database")
	serveCmd.Flags().DurationVar(&schedulerInterval, "scheduler-interval", time.Second, "Timer evaluation interval")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serveCmd.Flags().StringVar(&editorUser, "editor-user", "", "Bootstrap an editor user on the template database at startup")
	serveCmd.Flags().StringVar(&editorPass, "editor-pass", "", "Password for the bootstrapped editor user")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful ops HTTP shutdown timeout")

	rootCmd.AddCommand(serveCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// resolveConfig merges the optional config file with explicitly set flags;
// flags win over the file.
func resolveConfig(cmd *cobra.Command) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("bind", func() { cfg.Server.BindAddress = bindAddr })
	set("db-url", func() { cfg.Store.URL = dbURL })
	set("db-user", func() { cfg.Store.User = dbUser })
	set("db-pass", func() { cfg.Store.Pass = dbPass })
	set("namespace", func() { cfg.Store.Namespace = dbNamespace })
	set("database", func() { cfg.Store.Database = dbDatabase })
	set("template-namespace", func() { cfg.Store.TemplateNamespace = templateNamespace })
	set("template-database", func() { cfg.Store.TemplateDatabase = templateDatabase })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	slog.Info("starting centrod",
		"bind", cfg.Server.BindAddress,
		"db_url", cfg.Store.URL,
		"namespace", cfg.Store.Namespace,
		"database", cfg.Store.Database,
		"template", cfg.Store.TemplateNamespace+"/"+cfg.Store.TemplateDatabase,
		"scheduler_interval", schedulerInterval,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "centrod", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	storeCfg := surreal.Config{
		URL:       cfg.Store.URL,
		User:      cfg.Store.User,
		Pass:      cfg.Store.Pass,
		Namespace: cfg.Store.Namespace,
		Database:  cfg.Store.Database,
	}
	dial := func(ctx context.Context) (surreal.Session, error) {
		return surreal.Dial(ctx, storeCfg)
	}

	// Each feed-owning subsystem gets a session of its own; live
	// subscriptions are bound to the scope selected at subscribe time.
	projectsSess, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial projects session: %w", err)
	}
	defer projectsSess.Close()
	eventsSess, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial events session: %w", err)
	}
	defer eventsSess.Close()
	joinSess, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial join session: %w", err)
	}
	defer joinSess.Close()

	if editorUser != "" {
		if err := bootstrapEditor(ctx, projectsSess, cfg); err != nil {
			return fmt.Errorf("bootstrap editor user: %w", err)
		}
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = schedulerInterval
	sched := scheduler.New(schedCfg)

	eventsHandler := events.New(eventsSess, dial, sched)
	identityHandler := identity.New(joinSess, dial, identity.Config{
		GlobalNamespace: cfg.Store.Namespace,
		GlobalDatabase:  cfg.Store.Database,
	})
	manager := projects.NewManager(projectsSess, dial, projects.Config{
		GlobalNamespace:   cfg.Store.Namespace,
		GlobalDatabase:    cfg.Store.Database,
		TemplateNamespace: cfg.Store.TemplateNamespace,
		TemplateDatabase:  cfg.Store.TemplateDatabase,
	}, eventsHandler, identityHandler)

	srv := ops.New(manager.Ready, cfg.Server.BindAddress)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return manager.Start(ctx)
	})
	g.Go(func() error {
		return identityHandler.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	slog.Info("centrod stopped")
	return nil
}

// bootstrapEditor ensures a human editor account exists on the template
// database. Idempotent: DEFINE USER overwrites the previous definition.
func bootstrapEditor(ctx context.Context, sess surreal.Session, cfg *Config) error {
	if editorPass == "" {
		return fmt.Errorf("editor-pass is required with editor-user")
	}
	sql := fmt.Sprintf(
		"USE NS %s DB %s; DEFINE USER %s ON DATABASE PASSWORD %s ROLES EDITOR; USE NS %s DB %s;",
		cfg.Store.TemplateNamespace, cfg.Store.TemplateDatabase,
		editorUser, surreal.QuoteString(editorPass),
		cfg.Store.Namespace, cfg.Store.Database,
	)
	if _, err := sess.Query(ctx, sql, nil); err != nil {
		return err
	}
	slog.Info("editor user defined", "user", editorUser)
	return nil
}
