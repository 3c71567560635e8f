// mcpbridge keeps long-lived connections to MCP servers alive and exposes
// their aggregated tool catalog to the side-panel UI over a local HTTP/RPC
// boundary. Running without a subcommand starts the daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/auth"
	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/health"
	"github.com/sidepanel-ai/mcpbridge-go/internal/httpapi"
	"github.com/sidepanel-ai/mcpbridge-go/internal/logs"
	"github.com/sidepanel-ai/mcpbridge-go/internal/observability"
	"github.com/sidepanel-ai/mcpbridge-go/internal/proxy"
	"github.com/sidepanel-ai/mcpbridge-go/internal/rpc"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/storage"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream"
	"github.com/sidepanel-ai/mcpbridge-go/internal/webmcp"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mcpbridge",
		Short:        "MCP connection manager and tool proxy for the side-panel assistant",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		RunE:         runServe,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpbridge)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address for the UI boundary")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Also write logs to a rotated file")

	rootCmd.AddCommand(serveCmd(), toolsCmd(), callCmd(), serversCmd(), healthCmd(), authCmd(), activityCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE:  runServe,
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.Logging.EnableFile = logToFile
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcpbridge",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.Int("servers", len(cfg.Servers)))

	db, err := storage.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	metrics := observability.NewMetrics()
	store := state.NewStore(cfg, logger)
	authHelper := auth.NewHelper(db, cfg, logger)
	checker := health.NewChecker(cfg, authHelper, logger, cfg.HealthCheckTimeout.Duration())
	manager := upstream.NewManager(cfg, store, authHelper, db, metrics, logger)
	toolProxy := proxy.NewProxy(store, db, metrics, cfg.Proxy, logger)
	pages := webmcp.NewRegistry(logger, 0)
	dispatcher := rpc.NewDispatcher(store, toolProxy, manager, checker, authHelper, db, pages, logger)
	api := httpapi.NewServer(dispatcher, store, pages, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connection manager: %w", err)
	}
	defer manager.Stop()

	if err := api.ListenAndServe(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("http api terminated: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
