package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bebsworthy/appstrap/internal/app"
	"github.com/bebsworthy/appstrap/internal/config"
	"github.com/bebsworthy/appstrap/internal/logging"
	"github.com/bebsworthy/appstrap/internal/metrics"
	"github.com/bebsworthy/appstrap/internal/supervisor"
)

const defaultEnvFile = ".env"

var (
	// Global flags
	envFile string
	verbose bool

	// Set by loadEnvironment
	appConfig *config.Config
	appLogger *logging.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "appstrap",
	Short: "appstrap - application bootstrap template",
	Long: `appstrap loads its configuration from APP_* environment variables
(optionally seeded from a .env file) and runs its subsystems under a
supervisor that shuts down gracefully on SIGINT/SIGTERM or when a subsystem
asks for it.`,
	Example: `  # Run with defaults
  appstrap

  # Tick five times, half a second apart
  APP_TICK_COUNT=5 APP_TICK_INTERVAL=500ms appstrap

  # Expose Prometheus metrics while running
  APP_METRICS_ADDR=127.0.0.1:9100 appstrap`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvironment,
	RunE:              runApp,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	defer closeLogger()
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "dotenv file to load before reading APP_* variables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug level with source locations)")
}

// loadEnvironment seeds the environment from the dotenv file, loads and
// caches the configuration and installs the default logger.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	envLoaded := true
	if err := godotenv.Load(envFile); err != nil {
		// A missing default file is fine; a file the user named must exist.
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		envLoaded = false
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	appConfig = cfg

	logCfg := cfg.Logging
	if verbose {
		logCfg.Level = "debug"
		logCfg.Verbose = true
	}

	logger, err := logging.NewAppLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	appLogger = logger
	logging.SetDefault(logger)

	logging.Debug("env file", slog.String("path", envFile), slog.Bool("loaded", envLoaded))
	logging.Info("config loaded",
		slog.String("some_path", cfg.SomePath),
		slog.Duration("shutdown_timeout", cfg.ShutdownTimeout),
		slog.Int("tick_count", cfg.Tick.Count),
		slog.Duration("tick_interval", cfg.Tick.Interval),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	return nil
}

// runApp supervises the application subsystems until they stop
func runApp(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()

	sup := supervisor.New(supervisor.Options{
		Timeout:      appConfig.ShutdownTimeout,
		CatchSignals: true,
		Logger:       appLogger.Logger,
		Metrics:      metrics.NewSupervisorMetrics(reg),
	})

	if err := app.Register(sup, appConfig, reg); err != nil {
		return err
	}

	ctx := logging.WithCorrelationID(cmd.Context(), sup.RunID())
	start := time.Now()
	err := sup.Run(cmd.Context())
	appLogger.LogTiming(ctx, "supervisor run", start,
		slog.String("cause", string(sup.Cause())),
		slog.Bool("ok", err == nil))
	if err != nil {
		appLogger.LogError(ctx, "app failed", err)
		return fmt.Errorf("app failed: %w", err)
	}
	return nil
}

func closeLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}

// GetConfig returns the loaded configuration, or the defaults if the root
// command has not run yet
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}
