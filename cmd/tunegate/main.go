package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/tunegate/internal/config"
)

var version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tunegate",
	Short: "Tuning job orchestrator and usage-metered inference gateway",
	Long: `tunegate submits fine-tuning jobs to a remote tuning provider, tracks them
until they finish, and serves inference against the resulting tuned models
with a per-model daily request quota.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML or TOML config file; environment variables override it")

	rootCmd.AddCommand(serveCmd(), workerCmd(), migrateCmd(), apiKeyCmd(), adminCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the logger it asks for.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.LogLevel)
	return cfg, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
