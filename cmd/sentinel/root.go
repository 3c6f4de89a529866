package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cybersentinel/pkg/structlog"
	"cybersentinel/shared/config"
)

var (
	cfgFile  string
	envFiles []string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "CyberSentinel incident reasoning service",
	Long: `CyberSentinel turns a batch of security events into an analysed incident:
ranked hypotheses, a response plan and an independent critique of that plan.

Commands:
  serve     Run the HTTP and websocket API
  analyze   Analyse an events file once and print the result
  migrate   Apply or roll back the database schema
  token     Issue or revoke API bearer tokens`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (env SENTINEL_* overrides it)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// loadConfig reads the layered configuration for the current invocation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newLogger writes to stderr so that command output on stdout stays parseable.
func newLogger(cfg *config.Config) *structlog.Logger {
	return structlog.NewLogger(cfg.Log.Service, structlog.ParseLevel(cfg.Log.Level), os.Stderr)
}
