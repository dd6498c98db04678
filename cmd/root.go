// Package cmd implements the datareceiver CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/datareceiver/internal/config"
	"github.com/theirongolddev/datareceiver/internal/logging"
)

var (
	flagConfig   string
	flagDataDir  string
	flagVerbose  bool
	flagDebug    bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "datareceiver",
	Short: "Store JSON documents sent over HTTP in per-database SQLite files",
	Long: "datareceiver accepts JSON documents at PUT /{database}/{table} and appends\n" +
		"each one, with its arrival time, to a table in <data-dir>/<database>.db.",
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default "+config.Path()+")")
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "data-dir", "d", "", "Directory holding the store files")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log at info level")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Log at debug level")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error")

	addServeFlags(rootCmd, false)
}

// loadConfig resolves the effective configuration:
// flag > environment > config file > defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = flagDataDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = flagServeAddr
	}
	if flags.Changed("port") {
		cfg.Server.Port = flagServePort
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the process logger. pinned reports whether the level
// came from a flag, in which case config reloads leave it alone.
func setupLogging(cmd *cobra.Command, cfg config.Config) (lv *slog.LevelVar, pinned bool, err error) {
	level, err := logging.ResolveLevel(flagDebug, flagVerbose, cfg.Log.Level)
	if err != nil {
		return nil, false, err
	}
	lv = new(slog.LevelVar)
	lv.Set(level)
	slog.SetDefault(logging.New(os.Stderr, lv))

	pinned = flagDebug || flagVerbose || cmd.Flags().Changed("log-level")
	return lv, pinned, nil
}
