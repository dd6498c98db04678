package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/datareceiver/internal/config"
	"github.com/theirongolddev/datareceiver/internal/logging"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive configuration wizard",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

// setupValues holds the form fields as the strings huh edits.
type setupValues struct {
	DataDir   string
	Addr      string
	Port      string
	LogLevel  string
	RateLimit string
}

func runSetup(_ *cobra.Command, _ []string) error {
	path := flagConfig
	if path == "" {
		path = config.Path()
	}

	// Load existing config or defaults
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	vals := setupValues{
		DataDir:   cfg.Storage.DataDir,
		Addr:      cfg.Server.Addr,
		Port:      strconv.Itoa(cfg.Server.Port),
		LogLevel:  cfg.Log.Level,
		RateLimit: strconv.Itoa(cfg.RateLimit.RequestsPerMinute),
	}

	if err := newSetupForm(&vals).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup canceled, nothing saved.")
			return nil
		}
		return err
	}

	if err := vals.apply(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", path)
	fmt.Println("  Run `datareceiver setup` anytime to reconfigure.")
	fmt.Println()
	return nil
}

func newSetupForm(vals *setupValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("datareceiver setup").
				Description("Each database is stored as <data dir>/<database>.db."),
			huh.NewInput().
				Title("Data directory").
				Value(&vals.DataDir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("data directory is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Listen address").
				Value(&vals.Addr),
			huh.NewInput().
				Title("Port").
				Value(&vals.Port).
				Validate(validatePort),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("warn", "info", "debug", "error")...).
				Value(&vals.LogLevel),
			huh.NewInput().
				Title("Rate limit").
				Description("Writes per minute per client IP, 0 disables.").
				Value(&vals.RateLimit).
				Validate(validateNonNegative),
		),
	)
}

func (v setupValues) apply(cfg *config.Config) error {
	port, err := strconv.Atoi(strings.TrimSpace(v.Port))
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	rate, err := strconv.Atoi(strings.TrimSpace(v.RateLimit))
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if _, err := logging.ParseLevel(v.LogLevel); err != nil {
		return err
	}

	cfg.Storage.DataDir = strings.TrimSpace(v.DataDir)
	cfg.Server.Addr = strings.TrimSpace(v.Addr)
	cfg.Server.Port = port
	cfg.Log.Level = v.LogLevel
	cfg.RateLimit.RequestsPerMinute = rate
	if rate > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = max(1, rate/6)
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return errors.New("port must be 1-65535")
	}
	return nil
}

func validateNonNegative(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return errors.New("must be a whole number, 0 or more")
	}
	return nil
}
