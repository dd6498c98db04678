package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/datareceiver/internal/cli"
	"github.com/theirongolddev/datareceiver/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path := flagConfig
	if path == "" {
		path = config.Path()
	}
	fmt.Printf("  Config file: %s\n", path)
	if config.Exists(path) {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}

	var env [][2]string
	for _, name := range []string{config.EnvLogLevel, config.EnvDataDir, config.EnvAddr, config.EnvPort} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, [2]string{name, v})
		}
	}
	if len(env) > 0 {
		fmt.Println()
		fmt.Print(cli.RenderKV("Environment overrides", env))
	}
	fmt.Println()

	fmt.Print(cli.RenderKV("server", [][2]string{
		{"Listen", cfg.ListenAddr()},
		{"Request timeout", cfg.Server.RequestTimeout.String()},
		{"Read header timeout", cfg.Server.ReadHeaderTimeout.String()},
		{"Shutdown timeout", cfg.Server.ShutdownTimeout.String()},
		{"Max body", cli.FormatBytes(cfg.Server.MaxBodyBytes)},
	}))
	fmt.Println()

	fmt.Print(cli.RenderKV("storage", [][2]string{
		{"Data dir", cfg.Storage.DataDir},
		{"Busy timeout", cfg.Storage.BusyTimeout.String()},
		{"Max open stores", strconv.Itoa(cfg.Storage.MaxOpenStores)},
		{"Idle timeout", cfg.Storage.IdleTimeout.String()},
	}))
	fmt.Println()

	rate := "disabled"
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rate = fmt.Sprintf("%d/min per client, burst %d", cfg.RateLimit.RequestsPerMinute, max(cfg.RateLimit.Burst, 1))
	}
	fmt.Print(cli.RenderKV("rate_limit", [][2]string{{"Limit", rate}}))
	fmt.Println()

	fmt.Print(cli.RenderKV("log", [][2]string{{"Level", cfg.Log.Level}}))
	fmt.Println()

	fmt.Println("  Run `datareceiver setup` to reconfigure.")
	return nil
}
