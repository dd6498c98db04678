package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/datareceiver/internal/cli"
	"github.com/theirongolddev/datareceiver/internal/config"
	"github.com/theirongolddev/datareceiver/internal/logging"
	"github.com/theirongolddev/datareceiver/internal/metrics"
	"github.com/theirongolddev/datareceiver/internal/ratelimit"
	"github.com/theirongolddev/datareceiver/internal/server"
	"github.com/theirongolddev/datareceiver/internal/store"
)

type serverRuntimeState struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	DataDir   string    `json:"data_dir"`
}

var (
	flagServeAddr    string
	flagServePort    int
	flagServeDetach  bool
	flagServePIDFile string
	flagServeLogFile string
	flagServeChild   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion server (default command)",
	RunE:  runServe,
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server process and liveness",
	RunE:  runServeStatus,
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE:  runServeStop,
}

func init() {
	addServeFlags(serveCmd, true)
	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

// addServeFlags registers the listener flags on c. The root command gets them
// as local flags because it serves when run without a subcommand; serve
// shares them with its status and stop subcommands.
func addServeFlags(c *cobra.Command, persistent bool) {
	defaults := config.DefaultConfig()

	fs := c.Flags()
	if persistent {
		fs = c.PersistentFlags()
	}
	fs.StringVarP(&flagServeAddr, "addr", "a", defaults.Server.Addr, "Listen address")
	fs.IntVarP(&flagServePort, "port", "p", defaults.Server.Port, "Listen port")
	fs.StringVar(&flagServePIDFile, "pid-file", filepath.Join(runtimeDir(), "datareceiver.pid"), "PID file path")
	fs.StringVar(&flagServeLogFile, "log-file", filepath.Join(runtimeDir(), "datareceiver.log"), "Log file path for detached mode")

	c.Flags().BoolVar(&flagServeDetach, "detach", false, "Run the server as a background process")
	c.Flags().BoolVar(&flagServeChild, "child", false, "Internal: mark detached child process")
	_ = c.Flags().MarkHidden("child")
}

func runtimeDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "datareceiver")
	}
	return filepath.Join(os.TempDir(), "datareceiver")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if flagServeDetach && flagServeChild {
		return errors.New("invalid server launch mode")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if flagServeDetach {
		return startServeDetached(cfg)
	}
	return runServeForeground(cmd, cfg)
}

func startServeDetached(cfg config.Config) error {
	if err := ensureServerNotRunning(flagServePIDFile); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := filterDetachArg(os.Args[1:])
	args = append(args, "--child")

	if err := os.MkdirAll(filepath.Dir(flagServePIDFile), 0o750); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(flagServeLogFile), 0o750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	//nolint:gosec // log path is configured by the local user
	logf, err := os.OpenFile(flagServeLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logf.Close() }()

	child := exec.Command(exe, args...) //nolint:gosec // exe/args come from current process invocation
	child.Stdout = logf
	child.Stderr = logf
	child.Stdin = nil
	child.Env = os.Environ()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start detached server: %w", err)
	}

	fmt.Printf("  Started datareceiver (pid %d)\n", child.Process.Pid)
	fmt.Printf("  PID file: %s\n", flagServePIDFile)
	fmt.Printf("  Listening: http://%s\n", cfg.ListenAddr())
	fmt.Printf("  Log: %s\n", flagServeLogFile)
	return nil
}

func runServeForeground(cmd *cobra.Command, cfg config.Config) error {
	lv, pinned, err := setupLogging(cmd, cfg)
	if err != nil {
		return err
	}

	dataDir, err := prepareDataDir(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	if err := ensureServerNotRunning(flagServePIDFile); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(flagServePIDFile), 0o750); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	pid := os.Getpid()
	if err := writePID(flagServePIDFile, pid); err != nil {
		return err
	}
	defer func() { _ = os.Remove(flagServePIDFile) }()

	state := serverRuntimeState{
		PID:       pid,
		Addr:      cfg.ListenAddr(),
		StartedAt: time.Now(),
		DataDir:   dataDir,
	}
	_ = writeState(statePath(flagServePIDFile), state)
	defer func() { _ = os.Remove(statePath(flagServePIDFile)) }()

	reg := metrics.New()
	pool := store.NewPool(store.PoolConfig{
		Options:     store.Options{BusyTimeout: cfg.Storage.BusyTimeout},
		MaxOpen:     cfg.Storage.MaxOpenStores,
		IdleTimeout: cfg.Storage.IdleTimeout,
		OnCount:     reg.SetOpenStores,
	})
	defer func() { _ = pool.Close() }()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		defer limiter.Close()
	}

	svc := server.New(server.Config{
		Addr:              cfg.ListenAddr(),
		RequestTimeout:    cfg.Server.RequestTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		Limiter:           limiter,
	}, store.NewIngester(store.NewLocator(dataDir), pool), reg, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !pinned {
		watchLogLevel(ctx, lv)
	}

	fmt.Printf("  datareceiver listening on http://%s\n", cfg.ListenAddr())
	fmt.Printf("  Writing stores to %s\n", dataDir)
	fmt.Printf("  Stop with: datareceiver serve stop --pid-file %s\n", flagServePIDFile)

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// prepareDataDir creates dir if needed and checks that store files can be
// created in it, so a misconfigured directory fails at startup.
func prepareDataDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("data dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	probe, err := os.CreateTemp(abs, ".datareceiver-probe-*")
	if err != nil {
		return "", fmt.Errorf("data dir %s is not writable: %w", abs, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return abs, nil
}

// watchLogLevel applies [log] level changes from the config file while serving.
func watchLogLevel(ctx context.Context, lv *slog.LevelVar) {
	err := config.Watch(ctx, flagConfig, func(cfg config.Config) {
		if err := config.ApplyEnv(&cfg); err != nil {
			slog.Warn("config reload", "err", err)
			return
		}
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			slog.Warn("config reload", "err", err)
			return
		}
		if level != lv.Level() {
			lv.Set(level)
			slog.Info("log level changed", "level", level)
		}
	})
	if err != nil {
		slog.Debug("config watch disabled", "err", err)
	}
}

func runServeStatus(cmd *cobra.Command, _ []string) error {
	pid, err := readPID(flagServePIDFile)
	if err != nil {
		fmt.Printf("  Server: %s\n", cli.Status("warn", "not running (pid file not found)"))
		return nil
	}

	if !processAlive(pid) {
		fmt.Printf("  Server: %s\n", cli.Status("warn", fmt.Sprintf("stale pid file (pid %d not alive)", pid)))
		return nil
	}

	var addr string
	if cfg, err := loadConfig(cmd); err == nil {
		addr = cfg.ListenAddr()
	}
	st, stateErr := readState(statePath(flagServePIDFile))
	if stateErr == nil && st.Addr != "" {
		addr = st.Addr
	}

	fmt.Printf("  Server PID: %d\n", pid)
	fmt.Printf("  Address: http://%s\n", addr)
	if stateErr == nil {
		fmt.Printf("  Data dir: %s\n", st.DataDir)
		fmt.Printf("  Uptime: %s\n", cli.FormatDuration(int64(time.Since(st.StartedAt).Seconds())))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if err := probePing(ctx, pingAddr(addr)); err != nil {
		fmt.Printf("  Liveness: %s\n", cli.Status("error", err.Error()))
		return nil
	}
	fmt.Printf("  Liveness: %s\n", cli.Status("ok", "pong"))
	return nil
}

func runServeStop(_ *cobra.Command, _ []string) error {
	pid, err := readPID(flagServePIDFile)
	if err != nil {
		return errors.New("server is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find server process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal server process: %w", err)
	}

	deadline := time.Now().Add(12 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(flagServePIDFile)
			_ = os.Remove(statePath(flagServePIDFile))
			fmt.Printf("  Stopped datareceiver (pid %d)\n", pid)
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	return fmt.Errorf("server (pid %d) did not exit in time", pid)
}

// pingAddr turns a wildcard listen address into one a local client can dial.
func pingAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}

// probePing checks GET /ping answers {"ping":"pong"}.
func probePing(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if body["ping"] != "pong" {
		return fmt.Errorf("unexpected response %v", body)
	}
	return nil
}

func filterDetachArg(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func ensureServerNotRunning(pidFile string) error {
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if processAlive(pid) {
		return fmt.Errorf("server already running (pid %d)", pid)
	}
	_ = os.Remove(pidFile)
	_ = os.Remove(statePath(pidFile))
	return nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func readPID(path string) (int, error) {
	//nolint:gosec // pid path is configured by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", path)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func statePath(pidFile string) string {
	return pidFile + ".json"
}

func writeState(path string, st serverRuntimeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func readState(path string) (serverRuntimeState, error) {
	var st serverRuntimeState
	//nolint:gosec // state path is configured by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	return st, nil
}
