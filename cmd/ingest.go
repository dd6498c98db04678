package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/datareceiver/internal/batch"
	"github.com/theirongolddev/datareceiver/internal/cli"
	"github.com/theirongolddev/datareceiver/internal/store"
)

var (
	flagIngestWorkers int
	flagIngestQuiet   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <database> <table> [file...]",
	Short: "Write newline-delimited JSON from files or stdin into a table",
	Long: "ingest stores each non-blank line as one document, exactly as a PUT would.\n" +
		"With no files, or with \"-\", documents are read from stdin.",
	Args: cobra.MinimumNArgs(2),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVarP(&flagIngestWorkers, "workers", "w", 0, "Files processed in parallel (default GOMAXPROCS)")
	ingestCmd.Flags().BoolVarP(&flagIngestQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, _, err := setupLogging(cmd, cfg); err != nil {
		return err
	}

	dataDir, err := prepareDataDir(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	database, table := args[0], args[1]
	inputs := ingestInputs(args[2:])

	pool := store.NewPool(store.PoolConfig{
		Options: store.Options{BusyTimeout: cfg.Storage.BusyTimeout},
		MaxOpen: 1,
	})
	defer func() { _ = pool.Close() }()
	ing := store.NewIngester(store.NewLocator(dataDir), pool)

	showProgress := !flagIngestQuiet && len(inputs) > 1 && isatty.IsTerminal(os.Stderr.Fd())
	progressFn := func(current, total int) {
		if showProgress {
			fmt.Fprintf(os.Stderr, "\r  Ingesting %s", cli.RenderProgressBar(current, total, 24))
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := batch.Load(ctx, ing, database, table, inputs, batch.Options{
		Workers:      flagIngestWorkers,
		MaxLineBytes: int(cfg.Server.MaxBodyBytes),
		Progress:     progressFn,
	})
	if showProgress {
		fmt.Fprintln(os.Stderr)
	}
	if res != nil && !flagIngestQuiet {
		printIngestResult(database, table, res)
	}
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}

	if res.Rejected+res.Failed+res.InputErrors > 0 {
		return fmt.Errorf("incomplete ingest: %d rejected, %d failed, %d unreadable inputs",
			res.Rejected, res.Failed, res.InputErrors)
	}
	return nil
}

func ingestInputs(files []string) []batch.Input {
	if len(files) == 0 {
		return []batch.Input{batch.ReaderInput("stdin", os.Stdin)}
	}
	inputs := make([]batch.Input, 0, len(files))
	for _, f := range files {
		if f == "-" {
			inputs = append(inputs, batch.ReaderInput("stdin", os.Stdin))
			continue
		}
		inputs = append(inputs, batch.FileInput(f))
	}
	return inputs
}

func printIngestResult(database, table string, res *batch.Result) {
	fmt.Fprintf(os.Stderr, "  %s/%s: %s written, %s rejected, %s failed",
		database, table,
		cli.FormatNumber(int64(res.Written)),
		cli.FormatNumber(int64(res.Rejected)),
		cli.FormatNumber(int64(res.Failed)),
	)
	if res.InputErrors > 0 {
		fmt.Fprintf(os.Stderr, ", %d unreadable inputs", res.InputErrors)
	}
	fmt.Fprintln(os.Stderr)

	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "    %s\n", cli.Status("error", e.Error()))
	}
}
