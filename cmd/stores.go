package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/datareceiver/internal/cli"
	"github.com/theirongolddev/datareceiver/internal/store"
)

var storesCmd = &cobra.Command{
	Use:   "stores [database...]",
	Short: "List store files, their tables and record counts",
	RunE:  runStores,
}

func init() {
	rootCmd.AddCommand(storesCmd)
}

func runStores(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, _, err := setupLogging(cmd, cfg); err != nil {
		return err
	}

	loc := store.NewLocator(cfg.Storage.DataDir)
	names := args
	if len(names) == 0 {
		names, err = loc.List()
		if err != nil {
			return fmt.Errorf("listing stores: %w", err)
		}
	}
	if len(names) == 0 {
		fmt.Printf("  No stores in %s\n", loc.Root())
		return nil
	}

	ctx := cmd.Context()
	now := time.Now()
	var (
		rows         [][]string
		totalRecords int64
	)
	for i, name := range names {
		path, err := loc.Path(name)
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("store %s: %w", name, err)
		}

		s, err := store.Open(ctx, name, path, store.Options{BusyTimeout: cfg.Storage.BusyTimeout})
		if err != nil {
			return err
		}
		stats, err := s.Stats(ctx)
		_ = s.Close()
		if err != nil {
			return err
		}

		if i > 0 {
			rows = append(rows, []string{"---"})
		}
		size := cli.FormatBytes(info.Size())
		if len(stats) == 0 {
			rows = append(rows, []string{name, "-", "0", "-", size})
			continue
		}
		for j, st := range stats {
			label := ""
			if j == 0 {
				label = name
			}
			last, _ := time.Parse(store.TimeFormat, st.LastTimestamp)
			rows = append(rows, []string{
				label,
				st.Table,
				cli.FormatNumber(st.Records),
				cli.FormatAge(last, now),
				size,
			})
			size = ""
			totalRecords += st.Records
		}
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("STORES"))
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:    loc.Root(),
		Headers:  []string{"Store", "Table", "Records", "Last write", "Size"},
		Rows:     rows,
		LeftCols: 2,
	}))
	fmt.Printf("  %s records across %d stores\n\n", cli.FormatNumber(totalRecords), len(names))
	return nil
}
