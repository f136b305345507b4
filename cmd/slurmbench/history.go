package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartslab/slurmbench/pkg/config"
	"github.com/cartslab/slurmbench/pkg/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded experiments",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum experiments to show (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if !cfg.History.Enabled {
		return fmt.Errorf("history is not enabled in the configuration")
	}

	store, err := history.Open(log, cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	experiments, err := store.List(historyLimit)
	if err != nil {
		return err
	}

	if len(experiments) == 0 {
		fmt.Println("No experiments recorded yet.")

		return nil
	}

	for _, exp := range experiments {
		fmt.Printf("%s  size=%-6s  jobs=%d (ok=%d failed=%d)  %s\n",
			exp.CreatedAt.Format(time.RFC3339),
			exp.Size,
			exp.TotalJobs,
			exp.Successful,
			exp.Failed,
			exp.Directory,
		)
	}

	return nil
}
