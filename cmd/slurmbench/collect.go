package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cartslab/slurmbench/pkg/batch"
	"github.com/cartslab/slurmbench/pkg/fsutil"
)

var collectCmd = &cobra.Command{
	Use:   "collect <experiment-dir>",
	Short: "Re-collect results for a finished or interrupted experiment",
	Long: `Rebuild the aggregate report from an experiment directory's job
manifest and per-run result files. Collection only reads workload
artifacts, so it can be re-run any number of times, including after
the submitting orchestrator was interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	experimentDir, err := fsutil.Abs(args[0])
	if err != nil {
		return err
	}

	manifest, err := batch.ReadManifest(experimentDir)
	if err != nil {
		return fmt.Errorf("loading experiment %s: %w", experimentDir, err)
	}

	log.WithFields(logrus.Fields{
		"dir":  experimentDir,
		"jobs": len(manifest.Jobs),
	}).Info("Collecting results")

	collector := batch.NewCollector(log, experimentDir)
	report := collector.Collect(manifest.Jobs, manifest.Metadata)

	reportPath, err := collector.WriteReport(report)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"report":     reportPath,
		"total_jobs": report.Summary.TotalJobs,
		"successful": report.Summary.Successful,
		"failed":     report.Summary.Failed,
	}).Info("Collection completed")

	return nil
}
