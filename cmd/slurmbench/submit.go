package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cartslab/slurmbench/pkg/batch"
	"github.com/cartslab/slurmbench/pkg/config"
	"github.com/cartslab/slurmbench/pkg/fsutil"
	"github.com/cartslab/slurmbench/pkg/history"
	"github.com/cartslab/slurmbench/pkg/metadata"
	"github.com/cartslab/slurmbench/pkg/slurm"
	"github.com/cartslab/slurmbench/pkg/upload"
)

var (
	dryRun          bool
	limitBenchmarks []string
	metadataLabels  []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a benchmark batch and collect its results",
	Long: `Generate one sbatch script per (benchmark, node count, run),
submit them all, poll the scheduler until every job is terminal,
reconcile final states against accounting data, and collect the
per-run results into an aggregate report.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Generate scripts without submitting anything")
	submitCmd.Flags().StringSliceVar(&limitBenchmarks, "limit-benchmark", nil,
		"Limit to benchmarks with these names (comma-separated or repeated flag)")
	submitCmd.Flags().StringSliceVar(&metadataLabels, "metadata.label", nil,
		"Add metadata label as key=value (can be repeated)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Merge CLI metadata labels into config (CLI wins on conflict).
	for _, entry := range metadataLabels {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid metadata label %q: must be key=value", entry)
		}

		if cfg.Metadata.Labels == nil {
			cfg.Metadata.Labels = make(map[string]string, len(metadataLabels))
		}

		cfg.Metadata.Labels[k] = v
	}

	benchmarks := filterBenchmarks(cfg.Benchmarks, limitBenchmarks)
	if len(benchmarks) == 0 {
		return fmt.Errorf("no benchmarks match the specified filters")
	}

	if len(benchmarks) != len(cfg.Benchmarks) {
		log.WithFields(logrus.Fields{
			"total":    len(cfg.Benchmarks),
			"filtered": len(benchmarks),
		}).Info("Running filtered benchmarks")

		cfg.Benchmarks = benchmarks
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Setup context with signal handling. Submitted jobs keep running on
	// the cluster when the orchestrator is interrupted; results can be
	// collected afterwards with the collect command.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Warn(
			"Received shutdown signal; submitted jobs keep running (inspect with 'squeue -u $USER', " +
				"cancel with 'scancel'), results can be gathered later with the collect command")
		cancel()
	}()

	experimentDir, err := fsutil.Abs(filepath.Join(
		cfg.Benchmark.ResultsDir,
		"slurm_"+time.Now().Format("20060102_150405"),
	))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(experimentDir, 0o755); err != nil {
		return fmt.Errorf("creating experiment directory: %w", err)
	}

	log.WithField("dir", experimentDir).Info("Experiment directory created")

	meta := metadata.Collect(ctx, log, cfg.Metadata.Labels)
	if err := fsutil.WriteJSON(filepath.Join(experimentDir, "metadata.json"), meta); err != nil {
		return err
	}

	if err := snapshotConfig(cfg, experimentDir); err != nil {
		return err
	}

	// Create S3 uploader if configured, failing fast before submission.
	var uploader upload.Uploader

	if cfg.Upload != nil && cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("S3 upload preflight check failed: %w", err)
		}

		log.Info("S3 upload preflight check passed")
	}

	batchStart := time.Now()

	units, err := buildUnits(cfg, experimentDir)
	if err != nil {
		return err
	}

	log.WithField("units", len(units)).Info("Generated sbatch scripts")

	tracker := batch.NewTracker(log, slurm.NewClient(log, nil), batch.TrackerOptions{
		PollInterval: cfg.Slurm.PollInterval,
		SubmitRate:   cfg.Slurm.SubmitRate,
		SubmitBurst:  cfg.Slurm.SubmitBurst,
		DryRun:       dryRun,
	})

	submitted, failed, err := tracker.SubmitAll(ctx, units)
	if err != nil {
		return fmt.Errorf("submitting batch: %w", err)
	}

	log.WithFields(logrus.Fields{
		"submitted": submitted,
		"failed":    failed,
	}).Info("Batch submitted")

	// Persist the manifest before waiting so an interrupted orchestrator
	// leaves enough behind to collect results later.
	if _, err := batch.WriteManifest(experimentDir, unitManifest(units, meta)); err != nil {
		return err
	}

	if dryRun {
		log.WithField("dir", experimentDir).Info("Dry run complete, no jobs submitted")

		return nil
	}

	// An interrupted wait still reconciles and collects what was observed;
	// only the reconciliation itself degrades to the polled states.
	if err := tracker.AwaitAndReconcile(ctx, cmd.Context()); err != nil {
		log.WithError(err).Warn("Final reconciliation failed, using polled states")
	}

	manifest := unitManifest(units, meta)
	if _, err := batch.WriteManifest(experimentDir, manifest); err != nil {
		return err
	}

	collector := batch.NewCollector(log, experimentDir)
	report := collector.Collect(manifest.Jobs, meta)

	reportPath, err := collector.WriteReport(report)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"report":     reportPath,
		"total_jobs": report.Summary.TotalJobs,
		"successful": report.Summary.Successful,
		"failed":     report.Summary.Failed,
	}).Info("Batch completed")

	if cfg.History.Enabled {
		if err := recordHistory(cfg, experimentDir, reportPath, meta, report, time.Since(batchStart)); err != nil {
			log.WithError(err).Warn("Failed to record experiment history")
		}
	}

	if uploader != nil {
		if err := uploader.Upload(cmd.Context(), experimentDir); err != nil {
			return fmt.Errorf("uploading results: %w", err)
		}
	}

	return nil
}

// buildUnits expands the configuration into one unit per
// (benchmark, node count, run) and generates each unit's sbatch script.
func buildUnits(cfg *config.Config, experimentDir string) ([]*batch.Unit, error) {
	resultTool, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own binary path: %w", err)
	}

	launch := batch.LaunchPlain

	switch {
	case cfg.Benchmark.GDB:
		launch = batch.LaunchGDB
	case cfg.Benchmark.Perf:
		launch = batch.LaunchPerf
	}

	var units []*batch.Unit

	for _, bench := range cfg.Benchmarks {
		for _, nodes := range cfg.Benchmark.NodeCounts {
			for run := 1; run <= cfg.Benchmark.Runs; run++ {
				jobCfg := &batch.JobConfig{
					Benchmark:      bench.Name,
					RunNumber:      run,
					NodeCount:      nodes,
					Threads:        cfg.Benchmark.Threads,
					TimeLimit:      cfg.Slurm.TimeLimit,
					Partition:      cfg.Slurm.Partition,
					Account:        cfg.Slurm.Account,
					ExecutableArts: bench.ExecutableArts,
					ExecutableOmp:  bench.ExecutableOmp,
					ArtsConfigPath: bench.ConfigPath,
					OutputDir:      batch.UnitOutputDir(experimentDir, bench.Name, nodes),
					Size:           cfg.Benchmark.Size,
					Port:           bench.Port,
					Tolerance:      cfg.Benchmark.Tolerance,
					Launch:         launch,
					PerfInterval:   cfg.Benchmark.PerfInterval,
				}

				scriptPath := filepath.Join(jobCfg.OutputDir, fmt.Sprintf("job_%d.sbatch", run))
				if err := batch.GenerateScript(jobCfg, scriptPath, resultTool); err != nil {
					return nil, fmt.Errorf("generating script for %s: %w", jobCfg.JobName(), err)
				}

				units = append(units, &batch.Unit{
					Config:     jobCfg,
					ScriptPath: scriptPath,
				})
			}
		}
	}

	return units, nil
}

// unitManifest assembles the manifest from the tracked units, keyed by
// scheduler job id. Units rejected at submission never got an id and are
// keyed by their job name instead.
func unitManifest(units []*batch.Unit, meta *metadata.Record) *batch.Manifest {
	manifest := &batch.Manifest{
		Metadata: meta,
		Jobs:     make(map[string]*slurm.JobStatus, len(units)),
	}

	for _, unit := range units {
		if unit.Status == nil {
			continue
		}

		key := unit.JobID
		if key == "" {
			key = batch.UnsubmittedKey(unit.Config.JobName())
		}

		manifest.Jobs[key] = unit.Status
	}

	return manifest
}

// snapshotConfig stores the effective configuration next to the results so
// an experiment stays interpretable after the config file changes.
func snapshotConfig(cfg *config.Config, experimentDir string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config snapshot: %w", err)
	}

	path := filepath.Join(experimentDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}

	return nil
}

// recordHistory appends the experiment outcome to the local history store.
func recordHistory(
	cfg *config.Config,
	experimentDir, reportPath string,
	meta *metadata.Record,
	report *batch.Report,
	elapsed time.Duration,
) error {
	store, err := history.Open(log, cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return store.Record(&history.Experiment{
		Directory:   experimentDir,
		Size:        cfg.Benchmark.Size,
		TotalJobs:   report.Summary.TotalJobs,
		Successful:  report.Summary.Successful,
		Failed:      report.Summary.Failed,
		DurationSec: elapsed.Seconds(),
		ReportPath:  reportPath,
		GitCommit:   meta.GitCommit,
	})
}

// filterBenchmarks filters benchmarks by name. If no filter is specified,
// all benchmarks are returned.
func filterBenchmarks(benchmarks []config.BenchmarkEntry, names []string) []config.BenchmarkEntry {
	if len(names) == 0 {
		return benchmarks
	}

	nameSet := make(map[string]struct{}, len(names))
	for _, name := range names {
		nameSet[name] = struct{}{}
	}

	filtered := make([]config.BenchmarkEntry, 0, len(benchmarks))

	for _, bench := range benchmarks {
		if _, ok := nameSet[bench.Name]; !ok {
			continue
		}

		filtered = append(filtered, bench)
	}

	return filtered
}
