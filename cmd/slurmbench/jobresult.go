package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cartslab/slurmbench/pkg/result"
	"github.com/cartslab/slurmbench/pkg/verdict"
)

var jobResultOpts = struct {
	benchmark    string
	runNumber    int
	size         string
	artsExit     int
	artsDuration float64
	ompExit      int
	ompDuration  float64
	counterDir   string
	slurmJobID   string
	slurmNodes   string
	output       string
	tolerance    float64
}{}

var jobResultCmd = &cobra.Command{
	Use:   "job-result",
	Short: "Build a per-run result record inside a batch job",
	Long: `Invoked by generated sbatch scripts as their last step. Parses the
captured workload output, determines the PASS/FAIL verdict, and writes
the per-run result JSON. Always exits zero: the job's exit code must
reflect the workload, and a result record for a failed run is more
useful than a doubly-failed job.`,
	Hidden: true,
	RunE:   runJobResult,
}

func init() {
	rootCmd.AddCommand(jobResultCmd)

	f := jobResultCmd.Flags()
	f.StringVar(&jobResultOpts.benchmark, "benchmark", "", "benchmark name")
	f.IntVar(&jobResultOpts.runNumber, "run-number", 0, "run number within the batch")
	f.StringVar(&jobResultOpts.size, "size", "", "dataset size label")
	f.IntVar(&jobResultOpts.artsExit, "arts-exit", 0, "primary workload exit code")
	f.Float64Var(&jobResultOpts.artsDuration, "arts-duration", 0, "primary workload duration in seconds")
	f.IntVar(&jobResultOpts.ompExit, "omp-exit", verdict.OmpSkippedExit, "baseline exit code (-1 = skipped)")
	f.Float64Var(&jobResultOpts.ompDuration, "omp-duration", 0, "baseline duration in seconds")
	f.StringVar(&jobResultOpts.counterDir, "counter-dir", "", "runtime counter directory")
	f.StringVar(&jobResultOpts.slurmJobID, "slurm-job-id", "", "scheduler job id")
	f.StringVar(&jobResultOpts.slurmNodes, "slurm-nodelist", "", "scheduler node list")
	f.StringVar(&jobResultOpts.output, "output", "", "result file path")
	f.Float64Var(&jobResultOpts.tolerance, "tolerance", verdict.DefaultTolerance,
		"relative checksum tolerance")

	// A truncated invocation must fail loudly rather than produce a
	// run-0, empty-size record.
	for _, name := range []string{
		"benchmark", "run-number", "size",
		"arts-exit", "arts-duration", "omp-exit", "omp-duration",
		"output",
	} {
		_ = jobResultCmd.MarkFlagRequired(name)
	}
}

func runJobResult(cmd *cobra.Command, args []string) error {
	// The scheduler's captured stdout lives next to the result file.
	outputDir := filepath.Dir(jobResultOpts.output)

	record := result.Generate(result.GenerateOpts{
		Benchmark:    jobResultOpts.benchmark,
		RunNumber:    jobResultOpts.runNumber,
		Size:         jobResultOpts.size,
		ArtsExit:     jobResultOpts.artsExit,
		ArtsDuration: jobResultOpts.artsDuration,
		OmpExit:      jobResultOpts.ompExit,
		OmpDuration:  jobResultOpts.ompDuration,
		CounterDir:   jobResultOpts.counterDir,
		SlurmJobID:   jobResultOpts.slurmJobID,
		SlurmNodes:   jobResultOpts.slurmNodes,
		OutputDir:    outputDir,
		Tolerance:    jobResultOpts.tolerance,
	})

	if err := result.Write(jobResultOpts.output, record); err != nil {
		// Still exit zero so the job's exit code reflects the workload.
		log.WithError(err).Error("Failed to write result file")

		return nil
	}

	fmt.Printf("Result written: %s (%s)\n", jobResultOpts.output, record.Status)

	return nil
}
