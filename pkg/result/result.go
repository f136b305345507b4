// Package result defines the per-unit result record and builds it inside
// each scheduled job from the captured workload output.
package result

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cartslab/slurmbench/pkg/fsutil"
	"github.com/cartslab/slurmbench/pkg/parse"
	"github.com/cartslab/slurmbench/pkg/verdict"
)

// Record is the per-unit outcome written by the in-job result generator.
// The collector later merges scheduler linkage fields into a copy; the
// on-disk original is never mutated.
type Record struct {
	Benchmark    string         `json:"benchmark"`
	RunNumber    int            `json:"run_number"`
	Size         string         `json:"size"`
	Timestamp    string         `json:"timestamp"`
	Status       verdict.Status `json:"status"`
	Verification Verification   `json:"verification"`
	Arts         ArtsResult     `json:"arts"`
	Omp          OmpResult      `json:"omp"`
	Slurm        SlurmInfo      `json:"slurm"`
	Speedup      *float64       `json:"speedup"`
}

// Verification holds the verdict note and the checksums it compared.
type Verification struct {
	Note         string  `json:"note"`
	ArtsChecksum *string `json:"arts_checksum"`
	OmpChecksum  *string `json:"omp_checksum"`
}

// ArtsResult captures the primary workload's outcome.
type ArtsResult struct {
	ExitCode      int                `json:"exit_code"`
	DurationSec   float64            `json:"duration_sec"`
	Checksum      *string            `json:"checksum"`
	InitSec       *float64           `json:"init_sec"`
	E2ESec        *float64           `json:"e2e_sec"`
	KernelTimings map[string]float64 `json:"kernel_timings"`
	E2ETimings    map[string]float64 `json:"e2e_timings"`
	InitTimings   map[string]float64 `json:"init_timings"`
}

// OmpResult captures the baseline workload's outcome. Skipped is true for
// multi-node units, where a single-process baseline is not comparable.
type OmpResult struct {
	ExitCode      int                `json:"exit_code"`
	DurationSec   *float64           `json:"duration_sec"`
	Checksum      *string            `json:"checksum"`
	KernelTimings map[string]float64 `json:"kernel_timings"`
	E2ETimings    map[string]float64 `json:"e2e_timings"`
	InitTimings   map[string]float64 `json:"init_timings"`
	Skipped       bool               `json:"skipped"`
}

// SlurmInfo carries the scheduler identity known inside the job.
type SlurmInfo struct {
	JobID    string `json:"job_id"`
	Nodelist string `json:"nodelist"`
}

// GenerateOpts are the inputs to Generate, passed explicitly by the
// generated sbatch script rather than discovered relative to a working
// directory.
type GenerateOpts struct {
	Benchmark    string
	RunNumber    int
	Size         string
	ArtsExit     int
	ArtsDuration float64
	OmpExit      int
	OmpDuration  float64
	CounterDir   string
	SlurmJobID   string
	SlurmNodes   string
	OutputDir    string
	Tolerance    float64
}

// ompMarker separates the primary workload's output from the baseline's in
// the captured job stdout. The generated script prints it before running
// the baseline.
const ompMarker = "[OpenMP]"

// Generate builds a Record from the job's captured output.
func Generate(opts GenerateOpts) *Record {
	if opts.Tolerance == 0 {
		opts.Tolerance = verdict.DefaultTolerance
	}

	stdout := readJobOutput(opts.OutputDir, opts.SlurmJobID)

	artsSection := stdout
	ompSection := ""

	if idx := strings.Index(stdout, ompMarker); idx >= 0 {
		artsSection = stdout[:idx]
		ompSection = stdout[idx:]
	}

	artsChecksum := optString(parse.Checksum(artsSection))

	var initSec, e2eSec *float64
	if opts.CounterDir != "" {
		initSec, e2eSec = parse.CounterTimes(opts.CounterDir)
	}

	ompSkipped := opts.OmpExit == verdict.OmpSkippedExit

	omp := OmpResult{
		ExitCode:      opts.OmpExit,
		KernelTimings: map[string]float64{},
		E2ETimings:    map[string]float64{},
		InitTimings:   map[string]float64{},
		Skipped:       ompSkipped,
	}

	if !ompSkipped {
		omp.DurationSec = &opts.OmpDuration

		if ompSection != "" {
			omp.Checksum = optString(parse.Checksum(ompSection))
			omp.KernelTimings = parse.NamedTimings(ompSection, parse.FamilyKernel)
			omp.E2ETimings = parse.NamedTimings(ompSection, parse.FamilyE2E)
			omp.InitTimings = parse.NamedTimings(ompSection, parse.FamilyInit)
		}
	}

	status, note := verdict.Determine(
		opts.ArtsExit, opts.OmpExit,
		deref(artsChecksum), deref(omp.Checksum),
		opts.Tolerance,
	)

	record := &Record{
		Benchmark: opts.Benchmark,
		RunNumber: opts.RunNumber,
		Size:      opts.Size,
		Timestamp: time.Now().Format(time.RFC3339),
		Status:    status,
		Verification: Verification{
			Note:         note,
			ArtsChecksum: artsChecksum,
			OmpChecksum:  omp.Checksum,
		},
		Arts: ArtsResult{
			ExitCode:      opts.ArtsExit,
			DurationSec:   opts.ArtsDuration,
			Checksum:      artsChecksum,
			InitSec:       initSec,
			E2ESec:        e2eSec,
			KernelTimings: parse.NamedTimings(artsSection, parse.FamilyKernel),
			E2ETimings:    parse.NamedTimings(artsSection, parse.FamilyE2E),
			InitTimings:   parse.NamedTimings(artsSection, parse.FamilyInit),
		},
		Omp: omp,
		Slurm: SlurmInfo{
			JobID:    opts.SlurmJobID,
			Nodelist: opts.SlurmNodes,
		},
	}

	// Speed-up is baseline over primary; undefined when the baseline was
	// skipped or either duration is non-positive.
	if !ompSkipped && opts.OmpDuration > 0 && opts.ArtsDuration > 0 {
		speedup := opts.OmpDuration / opts.ArtsDuration
		record.Speedup = &speedup
	}

	return record
}

// Write writes the record to path as indented JSON.
func Write(path string, record *Record) error {
	return fsutil.WriteJSON(path, record)
}

// Filename returns the per-run result file name.
func Filename(runNumber int) string {
	return fmt.Sprintf("result_%d.json", runNumber)
}

// readJobOutput reads the scheduler's captured stdout for the job,
// best-effort: a missing file yields empty output, not an error.
func readJobOutput(outputDir, jobID string) string {
	if outputDir == "" || jobID == "" {
		return ""
	}

	data, err := os.ReadFile(filepath.Join(outputDir, "slurm-"+jobID+".out"))
	if err != nil {
		return ""
	}

	return string(data)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
