// Package batch generates scheduling units for a benchmark batch, tracks
// their lifecycle on the scheduler, and collects their results.
package batch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/cartslab/slurmbench/pkg/fsutil"
	"github.com/cartslab/slurmbench/pkg/slurm"
	"github.com/cartslab/slurmbench/pkg/verdict"
)

// LaunchMode selects how the primary workload is invoked. The modes are
// mutually exclusive by construction.
type LaunchMode int

const (
	// LaunchPlain runs the workload directly under srun.
	LaunchPlain LaunchMode = iota

	// LaunchGDB wraps the workload in gdb with an automatic backtrace on
	// crash.
	LaunchGDB

	// LaunchPerf wraps the workload in perf stat sampling a fixed hardware
	// counter event set.
	LaunchPerf
)

// perfEvents is the fixed hardware counter set sampled in LaunchPerf mode.
var perfEvents = []string{
	"cache-references",
	"cache-misses",
	"L1-dcache-loads",
	"L1-dcache-load-misses",
	"L1-icache-loads",
	"L1-icache-load-misses",
	"dTLB-loads",
	"dTLB-load-misses",
	"iTLB-loads",
	"iTLB-load-misses",
}

// JobConfig is the immutable description of one (benchmark, run) scheduling
// unit. It is created once before submission and never mutated.
type JobConfig struct {
	Benchmark      string
	RunNumber      int
	NodeCount      int
	Threads        int
	TimeLimit      string
	Partition      string
	Account        string
	ExecutableArts string
	ExecutableOmp  string
	ArtsConfigPath string
	OutputDir      string
	Size           string
	Port           string
	Tolerance      float64
	Launch         LaunchMode
	PerfInterval   time.Duration
}

// Validate checks the unit configuration before script generation.
func (c *JobConfig) Validate() error {
	if c.Benchmark == "" {
		return fmt.Errorf("benchmark name is required")
	}

	if c.RunNumber < 1 {
		return fmt.Errorf("run number must be positive, got %d", c.RunNumber)
	}

	if c.NodeCount < 1 {
		return fmt.Errorf("node count must be positive, got %d", c.NodeCount)
	}

	if c.ExecutableArts == "" {
		return fmt.Errorf("primary executable is required")
	}

	if c.Launch == LaunchPerf && c.PerfInterval <= 0 {
		return fmt.Errorf("perf interval must be positive in perf mode")
	}

	return nil
}

// JobName returns the scheduler-visible name encoding the unit's identity.
func (c *JobConfig) JobName() string {
	return slurm.EncodeJobName(c.Benchmark, c.NodeCount, c.RunNumber)
}

// ResultPath returns the per-run result file the in-job generator writes.
func (c *JobConfig) ResultPath() string {
	return filepath.Join(c.OutputDir, fmt.Sprintf("result_%d.json", c.RunNumber))
}

// scriptTemplate renders one self-contained sbatch script. Every path is
// absolute: the job may run from any working directory.
var scriptTemplate = template.Must(template.New("sbatch").Parse(`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --nodes={{.NodeCount}}
#SBATCH --ntasks-per-node=1
#SBATCH --cpus-per-task={{.Threads}}
#SBATCH --exclusive
#SBATCH --time={{.TimeLimit}}
{{- if .Partition}}
#SBATCH --partition={{.Partition}}
{{- end}}
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
#SBATCH --output={{.OutputDir}}/slurm-%j.out
#SBATCH --error={{.OutputDir}}/slurm-%j.err

# Benchmark: {{.Benchmark}}
# Run: {{.RunNumber}}
# Generated: {{.Timestamp}}

set -e

# Create per-run counter directory
COUNTER_DIR="{{.CounterDir}}"
mkdir -p "$COUNTER_DIR"

{{.PerfDirSection}}

# Generate per-run arts.cfg with the run's counterFolder
# (the shared arts.cfg is copied and patched, never mutated)
{{- if .ArtsConfigPath}}
sed -e "s|^counterFolder=.*|counterFolder=$COUNTER_DIR|" {{.PortSed}}"{{.ArtsConfigPath}}" > "{{.RuntimeCfg}}"
export artsConfig="{{.RuntimeCfg}}"
{{- end}}
export CARTS_BENCHMARKS_REPORT_INIT=1

echo "=========================================="
echo "Benchmark: {{.Benchmark}}"
echo "Run: {{.RunNumber}}"
echo "Job ID: $SLURM_JOB_ID"
echo "Nodes: $SLURM_JOB_NODELIST"
echo "Node Count: $SLURM_NNODES"
echo "Counter Dir: $COUNTER_DIR"
echo "Start: $(date -Iseconds)"
echo "=========================================="

# Workload exit codes are captured, not fatal to the script: the result
# generator below must run even when a workload fails.
set +e

# Run ARTS benchmark
echo ""
echo "[ARTS] Running benchmark..."
ARTS_START=$(date +%s.%N)
{{.SrunCommand}}
ARTS_EXIT=$?
ARTS_END=$(date +%s.%N)
ARTS_DURATION=$(echo "$ARTS_END - $ARTS_START" | bc)
echo "[ARTS] Exit code: $ARTS_EXIT"
echo "[ARTS] Duration: $ARTS_DURATION seconds"

# Run OpenMP benchmark (single-node only - skip for multi-node)
OMP_EXIT=-1
OMP_DURATION=0
{{.OmpSection}}

echo ""
echo "=========================================="
echo "End: $(date -Iseconds)"
echo "=========================================="

# Generate result JSON
"{{.ResultTool}}" job-result \
    --benchmark "{{.Benchmark}}" \
    --run-number {{.RunNumber}} \
    --size "{{.Size}}" \
    --arts-exit $ARTS_EXIT \
    --arts-duration $ARTS_DURATION \
    --omp-exit $OMP_EXIT \
    --omp-duration $OMP_DURATION \
    --counter-dir "$COUNTER_DIR" \
    --slurm-job-id "$SLURM_JOB_ID" \
    --slurm-nodelist "$SLURM_JOB_NODELIST" \
    --tolerance {{.Tolerance}} \
    --output "{{.ResultJSON}}"

exit $ARTS_EXIT
`))

// ompSectionTemplate runs the baseline only on a single node and only when
// the executable exists; multi-node baseline comparison is not
// apples-to-apples.
var ompSectionTemplate = template.Must(template.New("omp").Parse(`
if [ {{.NodeCount}} -eq 1 ] && [ -x "{{.ExecutableOmp}}" ]; then
    echo ""
    echo "[OpenMP] Running benchmark..."
    export OMP_NUM_THREADS={{.Threads}}
    export OMP_WAIT_POLICY=ACTIVE
    OMP_START=$(date +%s.%N)
    {{.OmpRunCommand}}
    OMP_EXIT=$?
    OMP_END=$(date +%s.%N)
    OMP_DURATION=$(echo "$OMP_END - $OMP_START" | bc)
    echo "[OpenMP] Exit code: $OMP_EXIT"
    echo "[OpenMP] Duration: $OMP_DURATION seconds"
else
    echo "[OpenMP] Skipped (multi-node or executable not found)"
fi`))

// scriptData is the fixed slot schema filled from a validated JobConfig.
type scriptData struct {
	JobName        string
	NodeCount      int
	Threads        int
	TimeLimit      string
	Partition      string
	Account        string
	OutputDir      string
	Benchmark      string
	RunNumber      int
	Timestamp      string
	CounterDir     string
	PerfDirSection string
	ArtsConfigPath string
	RuntimeCfg     string
	PortSed        string
	SrunCommand    string
	OmpSection     string
	ResultTool     string
	ResultJSON     string
	Size           string
	Tolerance      string
}

// GenerateScript renders the sbatch script for one unit and writes it to
// scriptPath with the executable bit set. resultTool is the absolute path
// of the binary whose job-result subcommand the script invokes.
func GenerateScript(cfg *JobConfig, scriptPath, resultTool string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating job config: %w", err)
	}

	outputDir, err := fsutil.Abs(cfg.OutputDir)
	if err != nil {
		return err
	}

	artsExe, err := fsutil.Abs(cfg.ExecutableArts)
	if err != nil {
		return err
	}

	ompExe, err := fsutil.Abs(cfg.ExecutableOmp)
	if err != nil {
		return err
	}

	artsCfg, err := fsutil.Abs(cfg.ArtsConfigPath)
	if err != nil {
		return err
	}

	tool, err := fsutil.Abs(resultTool)
	if err != nil {
		return err
	}

	counterDir := filepath.Join(outputDir, fmt.Sprintf("counters_%d", cfg.RunNumber))
	runtimeCfg := filepath.Join(outputDir, fmt.Sprintf("arts_%d.cfg", cfg.RunNumber))
	resultJSON := filepath.Join(outputDir, fmt.Sprintf("result_%d.json", cfg.RunNumber))
	perfDir := filepath.Join(outputDir, fmt.Sprintf("perf_%d", cfg.RunNumber))

	data := scriptData{
		JobName:        cfg.JobName(),
		NodeCount:      cfg.NodeCount,
		Threads:        cfg.Threads,
		TimeLimit:      cfg.TimeLimit,
		Partition:      cfg.Partition,
		Account:        cfg.Account,
		OutputDir:      outputDir,
		Benchmark:      cfg.Benchmark,
		RunNumber:      cfg.RunNumber,
		Timestamp:      time.Now().Format(time.RFC3339),
		CounterDir:     counterDir,
		PerfDirSection: perfDirSection(cfg.Launch, perfDir),
		ArtsConfigPath: artsCfg,
		RuntimeCfg:     runtimeCfg,
		PortSed:        portSed(cfg.Port),
		SrunCommand:    srunCommand(cfg, artsExe, perfDir),
		OmpSection:     ompSection(cfg, ompExe, perfDir),
		ResultTool:     tool,
		ResultJSON:     resultJSON,
		Size:           cfg.Size,
		Tolerance:      toleranceArg(cfg.Tolerance),
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering sbatch script: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	return fsutil.WriteScript(scriptPath, buf.String())
}

// toleranceArg formats the checksum tolerance passed to job-result, falling
// back to the default when the unit config left it unset.
func toleranceArg(tolerance float64) string {
	if tolerance <= 0 {
		tolerance = verdict.DefaultTolerance
	}

	return strconv.FormatFloat(tolerance, 'g', -1, 64)
}

// perfDirSection creates the perf output directory only in perf mode.
func perfDirSection(mode LaunchMode, perfDir string) string {
	if mode != LaunchPerf {
		return "# Perf profiling disabled"
	}

	return fmt.Sprintf("# Create per-run perf directory\nPERF_DIR=%q\nmkdir -p \"$PERF_DIR\"", perfDir)
}

// portSed adds the per-unit port override to the config patch pipeline.
func portSed(port string) string {
	if port == "" {
		return ""
	}

	return fmt.Sprintf(`-e "s|^port=.*|port=%s|" `, port)
}

// srunCommand builds the primary workload invocation for the configured
// launch mode.
func srunCommand(cfg *JobConfig, artsExe, perfDir string) string {
	switch cfg.Launch {
	case LaunchGDB:
		return fmt.Sprintf(
			`srun --exclusive bash -c 'gdb --batch -ex run -ex "thread apply all bt" -ex quit --args %s'`,
			artsExe,
		)
	case LaunchPerf:
		// perfDir is baked as an absolute path at generation time;
		// ${SLURM_PROCID} is expanded by the inner bash per task.
		return fmt.Sprintf(
			"srun --exclusive bash -c 'perf stat -e %s -I %d -x , -o %s/arts_node_${SLURM_PROCID}.csv -- %s'",
			strings.Join(perfEvents, ","),
			cfg.PerfInterval.Milliseconds(),
			perfDir,
			artsExe,
		)
	default:
		return "srun --exclusive " + artsExe
	}
}

// ompSection builds the conditional baseline invocation, or a comment when
// the baseline cannot run.
func ompSection(cfg *JobConfig, ompExe, perfDir string) string {
	if cfg.NodeCount > 1 {
		return "# OpenMP skipped (multi-node run - not a fair comparison)"
	}

	if ompExe == "" {
		return "# OpenMP skipped (executable not specified)"
	}

	runCommand := ompExe
	if cfg.Launch == LaunchPerf {
		runCommand = fmt.Sprintf(
			"perf stat -e %s -I %d -x , -o %s/omp.csv -- %s",
			strings.Join(perfEvents, ","),
			cfg.PerfInterval.Milliseconds(),
			perfDir,
			ompExe,
		)
	}

	var buf bytes.Buffer

	err := ompSectionTemplate.Execute(&buf, struct {
		NodeCount     int
		Threads       int
		ExecutableOmp string
		OmpRunCommand string
	}{
		NodeCount:     cfg.NodeCount,
		Threads:       cfg.Threads,
		ExecutableOmp: ompExe,
		OmpRunCommand: runCommand,
	})
	if err != nil {
		// The template and data are fixed at compile time.
		panic(err)
	}

	return buf.String()
}
