package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseJobConfig(t *testing.T) *JobConfig {
	t.Helper()

	dir := t.TempDir()

	return &JobConfig{
		Benchmark:      "polybench/gemm",
		RunNumber:      1,
		NodeCount:      1,
		Threads:        16,
		TimeLimit:      "01:00:00",
		ExecutableArts: filepath.Join(dir, "gemm_arts"),
		ExecutableOmp:  filepath.Join(dir, "gemm_omp"),
		ArtsConfigPath: filepath.Join(dir, "arts.cfg"),
		OutputDir:      filepath.Join(dir, "out"),
		Size:           "small",
	}
}

func renderScript(t *testing.T, cfg *JobConfig) string {
	t.Helper()

	scriptPath := filepath.Join(t.TempDir(), "job.sbatch")
	require.NoError(t, GenerateScript(cfg, scriptPath, "/usr/local/bin/slurmbench"))

	info, err := os.Stat(scriptPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "script must be executable")

	data, err := os.ReadFile(scriptPath)
	require.NoError(t, err)

	return string(data)
}

func TestGenerateScript_SingleNode(t *testing.T) {
	cfg := baseJobConfig(t)
	script := renderScript(t, cfg)

	assert.Contains(t, script, "#SBATCH --job-name=polybench_gemm_n1_r1")
	assert.Contains(t, script, "#SBATCH --nodes=1")
	assert.Contains(t, script, "#SBATCH --cpus-per-task=16")
	assert.Contains(t, script, "#SBATCH --exclusive")
	assert.Contains(t, script, "#SBATCH --time=01:00:00")
	assert.NotContains(t, script, "#SBATCH --partition")
	assert.NotContains(t, script, "#SBATCH --account")

	// Workload invocation and baseline gate.
	assert.Contains(t, script, "srun --exclusive "+cfg.ExecutableArts)
	assert.Contains(t, script, "if [ 1 -eq 1 ] && [ -x \""+cfg.ExecutableOmp+"\" ]; then")
	assert.Contains(t, script, "export OMP_NUM_THREADS=16")
	assert.Contains(t, script, "[OpenMP] Running benchmark...")

	// Per-run config patch.
	assert.Contains(t, script, "counterFolder=$COUNTER_DIR")
	assert.Contains(t, script, "arts_1.cfg")
	assert.NotContains(t, script, "port=")

	// Result generation and exit propagation.
	assert.Contains(t, script, `"/usr/local/bin/slurmbench" job-result`)
	assert.Contains(t, script, "--arts-exit $ARTS_EXIT")
	assert.Contains(t, script, "--tolerance 0.01")
	assert.Contains(t, script, "result_1.json")
	assert.Contains(t, script, "exit $ARTS_EXIT")
}

func TestGenerateScript_ConfiguredTolerance(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.Tolerance = 0.05

	script := renderScript(t, cfg)

	// The in-job verdict must use the configured tolerance, not the default.
	assert.Contains(t, script, "--tolerance 0.05")
	assert.NotContains(t, script, "--tolerance 0.01")
}

func TestGenerateScript_MultiNodeSkipsBaseline(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.NodeCount = 4
	cfg.RunNumber = 3

	script := renderScript(t, cfg)

	assert.Contains(t, script, "#SBATCH --nodes=4")
	assert.Contains(t, script, "--job-name=polybench_gemm_n4_r3")
	assert.Contains(t, script, "# OpenMP skipped (multi-node run")
	assert.NotContains(t, script, "[OpenMP] Running benchmark...")

	// Baseline exit stays at the skip sentinel.
	assert.Contains(t, script, "OMP_EXIT=-1")
}

func TestGenerateScript_PartitionAccountPort(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.Partition = "compute"
	cfg.Account = "proj42"
	cfg.Port = "7599"

	script := renderScript(t, cfg)

	assert.Contains(t, script, "#SBATCH --partition=compute")
	assert.Contains(t, script, "#SBATCH --account=proj42")
	assert.Contains(t, script, `s|^port=.*|port=7599|`)
}

func TestGenerateScript_GDBMode(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.Launch = LaunchGDB

	script := renderScript(t, cfg)

	assert.Contains(t, script, "gdb --batch -ex run")
	assert.Contains(t, script, "thread apply all bt")
	assert.NotContains(t, script, "perf stat")
}

func TestGenerateScript_PerfMode(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.Launch = LaunchPerf
	cfg.PerfInterval = 250 * time.Millisecond

	script := renderScript(t, cfg)

	assert.Contains(t, script, "perf stat -e cache-references,cache-misses")
	assert.Contains(t, script, "iTLB-load-misses")
	assert.Contains(t, script, "-I 250")
	assert.Contains(t, script, "arts_node_${SLURM_PROCID}.csv")
	assert.Contains(t, script, "mkdir -p \"$PERF_DIR\"")

	// Single-node perf also wraps the baseline.
	assert.Contains(t, script, "omp.csv")
}

func TestGenerateScript_NoBaselineExecutable(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.ExecutableOmp = ""

	script := renderScript(t, cfg)

	assert.Contains(t, script, "# OpenMP skipped (executable not specified)")
}

func TestJobConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobConfig)
		wantErr string
	}{
		{
			name:    "missing benchmark",
			mutate:  func(c *JobConfig) { c.Benchmark = "" },
			wantErr: "benchmark name",
		},
		{
			name:    "zero run number",
			mutate:  func(c *JobConfig) { c.RunNumber = 0 },
			wantErr: "run number",
		},
		{
			name:    "zero nodes",
			mutate:  func(c *JobConfig) { c.NodeCount = 0 },
			wantErr: "node count",
		},
		{
			name:    "missing executable",
			mutate:  func(c *JobConfig) { c.ExecutableArts = "" },
			wantErr: "primary executable",
		},
		{
			name: "perf without interval",
			mutate: func(c *JobConfig) {
				c.Launch = LaunchPerf
				c.PerfInterval = 0
			},
			wantErr: "perf interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseJobConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJobConfigResultPath(t *testing.T) {
	cfg := baseJobConfig(t)
	cfg.RunNumber = 7

	assert.Equal(t, filepath.Join(cfg.OutputDir, "result_7.json"), cfg.ResultPath())
}
