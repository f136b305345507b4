package parse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "explicit checksum line",
			output: "some output\nchecksum: 42.5\ndone",
			want:   "42.5",
		},
		{
			name:   "last match wins across intermediate checksums",
			output: "checksum: 1.0\nmore work\nchecksum: 2.0\nchecksum: 3.5\n",
			want:   "3.5",
		},
		{
			name:   "equals form",
			output: "checksum=1.25e+03",
			want:   "1.25e+03",
		},
		{
			name:   "result keyword",
			output: "result: 99.9",
			want:   "99.9",
		},
		{
			name:   "rms error with paren",
			output: "RMS error (0.00042)",
			want:   "0.00042",
		},
		{
			name:   "checksum pattern beats later sum pattern",
			output: "checksum: 7.0\nsum: 8.0\n",
			want:   "7.0",
		},
		{
			name:   "bare numeric line",
			output: "starting\n12345.678\n",
			want:   "12345.678",
		},
		{
			name:   "fallback to last numeric line",
			output: "warmup done\nnothing here\n-1.5e-3  \n",
			want:   "-1.5e-3",
		},
		{
			name:   "no candidate",
			output: "hello world\nno numbers here",
			want:   "",
		},
		{
			name:   "empty output",
			output: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Checksum(tt.output))
		})
	}
}

func TestNamedTimings(t *testing.T) {
	output := `
kernel.gemm: 1.5s
kernel.init_phase: 0.25
e2e.total: 10.125s
init.setup: 0.5s
kernel.bad: not-a-number
kernel.gemm: 2.5s
`

	kernel := NamedTimings(output, FamilyKernel)
	assert.Equal(t, map[string]float64{
		"gemm":       2.5, // last occurrence wins
		"init_phase": 0.25,
	}, kernel)

	e2e := NamedTimings(output, FamilyE2E)
	assert.Equal(t, map[string]float64{"total": 10.125}, e2e)

	init := NamedTimings(output, FamilyInit)
	assert.Equal(t, map[string]float64{"setup": 0.5}, init)
}

func TestNamedTimings_UnparsableValueSkipped(t *testing.T) {
	output := "kernel.a: xyz\nkernel.b: 1.0s\n"

	timings := NamedTimings(output, FamilyKernel)
	assert.Equal(t, map[string]float64{"b": 1.0}, timings)
}

func TestNamedTimings_FamilyIsolation(t *testing.T) {
	output := "kernel.x: 1.0s\ne2e.x: 2.0s\n"

	assert.Equal(t, map[string]float64{"x": 1.0}, NamedTimings(output, FamilyKernel))
	assert.Equal(t, map[string]float64{"x": 2.0}, NamedTimings(output, FamilyE2E))
}

func TestCounterTimes(t *testing.T) {
	dir := t.TempDir()

	content := `{
  "counters": {
    "initializationTime": {"value_ms": 1500},
    "endToEndTime": {"value_ms": 30250}
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cluster.json"), []byte(content), 0o644))

	initSec, e2eSec := CounterTimes(dir)
	require.NotNil(t, initSec)
	require.NotNil(t, e2eSec)
	assert.InDelta(t, 1.5, *initSec, 1e-9)
	assert.InDelta(t, 30.25, *e2eSec, 1e-9)
}

func TestCounterTimes_Degraded(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		initSec, e2eSec := CounterTimes(t.TempDir())
		assert.Nil(t, initSec)
		assert.Nil(t, e2eSec)
	})

	t.Run("malformed json", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cluster.json"), []byte("{not json"), 0o644))

		initSec, e2eSec := CounterTimes(dir)
		assert.Nil(t, initSec)
		assert.Nil(t, e2eSec)
	})

	t.Run("missing keys", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cluster.json"), []byte(`{"counters":{}}`), 0o644))

		initSec, e2eSec := CounterTimes(dir)
		assert.Nil(t, initSec)
		assert.Nil(t, e2eSec)
	})

	t.Run("partial keys", func(t *testing.T) {
		dir := t.TempDir()
		content := `{"counters": {"endToEndTime": {"value_ms": 1000}}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cluster.json"), []byte(content), 0o644))

		initSec, e2eSec := CounterTimes(dir)
		assert.Nil(t, initSec)
		require.NotNil(t, e2eSec)
		assert.InDelta(t, 1.0, *e2eSec, 1e-9)
	})
}
