package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbs(t *testing.T) {
	abs, err := Abs("relative/path")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	empty, err := Abs("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestWriteReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, WriteJSON(path, payload{Name: "gemm", Count: 3}))

	var got payload
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, payload{Name: "gemm", Count: 3}, got)
}

func TestWriteScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs", "job_1.sbatch")

	require.NoError(t, WriteScript(path, "#!/bin/bash\necho hi\n"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "script must be executable")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "echo hi")
}
