package history

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store, err := Open(log, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestRecordAndList(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Record(&Experiment{
		Directory:  "results/slurm_20260831_100000",
		Size:       "small",
		TotalJobs:  10,
		Successful: 9,
		Failed:     1,
	}))
	require.NoError(t, store.Record(&Experiment{
		Directory:  "results/slurm_20260831_110000",
		Size:       "large",
		TotalJobs:  4,
		Successful: 4,
	}))

	experiments, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, experiments, 2)

	// Newest first.
	assert.Equal(t, "results/slurm_20260831_110000", experiments[0].Directory)
	assert.Equal(t, 4, experiments[0].Successful)
	assert.Equal(t, 1, experiments[1].Failed)
}

func TestListLimit(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(&Experiment{Directory: "d", TotalJobs: i}))
	}

	experiments, err := store.List(2)
	require.NoError(t, err)
	assert.Len(t, experiments, 2)
}

func TestOpen_BadPath(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	_, err := Open(log, filepath.Join(t.TempDir(), "missing", "deep", "history.db"))
	assert.Error(t, err)
}
