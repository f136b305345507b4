package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartslab/slurmbench/pkg/slurm"
)

// fakeScheduler scripts scheduler behavior per call.
type fakeScheduler struct {
	submitIDs  []string
	submitErrs []error
	submits    int

	pollRounds []map[string]slurm.State
	pollErrs   []error
	polls      int

	reconciled map[string]*slurm.JobStatus
}

func (f *fakeScheduler) Submit(_ context.Context, _ string) (string, error) {
	i := f.submits
	f.submits++

	if i < len(f.submitErrs) && f.submitErrs[i] != nil {
		return "", f.submitErrs[i]
	}

	return f.submitIDs[i], nil
}

func (f *fakeScheduler) Poll(_ context.Context, _ []string) (map[string]slurm.State, error) {
	i := f.polls
	f.polls++

	if i < len(f.pollErrs) && f.pollErrs[i] != nil {
		return nil, f.pollErrs[i]
	}

	if i >= len(f.pollRounds) {
		i = len(f.pollRounds) - 1
	}

	return f.pollRounds[i], nil
}

func (f *fakeScheduler) Reconcile(_ context.Context, _ []string) (map[string]*slurm.JobStatus, error) {
	return f.reconciled, nil
}

func testUnits(t *testing.T, n int) []*Unit {
	t.Helper()

	units := make([]*Unit, n)
	for i := range units {
		units[i] = &Unit{
			Config: &JobConfig{
				Benchmark:      "gemm",
				RunNumber:      i + 1,
				NodeCount:      2,
				ExecutableArts: "/build/gemm_arts",
			},
			ScriptPath: fmt.Sprintf("/scripts/job_%d.sbatch", i+1),
		}
	}

	return units
}

func newTestTracker(sched Scheduler, opts TrackerOptions) *Tracker {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}

	return NewTracker(log, sched, opts)
}

func TestSubmitAll_ToleratesFailures(t *testing.T) {
	sched := &fakeScheduler{
		submitIDs:  []string{"100", "", "102"},
		submitErrs: []error{nil, fmt.Errorf("sbatch rejected"), nil},
	}
	tracker := newTestTracker(sched, TrackerOptions{})

	units := testUnits(t, 3)
	submitted, failed, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)

	assert.Equal(t, 2, submitted)
	assert.Equal(t, 1, failed)

	assert.Equal(t, "100", units[0].JobID)
	assert.Equal(t, slurm.StatePending, units[0].Status.State)

	assert.Empty(t, units[1].JobID)
	assert.Error(t, units[1].SubmitErr)
	assert.Equal(t, slurm.StateFailed, units[1].Status.State)

	assert.Equal(t, "102", units[2].JobID)
}

func TestSubmitAll_DryRun(t *testing.T) {
	sched := &fakeScheduler{}
	tracker := newTestTracker(sched, TrackerOptions{DryRun: true})

	units := testUnits(t, 2)
	submitted, failed, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)

	assert.Zero(t, submitted)
	assert.Zero(t, failed)
	assert.Zero(t, sched.submits, "dry run must not touch the scheduler")

	assert.Equal(t, "DRY_gemm_n2_r1", units[0].JobID)
	assert.Equal(t, slurm.StateDryRun, units[0].Status.State)
	assert.True(t, units[0].Status.State.Terminal())
}

func TestWaitUntilTerminal(t *testing.T) {
	sched := &fakeScheduler{
		submitIDs: []string{"100", "101"},
		pollRounds: []map[string]slurm.State{
			{"100": slurm.StateRunning, "101": slurm.StatePending},
			{"100": slurm.StateCompleted, "101": slurm.StateRunning},
			{"101": slurm.StateFailed},
		},
	}
	tracker := newTestTracker(sched, TrackerOptions{})

	units := testUnits(t, 2)
	_, _, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)

	require.NoError(t, tracker.WaitUntilTerminal(context.Background()))

	assert.Equal(t, slurm.StateCompleted, units[0].Status.State)
	assert.Equal(t, slurm.StateFailed, units[1].Status.State)
}

func TestWaitUntilTerminal_PollErrorDoesNotRegress(t *testing.T) {
	sched := &fakeScheduler{
		submitIDs: []string{"100"},
		pollErrs:  []error{nil, fmt.Errorf("squeue timed out")},
		pollRounds: []map[string]slurm.State{
			{"100": slurm.StateRunning},
			nil,
			{"100": slurm.StateCompleted},
		},
	}
	tracker := newTestTracker(sched, TrackerOptions{})

	units := testUnits(t, 1)
	_, _, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)

	require.NoError(t, tracker.WaitUntilTerminal(context.Background()))
	assert.Equal(t, slurm.StateCompleted, units[0].Status.State)
	assert.GreaterOrEqual(t, sched.polls, 3)
}

func TestWaitUntilTerminal_ContextCancelPreservesStates(t *testing.T) {
	sched := &fakeScheduler{
		submitIDs: []string{"100"},
		pollRounds: []map[string]slurm.State{
			{"100": slurm.StateRunning},
		},
	}
	tracker := newTestTracker(sched, TrackerOptions{PollInterval: time.Hour})

	units := testUnits(t, 1)
	_, _, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = tracker.WaitUntilTerminal(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The last observed state survives the interruption.
	assert.Equal(t, slurm.StateRunning, units[0].Status.State)
}

func TestAwaitAndReconcile_InterruptStillReconciles(t *testing.T) {
	exitCode := 0
	sched := &fakeScheduler{
		submitIDs: []string{"100"},
		pollRounds: []map[string]slurm.State{
			{"100": slurm.StateRunning},
		},
		reconciled: map[string]*slurm.JobStatus{
			"100": {
				JobID:    "100",
				State:    slurm.StateCancelled,
				ExitCode: &exitCode,
				Elapsed:  "00:00:10",
			},
		},
	}
	tracker := newTestTracker(sched, TrackerOptions{PollInterval: time.Hour})

	units := testUnits(t, 1)
	_, _, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The cancelled wait must not discard what was observed: accounting
	// data still replaces the polled states.
	require.NoError(t, tracker.AwaitAndReconcile(ctx, context.Background()))

	status := units[0].Status
	assert.Equal(t, slurm.StateCancelled, status.State)
	assert.Equal(t, "00:00:10", status.Elapsed)
	assert.Equal(t, "gemm", status.Benchmark)
	assert.Equal(t, 1, status.RunNumber)
}

func TestReconcileFinal_PreservesIdentity(t *testing.T) {
	exitCode := 0
	sched := &fakeScheduler{
		submitIDs: []string{"100"},
		pollRounds: []map[string]slurm.State{
			{"100": slurm.StateCompleted},
		},
		reconciled: map[string]*slurm.JobStatus{
			"100": {
				JobID:     "100",
				Benchmark: "gemm_n2_r1_trunc", // accounting truncates names
				RunNumber: 99,
				NodeCount: 1,
				State:     slurm.StateCompleted,
				ExitCode:  &exitCode,
				Elapsed:   "00:01:23",
				NodeList:  "node[001-002]",
			},
		},
	}
	tracker := newTestTracker(sched, TrackerOptions{})

	units := testUnits(t, 1)
	_, _, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)
	require.NoError(t, tracker.WaitUntilTerminal(context.Background()))
	require.NoError(t, tracker.ReconcileFinal(context.Background()))

	status := units[0].Status
	assert.Equal(t, "gemm", status.Benchmark)
	assert.Equal(t, 1, status.RunNumber)
	assert.Equal(t, 2, status.NodeCount)
	assert.Equal(t, "00:01:23", status.Elapsed)
	assert.Equal(t, "node[001-002]", status.NodeList)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 0, *status.ExitCode)
}

func TestReconcileFinal_MissingJobKeepsPolledState(t *testing.T) {
	sched := &fakeScheduler{
		submitIDs: []string{"100"},
		pollRounds: []map[string]slurm.State{
			{"100": slurm.StateCompleted},
		},
		reconciled: map[string]*slurm.JobStatus{},
	}
	tracker := newTestTracker(sched, TrackerOptions{})

	units := testUnits(t, 1)
	_, _, err := tracker.SubmitAll(context.Background(), units)
	require.NoError(t, err)
	require.NoError(t, tracker.WaitUntilTerminal(context.Background()))
	require.NoError(t, tracker.ReconcileFinal(context.Background()))

	assert.Equal(t, slurm.StateCompleted, units[0].Status.State)
}
