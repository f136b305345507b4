package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cartslab/slurmbench/pkg/slurm"
)

// Scheduler is the scheduler surface the tracker needs. *slurm.Client
// implements it; tests substitute a fake.
type Scheduler interface {
	Submit(ctx context.Context, scriptPath string) (string, error)
	Poll(ctx context.Context, jobIDs []string) (map[string]slurm.State, error)
	Reconcile(ctx context.Context, jobIDs []string) (map[string]*slurm.JobStatus, error)
}

var _ Scheduler = (*slurm.Client)(nil)

// Unit pairs an immutable job config with its generated script and the
// mutable scheduler status tracked for it.
type Unit struct {
	Config     *JobConfig
	ScriptPath string
	JobID      string
	Status     *slurm.JobStatus
	SubmitErr  error
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	PollInterval time.Duration

	// SubmitRate caps submissions per second; SubmitBurst is the limiter
	// burst. A non-positive rate disables throttling.
	SubmitRate  float64
	SubmitBurst int

	// DryRun registers units with synthetic ids instead of submitting.
	DryRun bool
}

// Tracker owns the lifecycle of a batch: submission, polling until every
// unit is terminal, and the final reconciliation against accounting data.
type Tracker struct {
	log       logrus.FieldLogger
	scheduler Scheduler
	limiter   *rate.Limiter
	opts      TrackerOptions

	units []*Unit
	byID  map[string]*Unit
}

// NewTracker creates a batch lifecycle tracker.
func NewTracker(log logrus.FieldLogger, scheduler Scheduler, opts TrackerOptions) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}

	var limiter *rate.Limiter
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst < 1 {
			burst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}

	return &Tracker{
		log:       log.WithField("component", "batch"),
		scheduler: scheduler,
		limiter:   limiter,
		opts:      opts,
		byID:      make(map[string]*Unit),
	}
}

// Units returns all registered units in submission order.
func (t *Tracker) Units() []*Unit {
	return t.units
}

// SubmitAll submits every unit, tolerating per-unit failures: a rejected
// submission is recorded as FAILED and the batch continues. Only context
// cancellation aborts the loop. Returns the number of submitted and failed
// units.
func (t *Tracker) SubmitAll(ctx context.Context, units []*Unit) (submitted, failed int, err error) {
	for _, unit := range units {
		t.units = append(t.units, unit)

		seed := &slurm.JobStatus{
			Benchmark: unit.Config.Benchmark,
			RunNumber: unit.Config.RunNumber,
			NodeCount: unit.Config.NodeCount,
			State:     slurm.StatePending,
		}
		unit.Status = seed

		if t.opts.DryRun {
			unit.JobID = "DRY_" + unit.Config.JobName()
			seed.JobID = unit.JobID
			seed.State = slurm.StateDryRun
			t.byID[unit.JobID] = unit

			t.log.WithFields(logrus.Fields{
				"benchmark": unit.Config.Benchmark,
				"run":       unit.Config.RunNumber,
				"nodes":     unit.Config.NodeCount,
				"script":    unit.ScriptPath,
			}).Info("Dry run: script generated, not submitted")

			continue
		}

		if t.limiter != nil {
			if werr := t.limiter.Wait(ctx); werr != nil {
				return submitted, failed, fmt.Errorf("waiting for submission slot: %w", werr)
			}
		}

		jobID, serr := t.scheduler.Submit(ctx, unit.ScriptPath)
		if serr != nil {
			unit.SubmitErr = serr
			seed.State = slurm.StateFailed
			failed++

			t.log.WithError(serr).WithFields(logrus.Fields{
				"benchmark": unit.Config.Benchmark,
				"run":       unit.Config.RunNumber,
			}).Error("Submission failed")

			continue
		}

		unit.JobID = jobID
		seed.JobID = jobID
		t.byID[jobID] = unit
		submitted++

		t.log.WithFields(logrus.Fields{
			"benchmark": unit.Config.Benchmark,
			"run":       unit.Config.RunNumber,
			"nodes":     unit.Config.NodeCount,
			"job_id":    jobID,
		}).Info("Submitted job")
	}

	return submitted, failed, nil
}

// WaitUntilTerminal polls the scheduler until every tracked unit reaches a
// terminal state. A failed poll leaves states untouched for that round. On
// context cancellation the last observed states are preserved and the
// context error is returned; submitted jobs keep running on the cluster.
func (t *Tracker) WaitUntilTerminal(ctx context.Context) error {
	start := time.Now()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		pending := t.pendingIDs()
		if len(pending) == 0 {
			t.log.WithField("elapsed", units.HumanDuration(time.Since(start))).
				Info("All jobs reached a terminal state")

			return nil
		}

		states, err := t.scheduler.Poll(ctx, pending)
		if err != nil {
			t.log.WithError(err).Warn("Poll failed, states unknown this round")
		} else {
			t.applyStates(states)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pendingIDs returns the job ids of units not yet in a terminal state.
func (t *Tracker) pendingIDs() []string {
	var ids []string

	for _, unit := range t.units {
		if unit.JobID == "" || unit.Status.State.Terminal() {
			continue
		}

		ids = append(ids, unit.JobID)
	}

	return ids
}

// applyStates folds one poll round into the tracked units, logging
// transitions.
func (t *Tracker) applyStates(states map[string]slurm.State) {
	for id, state := range states {
		unit, ok := t.byID[id]
		if !ok {
			continue
		}

		if unit.Status.State == state {
			continue
		}

		t.log.WithFields(logrus.Fields{
			"job_id":    id,
			"benchmark": unit.Config.Benchmark,
			"run":       unit.Config.RunNumber,
			"from":      unit.Status.State,
			"to":        state,
		}).Info("Job state changed")

		unit.Status.State = state
	}
}

// AwaitAndReconcile polls until every unit is terminal, then runs the final
// reconciliation. A cancelled wait stops polling but does not abort the
// batch: the states observed so far are still reconciled and remain
// collectable, using finalCtx since waitCtx is already dead. Jobs keep
// running on the cluster either way.
func (t *Tracker) AwaitAndReconcile(waitCtx, finalCtx context.Context) error {
	if err := t.WaitUntilTerminal(waitCtx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		t.log.Warn("Wait interrupted, reconciling the states observed so far")
	}

	return t.ReconcileFinal(finalCtx)
}

// ReconcileFinal replaces polled states with the scheduler's accounting
// records. The benchmark identity, run number and node count always come
// from the submission-time config; accounting job names are truncated and
// not trusted for identity. Units the accounting system does not know keep
// their last observed state.
func (t *Tracker) ReconcileFinal(ctx context.Context) error {
	var ids []string

	for _, unit := range t.units {
		if unit.JobID == "" || unit.Status.State == slurm.StateDryRun {
			continue
		}

		ids = append(ids, unit.JobID)
	}

	if len(ids) == 0 {
		return nil
	}

	statuses, err := t.scheduler.Reconcile(ctx, ids)
	if err != nil {
		return fmt.Errorf("reconciling final job states: %w", err)
	}

	for _, id := range ids {
		unit := t.byID[id]

		status, ok := statuses[id]
		if !ok {
			t.log.WithField("job_id", id).Warn("Job missing from accounting data, keeping polled state")

			continue
		}

		status.Benchmark = unit.Config.Benchmark
		status.RunNumber = unit.Config.RunNumber
		status.NodeCount = unit.Config.NodeCount
		unit.Status = status
	}

	return nil
}
