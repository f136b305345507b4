// Package slurm speaks the scheduler's command-line protocol: sbatch for
// submission, squeue for live polling, sacct for post-hoc reconciliation.
// The scheduler itself is a black box; everything here parses its
// string-based, eventually-consistent replies.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	sbatchBinary = "sbatch"
	squeueBinary = "squeue"
	sacctBinary  = "sacct"

	// DefaultPollTimeout bounds a single squeue query.
	DefaultPollTimeout = 30 * time.Second

	// DefaultReconcileTimeout bounds the final sacct query.
	DefaultReconcileTimeout = 60 * time.Second
)

// CommandRunner executes a scheduler CLI command. Tests substitute a fake
// so no scheduler is needed.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// execRunner runs commands via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.Bytes(), stderr.Bytes(), err
}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

// Client wraps the scheduler's CLI protocol.
type Client struct {
	log              logrus.FieldLogger
	runner           CommandRunner
	pollTimeout      time.Duration
	reconcileTimeout time.Duration
}

// NewClient creates a scheduler client. A nil runner defaults to os/exec.
func NewClient(log logrus.FieldLogger, runner CommandRunner) *Client {
	if runner == nil {
		runner = execRunner{}
	}

	return &Client{
		log:              log.WithField("component", "slurm"),
		runner:           runner,
		pollTimeout:      DefaultPollTimeout,
		reconcileTimeout: DefaultReconcileTimeout,
	}
}

// Submit submits an sbatch script and returns the scheduler-issued job id.
// The scheduler's rejection message is surfaced verbatim on failure.
func (c *Client) Submit(ctx context.Context, scriptPath string) (string, error) {
	stdout, stderr, err := c.runner.Run(ctx, sbatchBinary, "--parsable", scriptPath)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}

		if msg != "" {
			return "", fmt.Errorf("sbatch rejected %s: %s: %w", scriptPath, msg, err)
		}

		return "", fmt.Errorf("running sbatch for %s: %w", scriptPath, err)
	}

	// --parsable prints "jobid" or "jobid;cluster".
	jobID, _, _ := strings.Cut(strings.TrimSpace(string(stdout)), ";")
	if jobID == "" {
		return "", fmt.Errorf("sbatch returned no job id for %s", scriptPath)
	}

	return jobID, nil
}

// Poll queries squeue for the live state of the given jobs. Ids absent from
// the response are reported as COMPLETED provisionally: the scheduler purges
// finished jobs from its live queue, and the final reconciliation corrects
// the guess. A failed or timed-out query returns an error; the caller treats
// that as "state unknown this round".
func (c *Client) Poll(ctx context.Context, jobIDs []string) (map[string]State, error) {
	if len(jobIDs) == 0 {
		return map[string]State{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	stdout, stderr, err := c.runner.Run(ctx, squeueBinary,
		"--jobs="+strings.Join(jobIDs, ","),
		"--format=%i|%T",
		"--noheader",
	)
	if err != nil {
		return nil, fmt.Errorf("running squeue: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	states := make(map[string]State, len(jobIDs))

	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		id, state, ok := strings.Cut(strings.TrimSpace(line), "|")
		if !ok || id == "" {
			continue
		}

		states[id] = State(state)
	}

	for _, id := range jobIDs {
		if _, ok := states[id]; !ok {
			states[id] = StateCompleted
		}
	}

	return states, nil
}

// Reconcile runs the authoritative sacct query for the given jobs and
// returns their final statuses. Sub-step rows (dotted job ids like
// "123.batch") are bookkeeping and skipped. Benchmark identity and run
// number are decoded from the job name; callers holding the
// submission-time records should prefer those values over the decode.
func (c *Client) Reconcile(ctx context.Context, jobIDs []string) (map[string]*JobStatus, error) {
	if len(jobIDs) == 0 {
		return map[string]*JobStatus{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.reconcileTimeout)
	defer cancel()

	stdout, stderr, err := c.runner.Run(ctx, sacctBinary,
		"--jobs="+strings.Join(jobIDs, ","),
		"--format=JobID,JobName,State,ExitCode,Elapsed,NodeList,Start,End",
		"--parsable2",
		"--noheader",
	)
	if err != nil {
		return nil, fmt.Errorf("running sacct: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	statuses := make(map[string]*JobStatus)

	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		if line == "" {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 8 {
			continue
		}

		jobID := parts[0]
		if strings.Contains(jobID, ".") {
			continue
		}

		benchmark, nodeCount, runNumber := DecodeJobName(parts[1])

		statuses[jobID] = &JobStatus{
			JobID:     jobID,
			Benchmark: benchmark,
			RunNumber: runNumber,
			NodeCount: nodeCount,
			State:     normalizeState(parts[2]),
			ExitCode:  parseExitCode(parts[3]),
			Elapsed:   parts[4],
			NodeList:  parts[5],
			StartTime: parts[6],
			EndTime:   parts[7],
		}
	}

	return statuses, nil
}

// parseExitCode extracts the exit code from sacct's "code:signal" field.
func parseExitCode(field string) *int {
	codeStr, _, _ := strings.Cut(field, ":")

	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 0 {
		return nil
	}

	return &code
}

// normalizeState strips sacct qualifiers such as "CANCELLED by 1234".
func normalizeState(field string) State {
	fields := strings.Fields(field)
	if len(fields) == 0 {
		return StateUnknown
	}

	return State(fields[0])
}
