package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/cartslab/slurmbench/pkg/fsutil"
	"github.com/cartslab/slurmbench/pkg/result"
	"github.com/cartslab/slurmbench/pkg/slurm"
	"github.com/cartslab/slurmbench/pkg/verdict"
)

const (
	// ReportFilename is the aggregate report written at the experiment root.
	ReportFilename = "aggregated_results.json"

	// ManifestFilename records submitted jobs so collection can be re-run
	// after the orchestrator exits.
	ManifestFilename = "job_manifest.json"
)

// CollectedResult is a per-run result record merged with the scheduler
// linkage known only to the orchestrator. The on-disk per-run file is left
// untouched; the merge happens in the aggregate report only.
type CollectedResult struct {
	result.Record

	SlurmJobID    string      `json:"slurm_job_id"`
	SlurmState    slurm.State `json:"slurm_state"`
	SlurmExitCode *int        `json:"slurm_exit_code"`
	SlurmElapsed  string      `json:"slurm_elapsed,omitempty"`
	SlurmNodes    string      `json:"slurm_nodes,omitempty"`
}

// FailureRecord stands in for a unit whose result file is missing or
// unreadable. It keeps the batch countable: every non-dry-run unit appears
// in the report exactly once.
type FailureRecord struct {
	Benchmark     string         `json:"benchmark"`
	RunNumber     int            `json:"run_number"`
	NodeCount     int            `json:"node_count"`
	Status        verdict.Status `json:"status"`
	Error         string         `json:"error"`
	SlurmJobID    string         `json:"slurm_job_id"`
	SlurmState    slurm.State    `json:"slurm_state"`
	SlurmExitCode *int           `json:"slurm_exit_code"`
	SlurmElapsed  string         `json:"slurm_elapsed,omitempty"`
	SlurmNodes    string         `json:"slurm_nodes,omitempty"`
}

// ReportEntry is either a collected result or a failure placeholder.
type ReportEntry struct {
	Full    *CollectedResult
	Failure *FailureRecord
}

// MarshalJSON flattens the entry to whichever variant is set.
func (e ReportEntry) MarshalJSON() ([]byte, error) {
	if e.Full != nil {
		return json.Marshal(e.Full)
	}

	return json.Marshal(e.Failure)
}

// Summary counts batch outcomes by scheduler state. Verdicts inside result
// records do not affect these counts.
type Summary struct {
	TotalJobs  int `json:"total_jobs"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Report is the aggregate experiment report.
type Report struct {
	Metadata any           `json:"metadata,omitempty"`
	Summary  Summary       `json:"summary"`
	Results  []ReportEntry `json:"results"`
}

// Manifest records the final job statuses of a batch, keyed by scheduler
// job id, so results can be re-collected later without the tracker's
// in-memory state. Units rejected at submission have no scheduler id and
// are keyed by UnsubmittedKey instead.
type Manifest struct {
	Metadata any                         `json:"metadata,omitempty"`
	Jobs     map[string]*slurm.JobStatus `json:"jobs"`
}

// UnsubmittedKey builds the manifest key for a unit the scheduler never
// issued an id for.
func UnsubmittedKey(jobName string) string {
	return "unsubmitted_" + jobName
}

// Collector reads per-run result files from an experiment directory and
// assembles the aggregate report. Collection only reads workload artifacts,
// so it is safe to re-run.
type Collector struct {
	log           logrus.FieldLogger
	experimentDir string
}

// NewCollector creates a collector rooted at an experiment directory.
func NewCollector(log logrus.FieldLogger, experimentDir string) *Collector {
	return &Collector{
		log:           log.WithField("component", "collector"),
		experimentDir: experimentDir,
	}
}

// UnitOutputDir returns the per-unit output directory under the experiment
// root. Script generation and collection derive the same path from the same
// identity fields; nothing is communicated through the job itself.
func UnitOutputDir(experimentDir, benchmark string, nodeCount int) string {
	return filepath.Join(
		experimentDir,
		"jobs",
		slurm.SanitizeName(benchmark),
		fmt.Sprintf("nodes_%d", nodeCount),
	)
}

// ResultPath returns the expected per-run result file for a job.
func (c *Collector) ResultPath(job *slurm.JobStatus) string {
	return filepath.Join(
		UnitOutputDir(c.experimentDir, job.Benchmark, job.NodeCount),
		result.Filename(job.RunNumber),
	)
}

// Collect builds the aggregate report from the final job statuses. Dry-run
// entries are skipped; every other job yields exactly one report entry,
// falling back to a failure placeholder when its result file is missing or
// malformed. Entries are ordered by manifest key so re-collection is
// deterministic.
func (c *Collector) Collect(jobs map[string]*slurm.JobStatus, metadata any) *Report {
	report := &Report{Metadata: metadata}

	keys := make([]string, 0, len(jobs))
	for key := range jobs {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		job := jobs[key]
		if job.State == slurm.StateDryRun {
			continue
		}

		report.Summary.TotalJobs++
		if job.State == slurm.StateCompleted {
			report.Summary.Successful++
		} else {
			report.Summary.Failed++
		}

		report.Results = append(report.Results, c.collectOne(job))
	}

	return report
}

// collectOne reads one unit's result file, degrading to a placeholder.
func (c *Collector) collectOne(job *slurm.JobStatus) ReportEntry {
	path := c.ResultPath(job)

	var rec result.Record

	err := fsutil.ReadJSON(path, &rec)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.log.WithFields(logrus.Fields{
			"job_id": job.JobID,
			"path":   path,
		}).Warn("Result file missing, recording placeholder")

		return failureEntry(job, fmt.Sprintf(
			"result file not found at %s (job state %s, exit code %s)",
			path, job.State, exitCodeString(job.ExitCode),
		))

	case err != nil:
		c.log.WithError(err).WithField("job_id", job.JobID).
			Warn("Result file unreadable, recording placeholder")

		return failureEntry(job, fmt.Sprintf("failed to parse result file %s: %v", path, err))
	}

	return ReportEntry{Full: &CollectedResult{
		Record:        rec,
		SlurmJobID:    job.JobID,
		SlurmState:    job.State,
		SlurmExitCode: job.ExitCode,
		SlurmElapsed:  job.Elapsed,
		SlurmNodes:    job.NodeList,
	}}
}

func failureEntry(job *slurm.JobStatus, msg string) ReportEntry {
	return ReportEntry{Failure: &FailureRecord{
		Benchmark:     job.Benchmark,
		RunNumber:     job.RunNumber,
		NodeCount:     job.NodeCount,
		Status:        verdict.StatusFail,
		Error:         msg,
		SlurmJobID:    job.JobID,
		SlurmState:    job.State,
		SlurmExitCode: job.ExitCode,
		SlurmElapsed:  job.Elapsed,
		SlurmNodes:    job.NodeList,
	}}
}

func exitCodeString(code *int) string {
	if code == nil {
		return "unknown"
	}

	return strconv.Itoa(*code)
}

// WriteReport writes the aggregate report to the experiment root and
// returns its path.
func (c *Collector) WriteReport(report *Report) (string, error) {
	path := filepath.Join(c.experimentDir, ReportFilename)
	if err := fsutil.WriteJSON(path, report); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	return path, nil
}

// WriteManifest writes the job manifest to the experiment root.
func WriteManifest(experimentDir string, manifest *Manifest) (string, error) {
	path := filepath.Join(experimentDir, ManifestFilename)
	if err := fsutil.WriteJSON(path, manifest); err != nil {
		return "", fmt.Errorf("writing job manifest: %w", err)
	}

	return path, nil
}

// ReadManifest loads a previously written job manifest.
func ReadManifest(experimentDir string) (*Manifest, error) {
	path := filepath.Join(experimentDir, ManifestFilename)

	var manifest Manifest
	if err := fsutil.ReadJSON(path, &manifest); err != nil {
		return nil, fmt.Errorf("reading job manifest: %w", err)
	}

	return &manifest, nil
}
