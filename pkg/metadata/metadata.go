// Package metadata captures the environment an experiment ran in. Every
// probe is best-effort: a submission host without git or with restricted
// procfs still gets a usable record.
package metadata

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Record is the environment snapshot stored alongside experiment results.
type Record struct {
	Timestamp     string            `json:"timestamp"`
	Hostname      string            `json:"hostname,omitempty"`
	OS            string            `json:"os,omitempty"`
	Platform      string            `json:"platform,omitempty"`
	KernelVersion string            `json:"kernel_version,omitempty"`
	Arch          string            `json:"arch"`
	CPUModel      string            `json:"cpu_model,omitempty"`
	CPUCores      int               `json:"cpu_cores,omitempty"`
	MemoryTotalMB uint64            `json:"memory_total_mb,omitempty"`
	GoVersion     string            `json:"go_version"`
	GitCommit     string            `json:"git_commit,omitempty"`
	GitBranch     string            `json:"git_branch,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

const probeTimeout = 5 * time.Second

// Collect probes the submission host concurrently and returns a snapshot.
// Failed probes leave their fields empty.
func Collect(ctx context.Context, log logrus.FieldLogger, labels map[string]string) *Record {
	log = log.WithField("component", "metadata")

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	record := &Record{
		Timestamp: time.Now().Format(time.RFC3339),
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Labels:    labels,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			log.WithError(err).Debug("Host probe failed")

			return nil
		}

		record.Hostname = info.Hostname
		record.OS = info.OS
		record.Platform = info.Platform
		record.KernelVersion = info.KernelVersion

		return nil
	})

	g.Go(func() error {
		infos, err := cpu.InfoWithContext(ctx)
		if err != nil || len(infos) == 0 {
			log.WithError(err).Debug("CPU probe failed")

			return nil
		}

		record.CPUModel = strings.TrimSpace(infos[0].ModelName)

		cores, err := cpu.CountsWithContext(ctx, true)
		if err == nil {
			record.CPUCores = cores
		}

		return nil
	})

	g.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			log.WithError(err).Debug("Memory probe failed")

			return nil
		}

		record.MemoryTotalMB = vm.Total / (1024 * 1024)

		return nil
	})

	g.Go(func() error {
		record.GitCommit = gitOutput(ctx, "rev-parse", "HEAD")
		record.GitBranch = gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")

		return nil
	})

	// Probes swallow their own errors; Wait only orders the writes.
	_ = g.Wait()

	return record
}

// gitOutput runs a git query in the working directory, returning empty when
// the orchestrator does not run from a checkout.
func gitOutput(ctx context.Context, args ...string) string {
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(out))
}
