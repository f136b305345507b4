package slurm

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxJobNameLen is the scheduler's job name length limit.
const MaxJobNameLen = 64

// SanitizeName makes a benchmark name safe for use in job names and
// filesystem paths.
func SanitizeName(benchmark string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(benchmark)
}

// EncodeJobName builds the scheduler-visible job name carrying the unit's
// logical identity: `<sanitized>_n<nodes>_r<run>`, truncated to the
// scheduler's limit. Benchmark names long enough to lose the run suffix to
// truncation cannot be decoded back; the in-memory submission map is the
// authoritative identity source, name decoding only a fallback.
func EncodeJobName(benchmark string, nodeCount, runNumber int) string {
	name := fmt.Sprintf("%s_n%d_r%d", SanitizeName(benchmark), nodeCount, runNumber)
	if len(name) > MaxJobNameLen {
		name = name[:MaxJobNameLen]
	}

	return name
}

// DecodeJobName recovers (benchmark, nodeCount, runNumber) from a job name.
// It parses from the right so benchmark names containing literal `_n` or
// `_r` substrings do not confuse the decode. On failure it returns the
// whole name as the benchmark with nodeCount 1 and runNumber 0, matching
// the reconciliation query's best-effort contract.
func DecodeJobName(jobName string) (benchmark string, nodeCount, runNumber int) {
	benchmark = jobName
	nodeCount = 1
	runNumber = 0

	nIdx := strings.LastIndex(jobName, "_n")
	rIdx := strings.LastIndex(jobName, "_r")

	if nIdx < 0 || rIdx < 0 || rIdx < nIdx {
		return benchmark, nodeCount, runNumber
	}

	nodes, nErr := strconv.Atoi(jobName[nIdx+2 : rIdx])
	run, rErr := strconv.Atoi(jobName[rIdx+2:])

	if nErr != nil || rErr != nil {
		return benchmark, nodeCount, runNumber
	}

	return jobName[:nIdx], nodes, run
}
