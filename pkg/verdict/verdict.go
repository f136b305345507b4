// Package verdict decides the PASS/FAIL outcome of one benchmark run by
// comparing the primary (ARTS) and baseline (OpenMP) workloads.
package verdict

import (
	"fmt"
	"math"
	"strconv"
)

// Status is the overall outcome of a benchmark run.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

const (
	// DefaultTolerance is the relative checksum comparison band. Differing
	// execution strategies reorder floating-point reductions, so exact
	// reproducibility is not expected.
	DefaultTolerance = 0.01

	// OmpSkippedExit is the sentinel exit code meaning the OpenMP baseline
	// was intentionally not run (multi-node comparisons have no
	// single-process equivalent).
	OmpSkippedExit = -1

	// epsilon guards the relative comparison against a near-zero baseline.
	epsilon = 1e-10
)

// Determine computes the overall status and a human-readable verification
// note from the two workloads' exit codes and optional checksums. Empty
// checksum strings mean "not found".
func Determine(artsExit, ompExit int, artsChecksum, ompChecksum string, tolerance float64) (Status, string) {
	if artsExit != 0 {
		return StatusFail, fmt.Sprintf("ARTS exited with code %d", artsExit)
	}

	if ompExit == OmpSkippedExit {
		if artsChecksum != "" {
			return StatusPass, "ARTS completed (OpenMP skipped for multi-node)"
		}

		return StatusPass, "ARTS completed, no checksum found"
	}

	if ompExit != 0 {
		return StatusFail, fmt.Sprintf("OpenMP exited with code %d", ompExit)
	}

	if artsChecksum != "" && ompChecksum != "" {
		artsVal, artsErr := strconv.ParseFloat(artsChecksum, 64)
		ompVal, ompErr := strconv.ParseFloat(ompChecksum, 64)

		if artsErr != nil || ompErr != nil {
			// Non-numeric checksums compare as exact strings.
			if artsChecksum == ompChecksum {
				return StatusPass, "Checksums match exactly"
			}

			return StatusFail, fmt.Sprintf("Checksum mismatch: ARTS=%s, OMP=%s", artsChecksum, ompChecksum)
		}

		if math.Abs(artsVal-ompVal)/math.Max(math.Abs(ompVal), epsilon) <= tolerance {
			return StatusPass, fmt.Sprintf("Checksums match within %.1f%% tolerance", tolerance*100)
		}

		return StatusFail, fmt.Sprintf("Checksum mismatch: ARTS=%s, OMP=%s", artsChecksum, ompChecksum)
	}

	return StatusPass, "Completed (no checksums to verify)"
}
