// Package parse extracts checksums and timing values from benchmark output.
//
// Benchmarks under comparison print heterogeneous, partially-trustworthy
// text; every function here is a pure best-effort extractor that degrades
// to "not found" instead of failing the surrounding result generation.
package parse

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// checksumPatterns is tried in order. Within a pattern, the LAST match in
// document order wins: benchmarks may print intermediate checksums followed
// by a final combined one.
var checksumPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)checksum[:\s]*=?\s*([0-9.eE+-]+)`),
	regexp.MustCompile(`(?im)result[:\s]*=?\s*([0-9.eE+-]+)`),
	regexp.MustCompile(`(?im)sum[:\s]*=?\s*([0-9.eE+-]+)`),
	regexp.MustCompile(`(?im)total[:\s]*=?\s*([0-9.eE+-]+)`),
	regexp.MustCompile(`(?im)RMS error[:\s]*\(?\s*([0-9.eE+-]+)`),
	regexp.MustCompile(`(?im)^([0-9.eE+-]+)\s*$`),
}

// numericLine matches a bare signed decimal/scientific literal.
var numericLine = regexp.MustCompile(`^-?[0-9.]+(?:[eE][+-]?[0-9]+)?$`)

// Checksum extracts the benchmark checksum from output text.
// Returns the empty string if no candidate exists.
func Checksum(output string) string {
	for _, pattern := range checksumPatterns {
		matches := pattern.FindAllStringSubmatch(output, -1)
		if len(matches) > 0 {
			return matches[len(matches)-1][1]
		}
	}

	// Fallback: last non-empty line that looks numeric.
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && numericLine.MatchString(line) {
			return line
		}
	}

	return ""
}

// TimingFamily selects which family of named timing lines to extract.
type TimingFamily string

const (
	FamilyKernel TimingFamily = "kernel"
	FamilyE2E    TimingFamily = "e2e"
	FamilyInit   TimingFamily = "init"
)

// NamedTimings extracts `<family>.<name>: <seconds>[s]` lines from output.
// Lines whose value fails to parse are skipped; later duplicates of a name
// overwrite earlier ones.
func NamedTimings(output string, family TimingFamily) map[string]float64 {
	pattern := regexp.MustCompile(
		`(?m)^\s*` + regexp.QuoteMeta(string(family)) + `\.([^:]+):\s*([0-9.eE+-]+)s?\s*$`,
	)

	timings := make(map[string]float64)

	for _, match := range pattern.FindAllStringSubmatch(output, -1) {
		value, err := strconv.ParseFloat(match[2], 64)
		if err != nil {
			continue
		}

		timings[strings.TrimSpace(match[1])] = value
	}

	return timings
}

// counterFile is the fixed-name structured counter file the runtime writes
// into each per-run counter directory.
const counterFile = "cluster.json"

// CounterTimes reads initialization and end-to-end times from the runtime's
// cluster.json counter file, converted from milliseconds to seconds.
// Missing file, malformed JSON, and missing keys all degrade to nil: the
// counter path is optional instrumentation and never fatal to the result.
func CounterTimes(counterDir string) (initSec, e2eSec *float64) {
	data, err := os.ReadFile(filepath.Join(counterDir, counterFile))
	if err != nil {
		return nil, nil
	}

	var parsed struct {
		Counters struct {
			InitializationTime struct {
				ValueMS *float64 `json:"value_ms"`
			} `json:"initializationTime"`
			EndToEndTime struct {
				ValueMS *float64 `json:"value_ms"`
			} `json:"endToEndTime"`
		} `json:"counters"`
	}

	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, nil
	}

	if ms := parsed.Counters.InitializationTime.ValueMS; ms != nil {
		v := *ms / 1000.0
		initSec = &v
	}

	if ms := parsed.Counters.EndToEndTime.ValueMS; ms != nil {
		v := *ms / 1000.0
		e2eSec = &v
	}

	return initSec, e2eSec
}
