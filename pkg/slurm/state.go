package slurm

// State is a scheduler-reported job state.
type State string

const (
	StatePending     State = "PENDING"
	StateRunning     State = "RUNNING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateTimeout     State = "TIMEOUT"
	StateCancelled   State = "CANCELLED"
	StateNodeFail    State = "NODE_FAIL"
	StateOutOfMemory State = "OUT_OF_MEMORY"

	// StateUnknown marks a job whose state could not be queried this round.
	StateUnknown State = "UNKNOWN"

	// StateDryRun marks a job that was registered without being submitted.
	// It is terminal and bypasses polling and collection.
	StateDryRun State = "DRY_RUN"
)

// terminalStates are the states from which no further transition occurs.
var terminalStates = map[State]struct{}{
	StateCompleted:   {},
	StateFailed:      {},
	StateTimeout:     {},
	StateCancelled:   {},
	StateNodeFail:    {},
	StateOutOfMemory: {},
	StateDryRun:      {},
}

// failureStates are terminal states counted as failed in batch summaries.
// COMPLETED is the only terminal success; DRY_RUN is neither.
var failureStates = map[State]struct{}{
	StateFailed:      {},
	StateTimeout:     {},
	StateCancelled:   {},
	StateNodeFail:    {},
	StateOutOfMemory: {},
}

// Terminal reports whether no further state transition can occur.
func (s State) Terminal() bool {
	_, ok := terminalStates[s]

	return ok
}

// Failure reports whether the state counts as a failed unit of work.
func (s State) Failure() bool {
	_, ok := failureStates[s]

	return ok
}

// JobStatus is the mutable per-job record tracked from submission to
// reconciliation, keyed by the scheduler-issued job id.
type JobStatus struct {
	JobID     string `json:"job_id"`
	Benchmark string `json:"benchmark_name"`
	RunNumber int    `json:"run_number"`
	NodeCount int    `json:"node_count"`
	State     State  `json:"state"`
	ExitCode  *int   `json:"exit_code"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Elapsed   string `json:"elapsed,omitempty"`
	NodeList  string `json:"node_list,omitempty"`
}
