// Package runlog persists a run as append-only JSONL streams, one file per
// record class. The streams are the durable interface between a live run
// and the offline verifier: everything the kernel decided, and everything
// collaborators reported back, lands here.
package runlog

import (
	"time"

	"github.com/arbiter-labs/warden/pkg/contracts"
)

// Stream file names inside a run directory.
const (
	FileRunMeta        = "run_meta.jsonl"
	FileObservations   = "observations.jsonl"
	FileArtifacts      = "artifacts.jsonl"
	FileAdmission      = "admission_trace.jsonl"
	FileSelector       = "selector_trace.jsonl"
	FileExecution      = "execution_trace.jsonl"
	FileOutbox         = "outbox.jsonl"
	FileReconciliation = "reconciliation_trace.jsonl"
	FileStateHashes    = "state_hashes.jsonl"
)

// RunMeta is the RUN_START record: everything replay needs to preflight.
type RunMeta struct {
	Event            string    `json:"event"`
	RunID            string    `json:"run_id"`
	KernelVersion    string    `json:"kernel_version"`
	ConstitutionHash string    `json:"constitution_hash"`
	StartedAt        time.Time `json:"started_at"`
}

// RunComplete is the RUN_COMPLETE record closing a run.
type RunComplete struct {
	Event       string    `json:"event"`
	Cycles      int64     `json:"cycles"`
	FinalHash   string    `json:"final_hash"`
	CompletedAt time.Time `json:"completed_at"`
}

const (
	EventRunStart    = "RUN_START"
	EventRunComplete = "RUN_COMPLETE"
)

// ObservationLine wraps an observation with the cycle that consumed it.
type ObservationLine struct {
	Cycle       int64                 `json:"cycle"`
	Observation contracts.Observation `json:"observation"`
}

// ArtifactLine wraps a candidate bundle with the cycle that evaluated it.
type ArtifactLine struct {
	Cycle  int64                     `json:"cycle"`
	Bundle contracts.CandidateBundle `json:"bundle"`
}

// StateHashLine is one link of the persisted hash chain.
type StateHashLine struct {
	Cycle     int64  `json:"cycle"`
	StateHash string `json:"state_hash"`
}
