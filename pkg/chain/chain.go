// Package chain derives the state hash chain: one link per cycle, anchored
// to the constitution hash and kernel version, folding each cycle's
// canonicalized records into the previous link. The chain is append-only
// and never rewritten; replay recomputes it independently from logs.
package chain

import (
	"fmt"

	"github.com/arbiter-labs/warden/pkg/canon"
	"github.com/arbiter-labs/warden/pkg/contracts"
)

// CycleRecords are the records folded into one link.
type CycleRecords struct {
	Observations []contracts.Observation     `json:"observations"`
	Admission    []contracts.AdmissionRecord `json:"admission_records"`
	Selector     []contracts.SelectorRecord  `json:"selector_records"`
	Execution    []contracts.ExecutionRecord `json:"execution_records"`
}

// Genesis seeds the chain from the constitution hash and kernel version id.
func Genesis(constitutionHash, kernelVersionID string) (string, error) {
	h, err := canon.Hash(map[string]any{
		"constitution_hash": constitutionHash,
		"kernel_version_id": kernelVersionID,
	})
	if err != nil {
		return "", fmt.Errorf("chain: genesis: %w", err)
	}
	return h, nil
}

// Next folds one cycle's records onto prev. Absent record classes hash as
// empty sequences, never as null, so a cycle with no executions is still
// unambiguous.
func Next(prev string, rec CycleRecords) (string, error) {
	if rec.Observations == nil {
		rec.Observations = []contracts.Observation{}
	}
	if rec.Admission == nil {
		rec.Admission = []contracts.AdmissionRecord{}
	}
	if rec.Selector == nil {
		rec.Selector = []contracts.SelectorRecord{}
	}
	if rec.Execution == nil {
		rec.Execution = []contracts.ExecutionRecord{}
	}
	h, err := canon.Hash(map[string]any{
		"prev_hash":         prev,
		"observations":      rec.Observations,
		"admission_records": rec.Admission,
		"selector_records":  rec.Selector,
		"execution_records": rec.Execution,
	})
	if err != nil {
		return "", fmt.Errorf("chain: next: %w", err)
	}
	return h, nil
}
