// Package replay is the offline verifier: it re-runs a logged run through a
// fresh kernel and reports, cycle by cycle, whether the logged decisions and
// state hashes are reproducible. Replay is read-only and needs nothing but
// the constitution file and the run's log directory.
package replay

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/arbiter-labs/warden/pkg/canon"
	"github.com/arbiter-labs/warden/pkg/chain"
	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/kernel"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/runlog"
)

// CycleStatus is the verdict for one replayed cycle.
type CycleStatus string

const (
	CycleMatch      CycleStatus = "MATCH"
	CycleDivergence CycleStatus = "DIVERGENCE"
)

// CycleReport is the verdict and diagnostics for one cycle. DecisionMatch
// and StateHashMatch are independent verdicts; Code and Detail describe the
// first check that failed.
type CycleReport struct {
	Cycle          int64                `json:"cycle"`
	Status         CycleStatus          `json:"status"`
	DecisionMatch  bool                 `json:"decision_match"`
	StateHashMatch bool                 `json:"state_hash_match"`
	Code           contracts.ReasonCode `json:"code,omitempty"`
	Detail         string               `json:"detail,omitempty"`
}

// Fatal is a preflight failure: the run cannot be replayed at all.
type Fatal struct {
	Code   contracts.ReasonCode `json:"code"`
	Detail string               `json:"detail"`
}

// Report is the full verification result. Fatal is set when preflight
// failed and no cycles were replayed; otherwise Cycles covers every logged
// cycle, divergent ones included, because scanning continues past the first
// mismatch.
type Report struct {
	RunID  string        `json:"run_id"`
	Fatal  *Fatal        `json:"fatal,omitempty"`
	Cycles []CycleReport `json:"cycles"`

	CyclesReplayed int64 `json:"cycles_replayed"`
	CyclesMatched  int64 `json:"cycles_matched"`

	// FinalHashMatch reports whether the RUN_COMPLETE final hash equals the
	// chain recomputed over the logged records. A truncated log fails here
	// even when every surviving cycle matches.
	FinalHashMatch bool `json:"final_hash_match"`

	FirstDivergence int64 `json:"first_divergence"` // -1 when clean

	Errors []string `json:"errors,omitempty"`
}

// OK reports whether the run verified clean.
func (r *Report) OK() bool {
	return r.Fatal == nil && r.FirstDivergence < 0 && r.FinalHashMatch && len(r.Errors) == 0
}

// Verify replays the run logged in dir against the constitution at
// rulesetPath. The config must match the one the run used; decision
// semantics depend on it.
func Verify(rulesetPath, dir string, cfg kernel.Config) (*Report, error) {
	logs, err := runlog.Read(dir)
	if err != nil {
		return nil, err
	}
	rules, err := ruleset.Load(rulesetPath)
	if err != nil {
		return nil, err
	}
	return verify(logs, rules, cfg)
}

func verify(logs *runlog.Logs, rules *ruleset.Ruleset, cfg kernel.Config) (*Report, error) {
	report := &Report{RunID: logs.Meta.RunID, FirstDivergence: -1}

	// Preflight: version and constitution identity, fail fast.
	if fatal := preflight(logs, rules); fatal != nil {
		report.Fatal = fatal
		return report, nil
	}

	k, err := kernel.New(cfg, rules)
	if err != nil {
		return nil, err
	}

	// The chain over the logged records, recomputed independently of the
	// kernel's own chain so a tampered chained stream is caught even when
	// the replayed decisions agree.
	loggedHead, err := chain.Genesis(logs.Meta.ConstitutionHash, logs.Meta.KernelVersion)
	if err != nil {
		return nil, err
	}

	for c := int64(0); c <= logs.MaxCycle; c++ {
		rep := CycleReport{Cycle: c, Status: CycleMatch, DecisionMatch: true, StateHashMatch: true}
		fail := func(code contracts.ReasonCode, detail string) {
			if rep.Status == CycleMatch {
				rep.Code, rep.Detail = code, detail
			}
			rep.Status = CycleDivergence
		}

		res, err := k.RunCycle(logs.Observations[c], logs.Artifacts[c])
		if err != nil {
			return nil, fmt.Errorf("replay: cycle %d: %w", c, err)
		}

		if code, detail := compareDecisions(logs.Selector[c], res.Selector); code != "" {
			rep.DecisionMatch = false
			fail(code, detail)
		} else if code, detail := compareAdmission(logs.Admission[c], res.Admission); code != "" {
			rep.DecisionMatch = false
			fail(code, detail)
		}

		if code, detail := checkCoherence(logs, c, res); code != "" {
			fail(code, detail)
		} else if code, detail := checkReconciliation(logs, c, res.Warrants); code != "" {
			fail(code, detail)
		}

		recomputedHead, err := k.Seal(res, logs.Execution[c])
		if err != nil {
			return nil, fmt.Errorf("replay: cycle %d: %w", c, err)
		}
		loggedHead, err = chain.Next(loggedHead, chain.CycleRecords{
			Observations: logs.Observations[c],
			Admission:    logs.Admission[c],
			Selector:     logs.Selector[c],
			Execution:    logs.Execution[c],
		})
		if err != nil {
			return nil, fmt.Errorf("replay: cycle %d: %w", c, err)
		}
		logged, ok := logs.StateHashes[c]
		switch {
		case !ok:
			rep.StateHashMatch = false
			fail(contracts.ReasonStateHashDivergence, "no state hash logged for the cycle")
		case logged != loggedHead:
			rep.StateHashMatch = false
			fail(contracts.ReasonStateHashDivergence,
				fmt.Sprintf("logged records chain to %s, logged hash is %s", loggedHead, logged))
		case logged != recomputedHead:
			rep.StateHashMatch = false
			fail(contracts.ReasonStateHashDivergence,
				fmt.Sprintf("recomputed %s, logged %s", recomputedHead, logged))
		}

		report.CyclesReplayed++
		if rep.Status == CycleMatch {
			report.CyclesMatched++
		} else if report.FirstDivergence < 0 {
			report.FirstDivergence = c
		}
		report.Cycles = append(report.Cycles, rep)
	}

	switch {
	case logs.Complete == nil:
		report.Errors = append(report.Errors, "run log has no RUN_COMPLETE record")
	case logs.Complete.FinalHash != loggedHead:
		report.Errors = append(report.Errors, fmt.Sprintf(
			"final hash: logged records chain to %s, RUN_COMPLETE claims %s", loggedHead, logs.Complete.FinalHash))
	default:
		report.FinalHashMatch = true
	}
	if logs.Complete != nil && logs.Complete.Cycles != report.CyclesReplayed {
		report.Errors = append(report.Errors, fmt.Sprintf(
			"RUN_COMPLETE claims %d cycles, streams hold %d", logs.Complete.Cycles, report.CyclesReplayed))
	}

	return report, nil
}

func preflight(logs *runlog.Logs, rules *ruleset.Ruleset) *Fatal {
	logged, err := semver.NewVersion(logs.Meta.KernelVersion)
	if err != nil {
		return &Fatal{Code: contracts.ReasonVersionMismatch, Detail: fmt.Sprintf("unparseable logged version %q", logs.Meta.KernelVersion)}
	}
	current, err := semver.NewVersion(kernel.Version)
	if err != nil {
		return &Fatal{Code: contracts.ReasonVersionMismatch, Detail: fmt.Sprintf("unparseable kernel version %q", kernel.Version)}
	}
	// Exact match only: even a patch difference may change decisions.
	if !logged.Equal(current) {
		return &Fatal{
			Code:   contracts.ReasonVersionMismatch,
			Detail: fmt.Sprintf("run logged under %s, verifier is %s", logged, current),
		}
	}
	if rules.Hash != logs.Meta.ConstitutionHash {
		return &Fatal{
			Code:   contracts.ReasonConstitutionMismatch,
			Detail: fmt.Sprintf("constitution hashes to %s, run started from %s", rules.Hash, logs.Meta.ConstitutionHash),
		}
	}
	return nil
}

// compareDecisions matches the logged selector trace against the recomputed
// one, order included.
func compareDecisions(logged, recomputed []contracts.SelectorRecord) (contracts.ReasonCode, string) {
	if len(logged) != len(recomputed) {
		return contracts.ReasonDecisionDivergence,
			fmt.Sprintf("logged %d decisions, recomputed %d", len(logged), len(recomputed))
	}
	for i := range logged {
		lh, err := canon.Hash(logged[i])
		if err != nil {
			return contracts.ReasonDecisionDivergence, err.Error()
		}
		rh, err := canon.Hash(recomputed[i])
		if err != nil {
			return contracts.ReasonDecisionDivergence, err.Error()
		}
		if lh != rh {
			return contracts.ReasonDecisionDivergence,
				fmt.Sprintf("decision %d: logged %s/%s, recomputed %s/%s",
					i, logged[i].Kind, logged[i].Code, recomputed[i].Kind, recomputed[i].Code)
		}
	}
	return "", ""
}

// compareAdmission matches the logged admission trace against the recomputed
// gate evaluations.
func compareAdmission(logged, recomputed []contracts.AdmissionRecord) (contracts.ReasonCode, string) {
	if len(logged) != len(recomputed) {
		return contracts.ReasonDecisionDivergence,
			fmt.Sprintf("logged %d admission records, recomputed %d", len(logged), len(recomputed))
	}
	for i := range logged {
		lh, err := canon.Hash(logged[i])
		if err != nil {
			return contracts.ReasonDecisionDivergence, err.Error()
		}
		rh, err := canon.Hash(recomputed[i])
		if err != nil {
			return contracts.ReasonDecisionDivergence, err.Error()
		}
		if lh != rh {
			return contracts.ReasonDecisionDivergence,
				fmt.Sprintf("admission record %d: logged %s gate %s, recomputed %s gate %s",
					i, logged[i].CandidateID, logged[i].Gate, recomputed[i].CandidateID, recomputed[i].Gate)
		}
	}
	return "", ""
}

// checkCoherence verifies the logged execution outcomes against the
// replayed decision: SUCCESS requires an ACTION cycle and an issued
// warrant, FAILURE must have been dropped from the outbox, and NO_ACTION
// belongs only to non-ACTION cycles.
func checkCoherence(logs *runlog.Logs, cycle int64, res kernel.CycleResult) (contracts.ReasonCode, string) {
	issued := make(map[string]bool, len(res.Warrants))
	for _, w := range res.Warrants {
		issued[w.ID] = true
	}
	queued := make(map[string]bool)
	for _, o := range logs.Outbox[cycle] {
		queued[o.WarrantID] = true
	}
	action := res.Terminal.Kind == contracts.DecisionAction

	for _, e := range logs.Execution[cycle] {
		switch e.Status {
		case contracts.ExecSuccess:
			if !action || !issued[e.WarrantID] {
				return contracts.ReasonReconciliationGap,
					fmt.Sprintf("SUCCESS execution for warrant %s without a matching ACTION decision", e.WarrantID)
			}
		case contracts.ExecFailure:
			if !issued[e.WarrantID] {
				return contracts.ReasonReconciliationGap,
					fmt.Sprintf("FAILURE execution for warrant %s never issued", e.WarrantID)
			}
			if queued[e.WarrantID] {
				return contracts.ReasonReconciliationGap,
					fmt.Sprintf("FAILURE execution for warrant %s still queued in the outbox", e.WarrantID)
			}
		case contracts.ExecNoAction:
			if action {
				return contracts.ReasonReconciliationGap, "NO_ACTION execution recorded for an ACTION cycle"
			}
		default:
			return contracts.ReasonReconciliationGap,
				fmt.Sprintf("unknown execution status %q", e.Status)
		}
	}
	return "", ""
}

// checkReconciliation verifies outbox completeness for one cycle: every
// queued warrant was actually issued, appears in the execution trace, and
// was reconciled.
func checkReconciliation(logs *runlog.Logs, cycle int64, warrants []contracts.Warrant) (contracts.ReasonCode, string) {
	issued := make(map[string]bool, len(warrants))
	for _, w := range warrants {
		issued[w.ID] = true
	}
	executed := make(map[string]bool)
	for _, e := range logs.Execution[cycle] {
		if e.WarrantID != "" {
			executed[e.WarrantID] = true
		}
	}
	reconciled := make(map[string]bool)
	for _, r := range logs.Reconciliation[cycle] {
		reconciled[r.WarrantID] = true
	}
	for _, o := range logs.Outbox[cycle] {
		if !issued[o.WarrantID] {
			return contracts.ReasonReconciliationGap,
				fmt.Sprintf("outbox references warrant %s never issued", o.WarrantID)
		}
		if !executed[o.WarrantID] {
			return contracts.ReasonReconciliationGap,
				fmt.Sprintf("warrant %s queued but absent from the execution trace", o.WarrantID)
		}
		if !reconciled[o.WarrantID] {
			return contracts.ReasonReconciliationGap,
				fmt.Sprintf("warrant %s queued but never reconciled", o.WarrantID)
		}
	}
	return "", ""
}
