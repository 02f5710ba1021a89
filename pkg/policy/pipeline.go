// Package policy implements the admission pipeline: per cycle it consumes
// observations and candidate bundles, runs the ordered gate sequence
// (schema, authority citation, scope claim, conflict, budget), and produces
// one terminal decision plus zero or more warrants.
//
// The pipeline is fail-closed: the first failing gate determines the
// refusal and its reason code, refusals are ordinary structured outcomes,
// and nothing mutates the entity store directly. All effects accumulate in
// the cycle delta the caller applies afterwards.
package policy

import (
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbiter-labs/warden/pkg/canon"
	"github.com/arbiter-labs/warden/pkg/conflict"
	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/gas"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/state"
)

// ReasonNoCandidate marks an observation-only cycle. The refusal taxonomy
// is open; this code never refers to a specific candidate.
const ReasonNoCandidate contracts.ReasonCode = "NO_CANDIDATE"

// Config carries the pipeline's tunables, pinned at construction so replay
// reproduces historical behavior exactly.
type Config struct {
	// DensityThreshold triggers UNIVERSAL_AUTHORIZATION when a proposed
	// authorization matrix reaches it. 1.0 means only a fully dense
	// matrix is refused.
	DensityThreshold float64

	// PhysicsMarkers are substrings whose presence in a proposed
	// constitution indicates executable or capability-escape content.
	PhysicsMarkers []string

	// DefaultCoolingPeriod applies when the active constitution does not
	// set its own.
	DefaultCoolingPeriod int64
}

// Pipeline evaluates one cycle at a time against the active ruleset.
type Pipeline struct {
	cfg    Config
	rules  *ruleset.Ruleset
	store  *state.Store
	det    *conflict.Detector
	schema *jsonschema.Schema
}

// New builds a pipeline. The candidate schema compiles once here; a broken
// schema is a programming error surfaced at construction.
func New(cfg Config, rules *ruleset.Ruleset, store *state.Store, det *conflict.Detector) (*Pipeline, error) {
	sch, err := compileCandidateSchema()
	if err != nil {
		return nil, fmt.Errorf("policy: candidate schema: %w", err)
	}
	return &Pipeline{cfg: cfg, rules: rules, store: store, det: det, schema: sch}, nil
}

// Rules returns the active ruleset.
func (p *Pipeline) Rules() *ruleset.Ruleset { return p.rules }

// SwapRules replaces the active ruleset after an adoption.
func (p *Pipeline) SwapRules(rules *ruleset.Ruleset) { p.rules = rules }

// Outcome is everything one cycle produced. Decisions holds ancillary
// decisions (conflict registrations) followed by the terminal decision;
// Terminal always equals the last element.
type Outcome struct {
	Decisions []contracts.Decision
	Terminal  contracts.Decision
	Warrants  []contracts.Warrant
	Admission []contracts.AdmissionRecord

	// Adopted is non-nil when the terminal decision is ADOPT; the caller
	// swaps it in as the active ruleset.
	Adopted *ruleset.Ruleset
}

// admitted is what one fully admitted candidate produced.
type admitted struct {
	bundle  contracts.CandidateBundle
	warrant *contracts.Warrant
	queued  *contracts.AmendmentQueued
	exit    bool
	dead    *contracts.DeadlockInfo
}

// Evaluate runs one cycle. Observations and candidates must already be in
// canonical batch order; the kernel sorts them before calling. The delta
// accumulates every state effect; the caller applies it exactly once.
func (p *Pipeline) Evaluate(
	cycle int64,
	observations []contracts.Observation,
	candidates []contracts.CandidateBundle,
	meter *gas.Meter,
	delta *state.Delta,
) Outcome {
	out := Outcome{}

	// A ripe pending amendment preempts candidate evaluation: its cycle's
	// terminal decision is the adoption itself.
	if adopted, dec, ok := p.tryAdopt(cycle, meter, delta); ok {
		out.Adopted = adopted
		out.Terminal = dec
		out.Decisions = append(out.Decisions, dec)
		return out
	}

	var (
		passes       []admitted
		firstRefusal *contracts.Refusal
	)
	cc := newCycleCtx(p.store.NextConflictID())
	for _, cand := range candidates {
		refusal, result := p.admit(cycle, cand, observations, meter, delta, &out, cc)
		if refusal != nil {
			if firstRefusal == nil {
				firstRefusal = refusal
			}
			continue
		}
		result.bundle = cand
		passes = append(passes, result)
	}

	// The observable warrant contract is the total order
	// (origin_rank, warrant_id), independent of submission order.
	warrantOwner := make(map[string]contracts.CandidateBundle)
	for _, ps := range passes {
		if ps.warrant != nil {
			out.Warrants = append(out.Warrants, *ps.warrant)
			warrantOwner[ps.warrant.ID] = ps.bundle
		}
	}
	out.Warrants = contracts.SortWarrants(out.Warrants)

	var (
		queued   *contracts.AmendmentQueued
		deadlock *contracts.DeadlockInfo
		exit     bool
	)
	for _, ps := range passes {
		if queued == nil && ps.queued != nil {
			queued = ps.queued
		}
		if deadlock == nil && ps.dead != nil {
			deadlock = ps.dead
		}
		exit = exit || ps.exit
	}

	// Terminal decision precedence: issued warrants make the cycle an
	// ACTION; otherwise a queued amendment, an exit, a declared deadlock,
	// the first refusal, and finally the empty-cycle refusal.
	terminal := contracts.Decision{Cycle: cycle}
	switch {
	case len(out.Warrants) > 0:
		winner := out.Warrants[0]
		terminal.Kind = contracts.DecisionAction
		terminal.Action = &contracts.ActionDecision{Warrant: winner, Bundle: warrantOwner[winner.ID]}
	case queued != nil:
		terminal.Kind = contracts.DecisionQueueAmendment
		terminal.Queued = queued
	case exit:
		terminal.Kind = contracts.DecisionExit
	case deadlock != nil:
		terminal.Kind = contracts.DecisionDeadlockDeclared
		terminal.Deadlock = deadlock
	case firstRefusal != nil:
		terminal.Kind = contracts.DecisionRefuse
		terminal.Refusal = firstRefusal
	default:
		terminal.Kind = contracts.DecisionRefuse
		terminal.Refusal = &contracts.Refusal{
			Code:   ReasonNoCandidate,
			Gate:   contracts.GateSchema,
			Detail: "no candidate submitted this cycle",
		}
	}

	out.Terminal = terminal
	out.Decisions = append(out.Decisions, terminal)
	return out
}

// admit runs the gate sequence for one candidate. A nil refusal means every
// gate passed and the result carries the candidate's effect.
func (p *Pipeline) admit(
	cycle int64,
	cand contracts.CandidateBundle,
	observations []contracts.Observation,
	meter *gas.Meter,
	delta *state.Delta,
	out *Outcome,
	cc *cycleCtx,
) (*contracts.Refusal, admitted) {
	record := func(gate string, refusal *contracts.Refusal) {
		rec := contracts.AdmissionRecord{Cycle: cycle, CandidateID: cand.ID, Gate: gate, Passed: refusal == nil}
		if refusal != nil {
			rec.Code = refusal.Code
			rec.Detail = refusal.Detail
		}
		out.Admission = append(out.Admission, rec)
	}
	refuse := func(gate string, code contracts.ReasonCode, detail string) (*contracts.Refusal, admitted) {
		r := &contracts.Refusal{Code: code, Gate: gate, Detail: detail, CandidateID: cand.ID}
		record(gate, r)
		return r, admitted{}
	}

	// Gate 1: schema/shape.
	if err := meter.Charge(gas.OpCompare, 1); err != nil {
		return refuse(contracts.GateBudget, contracts.ReasonBoundExhausted, "budget exhausted before schema gate")
	}
	if r := p.gateSchema(cand); r != nil {
		record(contracts.GateSchema, r)
		return r, admitted{}
	}
	record(contracts.GateSchema, nil)

	// declare_deadlock is a governance query answered by the detector; it
	// has no scope of its own and skips the citation and scope gates.
	if cand.Action.Type == contracts.ActionDeclareDeadlock {
		return p.admitDeadlockDeclaration(cand, meter, delta, record)
	}

	// Gate 2: authority citation.
	if err := meter.Charge(gas.OpLookup, int64(len(cand.Citations)+1)); err != nil {
		return refuse(contracts.GateBudget, contracts.ReasonBoundExhausted, "budget exhausted before citation gate")
	}
	if r := p.gateCitation(cand); r != nil {
		record(contracts.GateCitation, r)
		return r, admitted{}
	}
	record(contracts.GateCitation, nil)

	// Gate 3: scope claim, plus amendment safety for proposals.
	if err := meter.Charge(gas.OpCompare, int64(len(observations)+1)); err != nil {
		return refuse(contracts.GateBudget, contracts.ReasonBoundExhausted, "budget exhausted before scope gate")
	}
	proposed, r := p.gateScope(cand, observations, meter)
	if r != nil {
		gate := contracts.GateScope
		if r.Code == contracts.ReasonBoundExhausted {
			gate = contracts.GateBudget
		}
		record(gate, r)
		return r, admitted{}
	}
	record(contracts.GateScope, nil)

	// Gate 4: conflict/collision.
	if r := p.gateConflict(cycle, cand, meter, delta, out, cc); r != nil {
		gate := contracts.GateConflict
		if r.Code == contracts.ReasonBoundExhausted {
			gate = contracts.GateBudget
		}
		record(gate, r)
		return r, admitted{}
	}
	record(contracts.GateConflict, nil)

	// Gate 5: budget. Issuing an effect costs a state update and a log
	// write; exhaustion refuses the candidate and the meter stays latched.
	if err := meter.Charge(gas.OpStateUpdate, 1); err != nil {
		return refuse(contracts.GateBudget, contracts.ReasonBoundExhausted, "budget exhausted at issuance")
	}
	if err := meter.Charge(gas.OpLogWrite, 1); err != nil {
		return refuse(contracts.GateBudget, contracts.ReasonBoundExhausted, "budget exhausted at issuance")
	}
	record(contracts.GateBudget, nil)

	switch cand.Action.Type {
	case contracts.ActionExit:
		return nil, admitted{exit: true}
	case contracts.ActionAmendConstitution:
		q := &contracts.AmendmentQueued{
			ProposalID:   cand.ID,
			PriorHash:    p.store.ConstitutionHash(),
			ProposedHash: proposed.Hash,
			Cycle:        cycle,
		}
		delta.QueueAmendment(contracts.PendingAmendment{
			ProposalID:    cand.ID,
			ProposalCycle: cycle,
			PriorHash:     q.PriorHash,
			ProposedHash:  q.ProposedHash,
			ProposedYAML:  cand.ProposedConstitution,
		})
		return nil, admitted{queued: q}
	default:
		w, err := p.issueWarrant(cycle, cand, meter)
		if err != nil {
			if errors.Is(err, gas.ErrExhausted) {
				return refuse(contracts.GateBudget, contracts.ReasonBoundExhausted, "budget exhausted issuing warrant")
			}
			return refuse(contracts.GateBudget, contracts.ReasonInvalidField, err.Error())
		}
		return nil, admitted{warrant: w}
	}
}

func (p *Pipeline) admitDeadlockDeclaration(
	cand contracts.CandidateBundle,
	meter *gas.Meter,
	delta *state.Delta,
	record func(string, *contracts.Refusal),
) (*contracts.Refusal, admitted) {
	if err := meter.Charge(gas.OpLookup, 1); err != nil {
		r := &contracts.Refusal{Code: contracts.ReasonBoundExhausted, Gate: contracts.GateBudget, CandidateID: cand.ID}
		record(contracts.GateBudget, r)
		return r, admitted{}
	}
	if dl, _ := p.store.Deadlocked(); dl {
		r := &contracts.Refusal{
			Code:        contracts.ReasonDeadlockState,
			Gate:        contracts.GateConflict,
			CandidateID: cand.ID,
			KernelState: "STATE_DEADLOCK",
		}
		record(contracts.GateConflict, r)
		return r, admitted{}
	}
	ok, ids := p.det.Deadlocked()
	if !ok {
		r := &contracts.Refusal{
			Code:        contracts.ReasonInvalidField,
			Gate:        contracts.GateConflict,
			Detail:      "no deadlock condition: an open conflict retains a permitted transformation",
			CandidateID: cand.ID,
		}
		record(contracts.GateConflict, r)
		return r, admitted{}
	}
	record(contracts.GateConflict, nil)
	cause := "no lawful transformation can resolve any open conflict"
	delta.DeclareDeadlock(cause, ids)
	return nil, admitted{dead: &contracts.DeadlockInfo{Cause: cause, ConflictIDs: ids}}
}

// tryAdopt scans the pending set for a ripe proposal. The earliest ripe
// proposal, ordered by proposal cycle then id, adopts.
func (p *Pipeline) tryAdopt(cycle int64, meter *gas.Meter, delta *state.Delta) (*ruleset.Ruleset, contracts.Decision, bool) {
	cooling := p.rules.CoolingPeriod(p.cfg.DefaultCoolingPeriod)
	for _, pending := range p.store.PendingAmendments() {
		if !pending.Ripe(cycle, cooling) {
			continue
		}
		_ = meter.Charge(gas.OpHash, 1)
		adopted, err := ruleset.Parse([]byte(pending.ProposedYAML))
		if err != nil || adopted.Hash != pending.ProposedHash {
			// Validated at queue time; a mismatch here means the pending
			// set was corrupted out of band. Skip it rather than adopt.
			continue
		}
		delta.AdoptAmendment(pending.ProposalID, pending.ProposedHash)
		dec := contracts.Decision{
			Kind:  contracts.DecisionAdopt,
			Cycle: cycle,
			Adoption: &contracts.Adoption{
				ProposalID: pending.ProposalID,
				PriorHash:  pending.PriorHash,
				NewHash:    pending.ProposedHash,
			},
		}
		return adopted, dec, true
	}
	return nil, contracts.Decision{}, false
}

// issueWarrant mints the warrant for an admitted action. The id is derived
// from the cycle and candidate content, so no collaborator can forge one
// and replay reproduces it exactly.
func (p *Pipeline) issueWarrant(cycle int64, cand contracts.CandidateBundle, meter *gas.Meter) (*contracts.Warrant, error) {
	if err := meter.Charge(gas.OpHash, 1); err != nil {
		return nil, err
	}
	scope := contracts.SortScope(cand.Action.Scope)
	h, err := canon.Hash(map[string]any{
		"cycle":        cycle,
		"candidate_id": cand.ID,
		"action_type":  cand.Action.Type,
		"scope":        scope,
	})
	if err != nil {
		return nil, err
	}
	id := "w-" + h[len("sha256:"):len("sha256:")+16]
	return &contracts.Warrant{
		ID:         id,
		ActionType: cand.Action.Type,
		Scope:      scope,
		Origin:     cand.Origin,
		Cycle:      cycle,
	}, nil
}
