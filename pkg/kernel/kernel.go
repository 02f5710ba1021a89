// Package kernel orchestrates the decision cycle: it sorts the input batch,
// applies control observations, runs the admission pipeline, applies the
// resulting state delta, and extends the hash chain. The kernel decides and
// refuses; it never executes anything.
package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/arbiter-labs/warden/pkg/chain"
	"github.com/arbiter-labs/warden/pkg/conflict"
	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/gas"
	"github.com/arbiter-labs/warden/pkg/policy"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/state"
)

// Kernel is the deterministic decision core. Not safe for concurrent use;
// callers serialize cycles.
type Kernel struct {
	cfg   Config
	rules *ruleset.Ruleset
	store *state.Store
	det   *conflict.Detector
	pipe  *policy.Pipeline
	head  string
}

// New builds a kernel over the given constitution with an empty entity store
// and a genesis chain head.
func New(cfg Config, rules *ruleset.Ruleset) (*Kernel, error) {
	store := state.New(rules.Hash)
	det := conflict.NewDetector(store)
	pipe, err := policy.New(cfg.policyConfig(), rules, store, det)
	if err != nil {
		return nil, err
	}
	head, err := chain.Genesis(rules.Hash, Version)
	if err != nil {
		return nil, err
	}
	return &Kernel{cfg: cfg, rules: rules, store: store, det: det, pipe: pipe, head: head}, nil
}

// Rules returns the active constitution.
func (k *Kernel) Rules() *ruleset.Ruleset { return k.rules }

// Store returns the entity store, read-only by convention.
func (k *Kernel) Store() *state.Store { return k.store }

// Head returns the current chain head.
func (k *Kernel) Head() string { return k.head }

// CycleResult is everything one cycle decided, in the order it was decided.
type CycleResult struct {
	Cycle int64

	// Observations is the batch in canonical order, control observations
	// included, exactly as folded into the chain.
	Observations []contracts.Observation

	Decisions []contracts.Decision
	Terminal  contracts.Decision
	Warrants  []contracts.Warrant
	Admission []contracts.AdmissionRecord
	Selector  []contracts.SelectorRecord

	GasSpent int64
}

// RunCycle evaluates one cycle. Input order does not matter; the batch is
// sorted into canonical order first. Control observations apply before the
// gates run, so an authority injected and an action touching it in the same
// batch interact deterministically.
func (k *Kernel) RunCycle(observations []contracts.Observation, candidates []contracts.CandidateBundle) (CycleResult, error) {
	cycle := k.store.Cycle()
	obs := contracts.SortObservations(observations)
	cands := contracts.SortCandidates(candidates)
	meter := gas.NewMeter(k.cfg.GasCosts, k.cfg.CycleBudget)

	if err := k.applyControl(obs, meter); err != nil {
		return CycleResult{}, fmt.Errorf("kernel: cycle %d: %w", cycle, err)
	}
	k.det.Rebuild()

	var delta state.Delta
	out := k.pipe.Evaluate(cycle, obs, cands, meter, &delta)

	if err := k.store.Apply(&delta); err != nil {
		return CycleResult{}, fmt.Errorf("kernel: cycle %d: apply delta: %w", cycle, err)
	}
	k.det.Rebuild()

	if out.Adopted != nil {
		k.rules = out.Adopted
		k.pipe.SwapRules(out.Adopted)
	}

	res := CycleResult{
		Cycle:        cycle,
		Observations: obs,
		Decisions:    out.Decisions,
		Terminal:     out.Terminal,
		Warrants:     out.Warrants,
		Admission:    out.Admission,
		GasSpent:     meter.Spent(),
	}
	for _, d := range out.Decisions {
		res.Selector = append(res.Selector, selectorRecord(d))
	}
	return res, nil
}

// Seal folds the cycle's records plus the executor's records into the chain
// and returns the new head. The host calls it once per cycle, after
// execution results are in.
func (k *Kernel) Seal(res CycleResult, execution []contracts.ExecutionRecord) (string, error) {
	next, err := chain.Next(k.head, chain.CycleRecords{
		Observations: res.Observations,
		Admission:    res.Admission,
		Selector:     res.Selector,
		Execution:    execution,
	})
	if err != nil {
		return "", fmt.Errorf("kernel: seal cycle %d: %w", res.Cycle, err)
	}
	k.head = next
	return next, nil
}

// applyControl turns the batch's control observations into a delta applied
// before evaluation. A malformed control observation fails the cycle: these
// come from the host, not from candidates, and are trusted to be well
// formed.
func (k *Kernel) applyControl(obs []contracts.Observation, meter *gas.Meter) error {
	var ctl state.Delta
	n := 0
	for _, o := range obs {
		if !o.Kind.IsControl() {
			continue
		}
		n++
		if err := meter.Charge(gas.OpStateUpdate, 1); err != nil {
			return fmt.Errorf("control observation %s: %w", o.ID, err)
		}
		if err := controlOp(&ctl, o, k.store.Epoch()); err != nil {
			return fmt.Errorf("control observation %s: %w", o.ID, err)
		}
	}
	if n == 0 {
		return nil
	}
	if err := k.store.ApplyControl(&ctl); err != nil {
		return fmt.Errorf("apply control delta: %w", err)
	}
	return nil
}

func controlOp(d *state.Delta, o contracts.Observation, epoch int64) error {
	prov := contracts.Provenance{Actor: o.Author, Epoch: epoch, Reason: payloadString(o.Payload, "reason")}
	switch o.Kind {
	case contracts.ObsAuthorityInject:
		var rec contracts.AuthorityRecord
		if err := decodePayload(o.Payload, "authority", &rec); err != nil {
			return err
		}
		if rec.Status == "" {
			rec.Status = contracts.AuthorityActive
		}
		d.InjectAuthority(rec)
	case contracts.ObsAuthorityDestroy:
		id := payloadString(o.Payload, "authority_id")
		if id == "" {
			return fmt.Errorf("authority.destroy without authority_id")
		}
		d.DestroyAuthority(id, prov)
	case contracts.ObsAuthorityRenew:
		pred := payloadString(o.Payload, "predecessor_id")
		var succ contracts.AuthorityRecord
		if err := decodePayload(o.Payload, "authority", &succ); err != nil {
			return err
		}
		if pred == "" {
			return fmt.Errorf("authority.renew without predecessor_id")
		}
		if succ.Status == "" {
			succ.Status = contracts.AuthorityActive
		}
		d.RenewAuthority(pred, succ, prov)
	case contracts.ObsEpoch:
		var e struct {
			Epoch int64 `json:"epoch"`
		}
		if err := decodePayload(o.Payload, "", &e); err != nil {
			return err
		}
		d.AdvanceEpoch(e.Epoch)
	case contracts.ObsConflictResolve:
		id := payloadString(o.Payload, "conflict_id")
		if id == "" {
			return fmt.Errorf("conflict.resolve without conflict_id")
		}
		d.ResolveConflict(id, prov)
	case contracts.ObsTreatyGrant:
		var g contracts.TreatyGrant
		if err := decodePayload(o.Payload, "grant", &g); err != nil {
			return err
		}
		d.RegisterGrant(g)
	default:
		return fmt.Errorf("unknown control kind %q", o.Kind)
	}
	return nil
}

// decodePayload extracts payload[key] (or the whole payload when key is "")
// into out via a JSON round trip.
func decodePayload(payload map[string]any, key string, out any) error {
	var v any = payload
	if key != "" {
		var ok bool
		v, ok = payload[key]
		if !ok {
			return fmt.Errorf("payload missing %q", key)
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func selectorRecord(d contracts.Decision) contracts.SelectorRecord {
	rec := contracts.SelectorRecord{Cycle: d.Cycle, Kind: d.Kind}
	switch d.Kind {
	case contracts.DecisionAction:
		rec.WarrantID = d.Action.Warrant.ID
	case contracts.DecisionRefuse:
		rec.Code = d.Refusal.Code
		rec.ConflictID = d.Refusal.ConflictID
	case contracts.DecisionQueueAmendment:
		rec.ProposalID = d.Queued.ProposalID
	case contracts.DecisionAdopt:
		rec.ProposalID = d.Adoption.ProposalID
	case contracts.DecisionConflictRegistered:
		rec.ConflictID = d.Conflict.ID
	}
	return rec
}
