package policy

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/gas"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/state"
)

// cycleCtx tracks conflict registrations made within the current cycle so
// two candidates contesting the same element share one record, and two
// fresh conflicts in one cycle get distinct sequential ids.
type cycleCtx struct {
	nextSeq    int64
	registered map[string]contracts.ConflictRecord
}

func newCycleCtx(next string) *cycleCtx {
	n, _ := strconv.ParseInt(strings.TrimPrefix(next, "conflict-"), 10, 64)
	return &cycleCtx{nextSeq: n, registered: make(map[string]contracts.ConflictRecord)}
}

// gateSchema validates the bundle's shape against the candidate schema.
func (p *Pipeline) gateSchema(cand contracts.CandidateBundle) *contracts.Refusal {
	raw, err := json.Marshal(cand)
	if err != nil {
		return &contracts.Refusal{
			Code: contracts.ReasonInvalidField, Gate: contracts.GateSchema,
			Detail: err.Error(), CandidateID: cand.ID,
		}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &contracts.Refusal{
			Code: contracts.ReasonInvalidField, Gate: contracts.GateSchema,
			Detail: err.Error(), CandidateID: cand.ID,
		}
	}
	if err := p.schema.Validate(v); err != nil {
		return &contracts.Refusal{
			Code: contracts.ReasonInvalidField, Gate: contracts.GateSchema,
			Detail: err.Error(), CandidateID: cand.ID,
		}
	}
	return nil
}

// gateCitation checks the authority case. Native candidates must cite at
// least one active clause that authorizes the action; delegated candidates
// must carry a verifiable signed token under a registered, revocable,
// unexpired grant whose grantor clause is still constitutional.
func (p *Pipeline) gateCitation(cand contracts.CandidateBundle) *contracts.Refusal {
	if cand.Origin == contracts.OriginDelegated {
		return p.citeDelegated(cand)
	}
	return p.citeNative(cand)
}

func (p *Pipeline) citeNative(cand contracts.CandidateBundle) *contracts.Refusal {
	refuse := func(code contracts.ReasonCode, detail string) *contracts.Refusal {
		return &contracts.Refusal{Code: code, Gate: contracts.GateCitation, Detail: detail, CandidateID: cand.ID}
	}
	if len(cand.Citations) == 0 {
		return refuse(contracts.ReasonAuthorityNotFound, "no authority cited")
	}
	in := ruleset.CitationInput{
		ActionType: cand.Action.Type,
		Author:     cand.Action.Author,
		Origin:     string(cand.Origin),
	}
	for _, cit := range cand.Citations {
		ok, err := p.rules.Authorizes(cit.ClauseID, in)
		if err != nil {
			return refuse(contracts.ReasonInvalidField, fmt.Sprintf("clause %s: %v", cit.ClauseID, err))
		}
		if ok {
			return nil
		}
	}
	return refuse(contracts.ReasonAuthorityNotFound, "no cited clause authorizes the action")
}

func (p *Pipeline) citeDelegated(cand contracts.CandidateBundle) *contracts.Refusal {
	refuse := func(code contracts.ReasonCode, detail string) *contracts.Refusal {
		return &contracts.Refusal{Code: code, Gate: contracts.GateCitation, Detail: detail, CandidateID: cand.ID}
	}
	if cand.GrantToken == "" {
		return refuse(contracts.ReasonSignatureMissing, "delegated candidate carries no grant token")
	}
	grant, ok := p.store.Grant(cand.GrantID)
	if !ok {
		return refuse(contracts.ReasonSignatureInvalid, fmt.Sprintf("grant %q not registered", cand.GrantID))
	}
	keyBytes, err := hex.DecodeString(grant.PublicKeyHex)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return refuse(contracts.ReasonSignatureInvalid, "grant public key malformed")
	}
	pub := ed25519.PublicKey(keyBytes)

	tok, err := jwt.Parse(cand.GrantToken,
		func(t *jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil || !tok.Valid {
		return refuse(contracts.ReasonSignatureInvalid, "grant token verification failed")
	}
	if claims, ok := tok.Claims.(jwt.MapClaims); ok {
		if gid, _ := claims["grant_id"].(string); gid != grant.ID {
			return refuse(contracts.ReasonSignatureInvalid, "grant token bound to a different grant")
		}
	}

	if _, ok := p.rules.Clause(grant.GrantorClause); !ok {
		return refuse(contracts.ReasonGrantorNotConst,
			fmt.Sprintf("grantor clause %s absent from active constitution", grant.GrantorClause))
	}
	if grant.ExpiryEpoch <= p.store.Epoch() {
		return refuse(contracts.ReasonGrantorLacksPerm, "grant expired")
	}
	permitted := false
	for _, a := range grant.Actions {
		if a == cand.Action.Type {
			permitted = true
			break
		}
	}
	if !permitted {
		return refuse(contracts.ReasonGrantorLacksPerm,
			fmt.Sprintf("grant does not cover action %q", cand.Action.Type))
	}
	if !grant.Revocable {
		return refuse(contracts.ReasonNonrevocableGrant, "nonrevocable grants are never honored")
	}
	return nil
}

// gateScope checks the scope claim against the cycle's observation batch.
// Amendment proposals additionally pass the safety checks; the parsed
// proposed ruleset is returned for the issuance step.
func (p *Pipeline) gateScope(
	cand contracts.CandidateBundle,
	observations []contracts.Observation,
	meter *gas.Meter,
) (*ruleset.Ruleset, *contracts.Refusal) {
	refuse := func(code contracts.ReasonCode, detail string) (*ruleset.Ruleset, *contracts.Refusal) {
		return nil, &contracts.Refusal{Code: code, Gate: contracts.GateScope, Detail: detail, CandidateID: cand.ID}
	}

	if len(cand.Action.Scope) > 0 {
		if cand.ScopeClaim == nil || cand.ScopeClaim.Claim == "" {
			return refuse(contracts.ReasonInvalidField, "scoped action carries no scope claim")
		}
		seen := make(map[string]bool, len(observations))
		for _, o := range observations {
			seen[o.ID] = true
		}
		for _, id := range cand.ScopeClaim.ObservationIDs {
			if !seen[id] {
				return refuse(contracts.ReasonInvalidField,
					fmt.Sprintf("scope claim cites observation %q outside this cycle", id))
			}
		}
	}

	if cand.Action.Type != contracts.ActionAmendConstitution {
		return nil, nil
	}

	if cand.ProposedConstitution == "" {
		return refuse(contracts.ReasonInvalidField, "amendment carries no proposed constitution")
	}
	if err := meter.Charge(gas.OpHash, 1); err != nil {
		return nil, &contracts.Refusal{Code: contracts.ReasonBoundExhausted, Gate: contracts.GateBudget, CandidateID: cand.ID}
	}
	proposed, err := ruleset.Parse([]byte(cand.ProposedConstitution))
	if err != nil {
		return refuse(contracts.ReasonInvalidField, fmt.Sprintf("proposed constitution: %v", err))
	}

	// Safety checks run in a fixed order; the first hit names the refusal.
	if collapsed := ruleset.CollapsedScopes(p.rules, proposed); len(collapsed) > 0 {
		return refuse(contracts.ReasonScopeCollapse,
			fmt.Sprintf("proposal removes required scopes: %s", strings.Join(collapsed, ", ")))
	}
	if d := proposed.Density(); d >= p.cfg.DensityThreshold {
		return refuse(contracts.ReasonUniversalAuth,
			fmt.Sprintf("authorization density %.2f reaches threshold %.2f", d, p.cfg.DensityThreshold))
	}
	if proposed.HasWildcard() {
		return refuse(contracts.ReasonWildcardMapping, "proposal grants a wildcard authority mapping")
	}
	if field := ruleset.DegradedRatchet(p.rules, proposed); field != "" {
		return refuse(contracts.ReasonEnvelopeDegraded,
			fmt.Sprintf("proposal weakens ratchet %s", field))
	}
	if marker, hit := proposed.ContainsMarker(p.cfg.PhysicsMarkers); hit {
		return refuse(contracts.ReasonPhysicsClaim,
			fmt.Sprintf("proposal contains forbidden marker %q", marker))
	}
	if missing := ruleset.MissingECK(p.rules, proposed); len(missing) > 0 {
		return refuse(contracts.ReasonECKMissing,
			fmt.Sprintf("proposal drops entrenched clauses: %s", strings.Join(missing, ", ")))
	}
	return proposed, nil
}

// gateConflict refuses any candidate touching contested scope. First
// contact with a contested element registers the conflict as an ancillary
// decision; the refusal is unconditional until the conflict is resolved or
// a participant is destroyed.
func (p *Pipeline) gateConflict(
	cycle int64,
	cand contracts.CandidateBundle,
	meter *gas.Meter,
	delta *state.Delta,
	out *Outcome,
	cc *cycleCtx,
) *contracts.Refusal {
	if dl, cause := p.store.Deadlocked(); dl {
		return &contracts.Refusal{
			Code: contracts.ReasonDeadlockState, Gate: contracts.GateConflict,
			Detail: cause, CandidateID: cand.ID, KernelState: "STATE_DEADLOCK",
		}
	}
	for _, el := range contracts.SortScope(cand.Action.Scope) {
		if err := meter.Charge(gas.OpLookup, 1); err != nil {
			return &contracts.Refusal{Code: contracts.ReasonBoundExhausted, Gate: contracts.GateBudget, CandidateID: cand.ID}
		}
		if rec, ok := cc.registered[el.Key()]; ok {
			return conflictBlocks(cand.ID, rec.ID, el)
		}
		rec, contested, fresh := p.det.Check(el)
		if !contested {
			continue
		}
		if fresh {
			rec.ID = fmt.Sprintf("conflict-%d", cc.nextSeq)
			cc.nextSeq++
			cc.registered[el.Key()] = rec
			delta.RegisterConflict(rec)
			reg := rec
			out.Decisions = append(out.Decisions, contracts.Decision{
				Kind:     contracts.DecisionConflictRegistered,
				Cycle:    cycle,
				Conflict: &reg,
			})
		}
		return conflictBlocks(cand.ID, rec.ID, el)
	}
	return nil
}

func conflictBlocks(candidateID, conflictID string, el contracts.ScopeElement) *contracts.Refusal {
	return &contracts.Refusal{
		Code:        contracts.ReasonConflictBlocks,
		Gate:        contracts.GateConflict,
		Detail:      fmt.Sprintf("scope element %s is contested", el.Key()),
		CandidateID: candidateID,
		ConflictID:  conflictID,
	}
}
