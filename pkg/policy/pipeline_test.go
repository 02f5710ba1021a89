package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/warden/pkg/conflict"
	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/gas"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/state"
)

const activeConstitution = `
version: "1.0.0"
title: Test Constitution
sections: [governance, amendments]
eck: [governance]
required_scopes: [deploy]
ratchets:
  cooling_period_cycles: 2
  authorization_threshold: 0.8
clauses:
  - id: CL-001
    title: Operator actions
    grants: [deploy, write_resource]
  - id: CL-AMEND
    title: Amendment power
    grants: [amend_constitution]
    condition: author == "council"
  - id: CL-EXIT
    title: Exit
    grants: [exit, declare_deadlock]
  - id: CL-TREATY
    title: Treaty grantor
    grants: [write_resource]
authorizations:
  operator: [deploy, write_resource]
  council: [amend_constitution]
`

func testConfig() Config {
	return Config{
		DensityThreshold:     1.0,
		PhysicsMarkers:       []string{"exec(", "subprocess"},
		DefaultCoolingPeriod: 2,
	}
}

type fixture struct {
	rules *ruleset.Ruleset
	store *state.Store
	det   *conflict.Detector
	pipe  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rules, err := ruleset.Parse([]byte(activeConstitution))
	require.NoError(t, err)
	store := state.New(rules.Hash)
	det := conflict.NewDetector(store)
	pipe, err := New(testConfig(), rules, store, det)
	require.NoError(t, err)
	return &fixture{rules: rules, store: store, det: det, pipe: pipe}
}

func (f *fixture) inject(t *testing.T, recs ...contracts.AuthorityRecord) {
	t.Helper()
	var d state.Delta
	for _, r := range recs {
		d.InjectAuthority(r)
	}
	require.NoError(t, f.store.Apply(&d))
	f.det.Rebuild()
}

func (f *fixture) evaluate(t *testing.T, cands ...contracts.CandidateBundle) (Outcome, *state.Delta) {
	t.Helper()
	meter := gas.NewMeter(gas.DefaultCosts(), 100_000)
	var delta state.Delta
	out := f.pipe.Evaluate(f.store.Cycle(), nil, cands, meter, &delta)
	return out, &delta
}

func nativeBundle(id, action string, scope ...contracts.ScopeElement) contracts.CandidateBundle {
	b := contracts.CandidateBundle{
		ID:     id,
		Origin: contracts.OriginNative,
		Action: contracts.ActionRequest{Type: action, Author: "operator", Scope: scope},
		Citations: []contracts.AuthorityCitation{
			{ClauseID: "CL-001"},
		},
	}
	if len(scope) > 0 {
		b.ScopeClaim = &contracts.ScopeClaim{Claim: "routine operation"}
	}
	return b
}

func authority(id, holder string, scope ...contracts.ScopeElement) contracts.AuthorityRecord {
	return contracts.AuthorityRecord{
		ID: id, HolderID: holder, Scope: scope,
		Status: contracts.AuthorityActive, StartEpoch: 0, ExpiryEpoch: 100,
	}
}

func TestAdmitsCitedActionAndIssuesWarrant(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "svc-a", Operation: "deploy"}

	out, _ := f.evaluate(t, nativeBundle("c1", "deploy", el))

	require.Equal(t, contracts.DecisionAction, out.Terminal.Kind)
	require.Len(t, out.Warrants, 1)
	w := out.Warrants[0]
	require.Equal(t, "deploy", w.ActionType)
	require.Equal(t, contracts.OriginNative, w.Origin)
	require.Regexp(t, `^w-[0-9a-f]{16}$`, w.ID)

	// All five gates recorded as passed.
	require.Len(t, out.Admission, 5)
	for _, rec := range out.Admission {
		require.True(t, rec.Passed, rec.Gate)
	}
}

func TestWarrantIDsDeterministic(t *testing.T) {
	el := contracts.ScopeElement{Resource: "svc-a", Operation: "deploy"}

	out1, _ := newFixture(t).evaluate(t, nativeBundle("c1", "deploy", el))
	out2, _ := newFixture(t).evaluate(t, nativeBundle("c1", "deploy", el))
	require.Equal(t, out1.Warrants[0].ID, out2.Warrants[0].ID)
}

func TestRefusesUncitedAction(t *testing.T) {
	f := newFixture(t)
	b := nativeBundle("c1", "deploy")
	b.Citations = nil

	out, _ := f.evaluate(t, b)

	require.Equal(t, contracts.DecisionRefuse, out.Terminal.Kind)
	require.Equal(t, contracts.ReasonAuthorityNotFound, out.Terminal.Refusal.Code)
	require.Equal(t, contracts.GateCitation, out.Terminal.Refusal.Gate)
}

func TestRefusesClauseNotGrantingAction(t *testing.T) {
	f := newFixture(t)
	b := nativeBundle("c1", "deploy")
	b.Citations = []contracts.AuthorityCitation{{ClauseID: "CL-EXIT"}}

	out, _ := f.evaluate(t, b)
	require.Equal(t, contracts.ReasonAuthorityNotFound, out.Terminal.Refusal.Code)
}

func TestCELConditionGatesClause(t *testing.T) {
	f := newFixture(t)
	b := amendBundle("c1", safeProposal)
	b.Action.Author = "operator" // CL-AMEND conditions on author == "council"

	out, _ := f.evaluate(t, b)
	require.Equal(t, contracts.ReasonAuthorityNotFound, out.Terminal.Refusal.Code)
}

func TestScopeClaimMustCiteCycleObservations(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "svc-a", Operation: "deploy"}
	b := nativeBundle("c1", "deploy", el)
	b.ScopeClaim.ObservationIDs = []string{"obs-from-last-week"}

	out, _ := f.evaluate(t, b)

	require.Equal(t, contracts.ReasonInvalidField, out.Terminal.Refusal.Code)
	require.Equal(t, contracts.GateScope, out.Terminal.Refusal.Gate)
}

func TestEmptyCycleRefusesWithNoCandidate(t *testing.T) {
	f := newFixture(t)
	out, _ := f.evaluate(t)
	require.Equal(t, contracts.DecisionRefuse, out.Terminal.Kind)
	require.Equal(t, ReasonNoCandidate, out.Terminal.Refusal.Code)
}

func TestContestedScopeRegistersConflictAndRefuses(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "R1", Operation: "write"}
	f.inject(t, authority("A1", "H1", el), authority("A2", "H2", el))

	out, delta := f.evaluate(t, nativeBundle("c1", "write_resource", el))

	// Ancillary conflict registration precedes the terminal refusal.
	require.Len(t, out.Decisions, 2)
	require.Equal(t, contracts.DecisionConflictRegistered, out.Decisions[0].Kind)
	require.Equal(t, "conflict-1", out.Decisions[0].Conflict.ID)

	require.Equal(t, contracts.DecisionRefuse, out.Terminal.Kind)
	require.Equal(t, contracts.ReasonConflictBlocks, out.Terminal.Refusal.Code)
	require.Equal(t, "conflict-1", out.Terminal.Refusal.ConflictID)

	require.NoError(t, f.store.Apply(delta))
	_, ok := f.store.Conflict("conflict-1")
	require.True(t, ok)
}

func TestConflictRefusalIsMonotonicAcrossCycles(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "R1", Operation: "write"}
	f.inject(t, authority("A1", "H1", el), authority("A2", "H2", el))

	out, delta := f.evaluate(t, nativeBundle("c1", "write_resource", el))
	require.Equal(t, contracts.ReasonConflictBlocks, out.Terminal.Refusal.Code)
	require.NoError(t, f.store.Apply(delta))
	f.det.Rebuild()

	// Same refusal next cycle, but no second registration.
	out2, _ := f.evaluate(t, nativeBundle("c2", "write_resource", el))
	require.Equal(t, contracts.ReasonConflictBlocks, out2.Terminal.Refusal.Code)
	require.Len(t, out2.Decisions, 1)
}

func TestTwoCandidatesSameElementShareOneConflict(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "R1", Operation: "write"}
	f.inject(t, authority("A1", "H1", el), authority("A2", "H2", el))

	out, _ := f.evaluate(t,
		nativeBundle("c1", "write_resource", el),
		nativeBundle("c2", "write_resource", el),
	)

	registrations := 0
	for _, d := range out.Decisions {
		if d.Kind == contracts.DecisionConflictRegistered {
			registrations++
		}
	}
	require.Equal(t, 1, registrations)
}

func TestDistinctContestedElementsGetSequentialIDs(t *testing.T) {
	f := newFixture(t)
	e1 := contracts.ScopeElement{Resource: "R1", Operation: "write"}
	e2 := contracts.ScopeElement{Resource: "R2", Operation: "write"}
	f.inject(t,
		authority("A1", "H1", e1, e2),
		authority("A2", "H2", e1, e2),
	)

	out, delta := f.evaluate(t,
		nativeBundle("c1", "write_resource", e1),
		nativeBundle("c2", "write_resource", e2),
	)

	var ids []string
	for _, d := range out.Decisions {
		if d.Kind == contracts.DecisionConflictRegistered {
			ids = append(ids, d.Conflict.ID)
		}
	}
	require.Equal(t, []string{"conflict-1", "conflict-2"}, ids)
	require.NoError(t, f.store.Apply(delta))
}

func TestUncontestedCandidateUnaffectedByOthersConflict(t *testing.T) {
	f := newFixture(t)
	contested := contracts.ScopeElement{Resource: "R1", Operation: "write"}
	free := contracts.ScopeElement{Resource: "R9", Operation: "write"}
	f.inject(t, authority("A1", "H1", contested), authority("A2", "H2", contested))

	out, _ := f.evaluate(t,
		nativeBundle("c1", "write_resource", contested),
		nativeBundle("c2", "write_resource", free),
	)

	require.Equal(t, contracts.DecisionAction, out.Terminal.Kind)
	require.Equal(t, "c2", out.Terminal.Action.Bundle.ID)
}

func TestNativeWarrantsOrderBeforeDelegated(t *testing.T) {
	ws := contracts.SortWarrants([]contracts.Warrant{
		{ID: "w-aaaa", Origin: contracts.OriginDelegated},
		{ID: "w-zzzz", Origin: contracts.OriginNative},
	})
	require.Equal(t, "w-zzzz", ws[0].ID)
}

func TestBudgetExhaustionRefusesWithProgressRetained(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "svc-a", Operation: "deploy"}

	meter := gas.NewMeter(gas.DefaultCosts(), 3)
	var delta state.Delta
	out := f.pipe.Evaluate(0, nil, []contracts.CandidateBundle{nativeBundle("c1", "deploy", el)}, meter, &delta)

	require.Equal(t, contracts.DecisionRefuse, out.Terminal.Kind)
	require.Equal(t, contracts.ReasonBoundExhausted, out.Terminal.Refusal.Code)
	require.True(t, meter.Exhausted())
}

func TestExitAdmitsLikeAnyAction(t *testing.T) {
	f := newFixture(t)
	b := contracts.CandidateBundle{
		ID:        "c1",
		Origin:    contracts.OriginNative,
		Action:    contracts.ActionRequest{Type: contracts.ActionExit, Author: "operator"},
		Citations: []contracts.AuthorityCitation{{ClauseID: "CL-EXIT"}},
	}
	out, _ := f.evaluate(t, b)
	require.Equal(t, contracts.DecisionExit, out.Terminal.Kind)
	require.Empty(t, out.Warrants)
}

func TestSchemaAcceptsScopeClaimWithoutObservationRefs(t *testing.T) {
	f := newFixture(t)
	el := contracts.ScopeElement{Resource: "svc-a", Operation: "deploy"}
	b := nativeBundle("c1", "deploy", el)
	require.Nil(t, b.ScopeClaim.ObservationIDs) // marshals as null, not []

	out, _ := f.evaluate(t, b)

	require.Equal(t, contracts.DecisionAction, out.Terminal.Kind)
	require.Equal(t, contracts.GateSchema, out.Admission[0].Gate)
	require.True(t, out.Admission[0].Passed)
}

func TestSchemaGateRefusesMalformedBundle(t *testing.T) {
	f := newFixture(t)
	b := contracts.CandidateBundle{
		ID:     "c1",
		Origin: contracts.OriginNative,
		Action: contracts.ActionRequest{Type: "", Author: "operator"},
	}
	out, _ := f.evaluate(t, b)
	require.Equal(t, contracts.ReasonInvalidField, out.Terminal.Refusal.Code)
	require.Equal(t, contracts.GateSchema, out.Terminal.Refusal.Gate)
}
