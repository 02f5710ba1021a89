package replay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/kernel"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/runlog"
)

const testConstitution = `
version: "1.0.0"
title: Replay Test Constitution
sections: [governance]
eck: [governance]
ratchets:
  cooling_period_cycles: 2
  authorization_threshold: 0.8
clauses:
  - id: CL-001
    title: Operator actions
    grants: [deploy, write_resource]
`

func writeConstitution(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "constitution.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConstitution), 0o644))
	return path
}

func bundle(id string, scope ...contracts.ScopeElement) contracts.CandidateBundle {
	b := contracts.CandidateBundle{
		ID:        id,
		Origin:    contracts.OriginNative,
		Action:    contracts.ActionRequest{Type: "write_resource", Author: "operator", Scope: scope},
		Citations: []contracts.AuthorityCitation{{ClauseID: "CL-001"}},
	}
	if len(scope) > 0 {
		b.ScopeClaim = &contracts.ScopeClaim{Claim: "test"}
	}
	return b
}

func injectObs(id, authorityID string, scope contracts.ScopeElement) contracts.Observation {
	return contracts.Observation{
		ID: id, Kind: contracts.ObsAuthorityInject, Author: "host",
		Payload: map[string]any{"authority": map[string]any{
			"id": authorityID, "holder_id": "operator", "status": "ACTIVE",
			"start_epoch": 0, "expiry_epoch": 100,
			"scope": []any{map[string]any{"resource": scope.Resource, "operation": scope.Operation}},
		}},
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

type cycleInput struct {
	obs   []contracts.Observation
	cands []contracts.CandidateBundle
}

// recordRun executes the cycles through a live kernel and writes every
// stream, the way the host loop does.
func recordRun(t *testing.T, dir string, cycles []cycleInput) {
	t.Helper()
	rules, err := ruleset.Parse([]byte(testConstitution))
	require.NoError(t, err)
	k, err := kernel.New(kernel.DefaultConfig(), rules)
	require.NoError(t, err)

	w, err := runlog.NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.RunStart(runlog.RunMeta{
		RunID:            "run-test",
		KernelVersion:    kernel.Version,
		ConstitutionHash: rules.Hash,
		StartedAt:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	for _, in := range cycles {
		res, err := k.RunCycle(in.obs, in.cands)
		require.NoError(t, err)

		for _, o := range res.Observations {
			require.NoError(t, w.Observation(res.Cycle, o))
		}
		for _, b := range in.cands {
			require.NoError(t, w.Artifact(res.Cycle, b))
		}
		for _, rec := range res.Admission {
			require.NoError(t, w.Admission(rec))
		}
		for _, rec := range res.Selector {
			require.NoError(t, w.Selector(rec))
		}

		var exec []contracts.ExecutionRecord
		if len(res.Warrants) == 0 {
			exec = append(exec, contracts.ExecutionRecord{Cycle: res.Cycle, Status: contracts.ExecNoAction})
		}
		for _, warrant := range res.Warrants {
			exec = append(exec, contracts.ExecutionRecord{Cycle: res.Cycle, WarrantID: warrant.ID, Status: contracts.ExecSuccess})
			require.NoError(t, w.Outbox(contracts.OutboxRecord{Cycle: res.Cycle, WarrantID: warrant.ID}))
			require.NoError(t, w.Reconciliation(contracts.ReconciliationRecord{Cycle: res.Cycle, WarrantID: warrant.ID, Status: contracts.ExecSuccess}))
		}
		for _, rec := range exec {
			require.NoError(t, w.Execution(rec))
		}

		head, err := k.Seal(res, exec)
		require.NoError(t, err)
		require.NoError(t, w.StateHash(res.Cycle, head))
	}

	require.NoError(t, w.RunComplete(runlog.RunComplete{Cycles: int64(len(cycles)), FinalHash: k.Head()}))
	require.NoError(t, w.Close())
}

func fiveCycleRun(t *testing.T, dir string) {
	t.Helper()
	scope := contracts.ScopeElement{Resource: "R1", Operation: "write"}
	recordRun(t, dir, []cycleInput{
		{obs: []contracts.Observation{injectObs("o1", "A1", scope)}, cands: []contracts.CandidateBundle{bundle("c0", scope)}},
		{cands: []contracts.CandidateBundle{bundle("c1", scope)}},
		{},
		{cands: []contracts.CandidateBundle{bundle("c3", scope)}},
		{cands: []contracts.CandidateBundle{bundle("c4", scope)}},
	})
}

func TestCleanRunVerifies(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Len(t, report.Cycles, 5)
	for _, c := range report.Cycles {
		require.Equal(t, CycleMatch, c.Status)
		require.True(t, c.DecisionMatch)
		require.True(t, c.StateHashMatch)
	}
	require.Equal(t, int64(5), report.CyclesReplayed)
	require.Equal(t, int64(5), report.CyclesMatched)
	require.True(t, report.FinalHashMatch)
	require.Empty(t, report.Errors)
}

func TestTamperedArtifactDivergesFromThatCycleOn(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	path := filepath.Join(dir, runlog.FileArtifacts)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"id":"c3"`, `"id":"c3-tampered"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, int64(3), report.FirstDivergence)

	require.Equal(t, CycleMatch, report.Cycles[0].Status)
	require.Equal(t, CycleMatch, report.Cycles[1].Status)
	require.Equal(t, CycleMatch, report.Cycles[2].Status)
	require.Equal(t, CycleDivergence, report.Cycles[3].Status)
	require.Equal(t, contracts.ReasonDecisionDivergence, report.Cycles[3].Code)
	require.False(t, report.Cycles[3].DecisionMatch)
	// The chain folds each cycle into the next, so the tamper propagates.
	require.Equal(t, CycleDivergence, report.Cycles[4].Status)
	require.Equal(t, int64(5), report.CyclesReplayed)
	require.Equal(t, int64(3), report.CyclesMatched)
}

func TestTamperedStateHashDiverges(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	path := filepath.Join(dir, runlog.FileStateHashes)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[2] = strings.Replace(lines[2], "sha256:", "sha256:0000", 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, int64(2), report.FirstDivergence)
	require.Equal(t, contracts.ReasonStateHashDivergence, report.Cycles[2].Code)
	require.True(t, report.Cycles[2].DecisionMatch)
	require.False(t, report.Cycles[2].StateHashMatch)
}

func TestTamperedAdmissionTraceDiverges(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	// Flip a gate verdict field in the logged admission trace. The replayed
	// decisions are recomputed from observations and artifacts, so only a
	// comparison against the logged records can catch this.
	path := filepath.Join(dir, runlog.FileAdmission)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"passed":true`, `"passed":false`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, int64(0), report.FirstDivergence)
	require.Equal(t, contracts.ReasonDecisionDivergence, report.Cycles[0].Code)
	require.False(t, report.Cycles[0].DecisionMatch)
	// The admission stream is chained, so the logged state hash no longer
	// reproduces either.
	require.False(t, report.Cycles[0].StateHashMatch)
	require.False(t, report.FinalHashMatch)
}

func TestTruncatedTrailingCycleFailsFinalHash(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	// Drop every record of the last cycle from every stream. Each surviving
	// cycle still matches; only the final hash and cycle count expose the
	// truncation.
	for _, name := range []string{
		runlog.FileObservations, runlog.FileArtifacts, runlog.FileAdmission,
		runlog.FileSelector, runlog.FileExecution, runlog.FileOutbox,
		runlog.FileReconciliation, runlog.FileStateHashes,
	} {
		dropLines(t, filepath.Join(dir, name), `"cycle":4`)
	}

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, int64(-1), report.FirstDivergence)
	require.Equal(t, int64(4), report.CyclesReplayed)
	require.Equal(t, int64(4), report.CyclesMatched)
	require.False(t, report.FinalHashMatch)
	require.NotEmpty(t, report.Errors)
}

func dropLines(t *testing.T, path, marker string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	var kept []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" || strings.Contains(line, marker) {
			continue
		}
		kept = append(kept, line)
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0o644))
}

func TestVersionMismatchFailsFast(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	path := filepath.Join(dir, runlog.FileRunMeta)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), kernel.Version, "0.9.0", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, report.Fatal)
	require.Equal(t, contracts.ReasonVersionMismatch, report.Fatal.Code)
	require.Empty(t, report.Cycles)
}

func TestConstitutionMismatchFailsFast(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	other := filepath.Join(t.TempDir(), "constitution.yaml")
	doc := strings.Replace(testConstitution, "Replay Test Constitution", "A Different Constitution", 1)
	require.NoError(t, os.WriteFile(other, []byte(doc), 0o644))

	report, err := Verify(other, dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, report.Fatal)
	require.Equal(t, contracts.ReasonConstitutionMismatch, report.Fatal.Code)
}

func TestMissingReconciliationFlagsGap(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, runlog.FileReconciliation)))

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	// Cycle 0 issued the first warrant.
	require.Equal(t, int64(0), report.FirstDivergence)
	require.Equal(t, contracts.ReasonReconciliationGap, report.Cycles[0].Code)
}

func TestFabricatedOutboxFlagsGap(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	// Cycle 2 issued no warrant; queue and reconcile a forged one so the
	// reconciliation stream alone looks consistent.
	appendLine(t, filepath.Join(dir, runlog.FileOutbox),
		`{"cycle":2,"warrant_id":"w-forged"}`)
	appendLine(t, filepath.Join(dir, runlog.FileReconciliation),
		`{"cycle":2,"warrant_id":"w-forged","execution_status":"SUCCESS"}`)

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, int64(2), report.FirstDivergence)
	require.Equal(t, contracts.ReasonReconciliationGap, report.Cycles[2].Code)
	require.Contains(t, report.Cycles[2].Detail, "never issued")
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRogueExecutionFlagsGap(t *testing.T) {
	dir := t.TempDir()
	scope := contracts.ScopeElement{Resource: "R1", Operation: "write"}

	rules, err := ruleset.Parse([]byte(testConstitution))
	require.NoError(t, err)
	k, err := kernel.New(kernel.DefaultConfig(), rules)
	require.NoError(t, err)

	w, err := runlog.NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.RunStart(runlog.RunMeta{
		RunID: "run-rogue", KernelVersion: kernel.Version, ConstitutionHash: rules.Hash,
		StartedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))

	res, err := k.RunCycle([]contracts.Observation{injectObs("o1", "A1", scope)}, nil)
	require.NoError(t, err)
	for _, o := range res.Observations {
		require.NoError(t, w.Observation(0, o))
	}
	for _, rec := range res.Admission {
		require.NoError(t, w.Admission(rec))
	}
	for _, rec := range res.Selector {
		require.NoError(t, w.Selector(rec))
	}
	// A SUCCESS execution record for a warrant the kernel never issued.
	rogue := []contracts.ExecutionRecord{{Cycle: 0, WarrantID: "w-forged", Status: contracts.ExecSuccess}}
	require.NoError(t, w.Execution(rogue[0]))
	head, err := k.Seal(res, rogue)
	require.NoError(t, err)
	require.NoError(t, w.StateHash(0, head))
	require.NoError(t, w.RunComplete(runlog.RunComplete{Cycles: 1, FinalHash: k.Head()}))
	require.NoError(t, w.Close())

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, contracts.ReasonReconciliationGap, report.Cycles[0].Code)
	require.Contains(t, report.Cycles[0].Detail, "without a matching ACTION decision")
}

func TestNoActionRecordOnActionCycleFlagsGap(t *testing.T) {
	dir := t.TempDir()
	fiveCycleRun(t, dir)

	// Cycle 1 decided ACTION; a NO_ACTION outcome contradicts it.
	appendLine(t, filepath.Join(dir, runlog.FileExecution),
		`{"cycle":1,"execution_status":"NO_ACTION"}`)

	report, err := Verify(writeConstitution(t), dir, kernel.DefaultConfig())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, int64(1), report.FirstDivergence)
	require.Equal(t, contracts.ReasonReconciliationGap, report.Cycles[1].Code)
	require.Contains(t, report.Cycles[1].Detail, "NO_ACTION")
}
