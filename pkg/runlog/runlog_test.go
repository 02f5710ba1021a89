package runlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/warden/pkg/contracts"
)

func startedRun(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.RunStart(RunMeta{
		RunID:            "run-1",
		KernelVersion:    "1.4.0",
		ConstitutionHash: "sha256:c0",
		StartedAt:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))
	return w, dir
}

func TestRoundTrip(t *testing.T) {
	w, dir := startedRun(t)

	obs := contracts.Observation{ID: "o1", Kind: contracts.ObsUserInput, Author: "H1"}
	require.NoError(t, w.Observation(0, obs))
	require.NoError(t, w.Artifact(0, contracts.CandidateBundle{ID: "c1", Origin: contracts.OriginNative}))
	require.NoError(t, w.Admission(contracts.AdmissionRecord{Cycle: 0, CandidateID: "c1", Gate: "schema", Passed: true}))
	require.NoError(t, w.Selector(contracts.SelectorRecord{Cycle: 0, Kind: contracts.DecisionAction, WarrantID: "w-1"}))
	require.NoError(t, w.Outbox(contracts.OutboxRecord{Cycle: 0, WarrantID: "w-1"}))
	require.NoError(t, w.Execution(contracts.ExecutionRecord{Cycle: 0, WarrantID: "w-1", Status: contracts.ExecSuccess}))
	require.NoError(t, w.Reconciliation(contracts.ReconciliationRecord{Cycle: 0, WarrantID: "w-1", Status: contracts.ExecSuccess}))
	require.NoError(t, w.StateHash(0, "sha256:h0"))
	require.NoError(t, w.RunComplete(RunComplete{Cycles: 1, FinalHash: "sha256:h0"}))
	require.NoError(t, w.Close())

	logs, err := Read(dir)
	require.NoError(t, err)

	require.Equal(t, "run-1", logs.Meta.RunID)
	require.Equal(t, "1.4.0", logs.Meta.KernelVersion)
	require.NotNil(t, logs.Complete)
	require.Equal(t, int64(1), logs.Complete.Cycles)

	require.Equal(t, []contracts.Observation{obs}, logs.Observations[0])
	require.Len(t, logs.Artifacts[0], 1)
	require.Len(t, logs.Admission[0], 1)
	require.Equal(t, "w-1", logs.Selector[0][0].WarrantID)
	require.Equal(t, "sha256:h0", logs.StateHashes[0])
	require.Equal(t, int64(0), logs.MaxCycle)
}

func TestAppendAcrossReopens(t *testing.T) {
	w, dir := startedRun(t)
	require.NoError(t, w.StateHash(0, "sha256:h0"))
	require.NoError(t, w.Close())

	w2, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w2.StateHash(1, "sha256:h1"))
	require.NoError(t, w2.Close())

	logs, err := Read(dir)
	require.NoError(t, err)
	require.Equal(t, "sha256:h0", logs.StateHashes[0])
	require.Equal(t, "sha256:h1", logs.StateHashes[1])
	require.Equal(t, int64(1), logs.MaxCycle)
}

func TestMalformedLineFailsLoad(t *testing.T) {
	w, dir := startedRun(t)
	require.NoError(t, w.StateHash(0, "sha256:h0"))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(filepath.Join(dir, FileStateHashes), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Read(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestMissingRunStartFailsLoad(t *testing.T) {
	_, err := Read(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "RUN_START")
}

func TestIncompleteRunLoadsWithoutComplete(t *testing.T) {
	w, dir := startedRun(t)
	require.NoError(t, w.StateHash(0, "sha256:h0"))
	require.NoError(t, w.Close())

	logs, err := Read(dir)
	require.NoError(t, err)
	require.Nil(t, logs.Complete)
}
