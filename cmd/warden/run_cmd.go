package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/warden/pkg/contracts"
	"github.com/arbiter-labs/warden/pkg/host"
	"github.com/arbiter-labs/warden/pkg/kernel"
	"github.com/arbiter-labs/warden/pkg/ruleset"
	"github.com/arbiter-labs/warden/pkg/runlog"
	"github.com/arbiter-labs/warden/pkg/store"
)

// runRunCmd drives a demonstration decision loop: it injects a root
// authority, submits one scoped candidate per cycle, and records the full
// run log so `warden replay` can verify it.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	constitution := fs.String("constitution", "", "path to the constitution")
	out := fs.String("out", "", "run log directory to create")
	cycles := fs.Int("cycles", 5, "number of cycles to run")
	clause := fs.String("clause", "", "clause id candidates cite")
	action := fs.String("action", "write_resource", "action type candidates request")
	index := fs.String("index", "", "optional run index database to catalog the run in")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *constitution == "" || *out == "" || *clause == "" {
		fmt.Fprintln(stderr, "run requires --constitution, --out and --clause")
		return 2
	}

	rules, err := ruleset.Load(*constitution)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	k, err := kernel.New(kernel.DefaultConfig(), rules)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	w, err := runlog.NewWriter(*out)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	exec := host.ExecutorFunc(func(_ context.Context, warrant contracts.Warrant) contracts.ExecutionRecord {
		return contracts.ExecutionRecord{Status: contracts.ExecSuccess}
	})
	h := host.New(k, w, exec, host.WithRunID(uuid.NewString()))
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if *index != "" {
		if err := catalogStart(*index, h.RunID(), *out, rules.Hash); err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return 1
		}
	}

	scope := contracts.ScopeElement{Resource: "demo", Operation: "write"}
	for c := 0; c < *cycles && !h.Halted(); c++ {
		var obs []contracts.Observation
		if c == 0 {
			obs = append(obs, contracts.Observation{
				ID: "obs-root", Kind: contracts.ObsAuthorityInject, Author: "warden",
				Payload: map[string]any{"authority": map[string]any{
					"id": "authority-root", "holder_id": "operator", "status": "ACTIVE",
					"start_epoch": 0, "expiry_epoch": 1_000_000,
					"scope": []any{map[string]any{"resource": scope.Resource, "operation": scope.Operation}},
				}},
				CreatedAt: time.Now().UTC(),
			})
		}
		cand := contracts.CandidateBundle{
			ID:         fmt.Sprintf("candidate-%d", c),
			Origin:     contracts.OriginNative,
			Action:     contracts.ActionRequest{Type: *action, Author: "operator", Scope: []contracts.ScopeElement{scope}},
			ScopeClaim: &contracts.ScopeClaim{Claim: "demo cycle"},
			Citations:  []contracts.AuthorityCitation{{ClauseID: *clause}},
		}
		res, err := h.Cycle(ctx, obs, []contracts.CandidateBundle{cand})
		if err != nil {
			fmt.Fprintf(stderr, "run: cycle %d: %v\n", c, err)
			return 1
		}
		fmt.Fprintf(stdout, "cycle %d: %s\n", res.Cycle, res.Terminal.Kind)
	}

	if err := h.Complete(ctx); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if *index != "" {
		if err := catalogComplete(*index, h.RunID(), int64(*cycles), k.Head()); err != nil {
			fmt.Fprintf(stderr, "run: %v\n", err)
			return 1
		}
	}

	fmt.Fprintf(stdout, "run %s: %d cycles, head %s\n", h.RunID(), *cycles, k.Head())
	return 0
}

func catalogStart(indexPath, runID, logDir, constitutionHash string) error {
	idx, err := store.Open(indexPath)
	if err != nil {
		return err
	}
	defer idx.Close()
	return idx.RecordStart(context.Background(), runID, logDir, kernel.Version, constitutionHash, time.Now())
}

func catalogComplete(indexPath, runID string, cycles int64, finalHash string) error {
	idx, err := store.Open(indexPath)
	if err != nil {
		return err
	}
	defer idx.Close()
	return idx.RecordComplete(context.Background(), runID, cycles, finalHash, time.Now())
}
