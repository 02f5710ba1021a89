package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/arbiter-labs/warden/pkg/kernel"
	"github.com/arbiter-labs/warden/pkg/replay"
	"github.com/arbiter-labs/warden/pkg/store"
)

// runReplayCmd verifies a recorded run. Exit codes: 0 verified, 1 diverged
// or preflight failure, 2 usage error.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	constitution := fs.String("constitution", "", "path to the constitution the run started from")
	logs := fs.String("logs", "", "run log directory")
	index := fs.String("index", "", "optional run index database to record the verdict in")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *constitution == "" || *logs == "" {
		fmt.Fprintln(stderr, "replay requires --constitution and --logs")
		return 2
	}

	report, err := replay.Verify(*constitution, *logs, kernel.DefaultConfig())
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "replay: %v\n", err)
			return 1
		}
	} else {
		printReport(stdout, report)
	}

	if *index != "" {
		if err := recordVerdict(*index, report); err != nil {
			fmt.Fprintf(stderr, "replay: %v\n", err)
			return 1
		}
	}

	if report.OK() {
		return 0
	}
	return 1
}

func printReport(w io.Writer, report *replay.Report) {
	if report.Fatal != nil {
		fmt.Fprintf(w, "FATAL %s: %s\n", report.Fatal.Code, report.Fatal.Detail)
		return
	}
	for _, c := range report.Cycles {
		if c.Status == replay.CycleMatch {
			fmt.Fprintf(w, "cycle %d: MATCH\n", c.Cycle)
			continue
		}
		fmt.Fprintf(w, "cycle %d: DIVERGENCE %s: %s\n", c.Cycle, c.Code, c.Detail)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	switch {
	case report.OK():
		fmt.Fprintf(w, "run %s: VERIFIED (%d/%d cycles matched, final hash ok)\n",
			report.RunID, report.CyclesMatched, report.CyclesReplayed)
	case report.FirstDivergence >= 0:
		fmt.Fprintf(w, "run %s: DIVERGED at cycle %d (%d/%d cycles matched)\n",
			report.RunID, report.FirstDivergence, report.CyclesMatched, report.CyclesReplayed)
	default:
		fmt.Fprintf(w, "run %s: DIVERGED, final hash unconfirmed (%d/%d cycles matched)\n",
			report.RunID, report.CyclesMatched, report.CyclesReplayed)
	}
}

func recordVerdict(indexPath string, report *replay.Report) error {
	idx, err := store.Open(indexPath)
	if err != nil {
		return err
	}
	defer idx.Close()
	return idx.RecordVerification(context.Background(), report.RunID, report.OK(), report.FirstDivergence, time.Now())
}
