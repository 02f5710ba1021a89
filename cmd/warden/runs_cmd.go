package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/arbiter-labs/warden/pkg/store"
)

func runRunsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	index := fs.String("index", "", "run index database")
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *index == "" {
		fmt.Fprintln(stderr, "runs requires --index")
		return 2
	}

	idx, err := store.Open(*index)
	if err != nil {
		fmt.Fprintf(stderr, "runs: %v\n", err)
		return 1
	}
	defer idx.Close()

	runs, err := idx.List(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "runs: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs recorded")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tCYCLES\tVERDICT\tLOG DIR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Cycles, verdict(r), r.LogDir)
	}
	tw.Flush()
	return 0
}

func verdict(r store.RunSummary) string {
	switch {
	case !r.Verified:
		return "unverified"
	case r.VerifiedOK:
		return "VERIFIED"
	case r.FirstDivergence < 0:
		return "DIVERGED"
	default:
		return fmt.Sprintf("DIVERGED@%d", r.FirstDivergence)
	}
}
