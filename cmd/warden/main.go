// Command warden is the operational surface of the admission kernel: it
// runs demo decision loops, verifies recorded runs offline, and inspects
// the run index.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "replay", "verify":
		return runReplayCmd(args[2:], stdout, stderr)
	case "runs":
		return runRunsCmd(args[2:], stdout, stderr)
	case "hash":
		return runHashCmd(args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "warden - deterministic admission kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run      Run a decision loop against a constitution (--constitution, --out, --cycles)")
	fmt.Fprintln(w, "  replay   Verify a recorded run offline (--constitution, --logs, --json)")
	fmt.Fprintln(w, "  runs     List catalogued runs (--index)")
	fmt.Fprintln(w, "  hash     Print the content hash of a constitution (--constitution)")
	fmt.Fprintln(w, "  version  Print the kernel version")
}
