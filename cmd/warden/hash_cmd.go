package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/arbiter-labs/warden/pkg/kernel"
	"github.com/arbiter-labs/warden/pkg/ruleset"
)

func runHashCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	constitution := fs.String("constitution", "", "path to the constitution")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *constitution == "" {
		fmt.Fprintln(stderr, "hash requires --constitution")
		return 2
	}

	rules, err := ruleset.Load(*constitution)
	if err != nil {
		fmt.Fprintf(stderr, "hash: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, rules.Hash)
	return 0
}

func runVersionCmd(stdout io.Writer) int {
	fmt.Fprintln(stdout, kernel.Version)
	return 0
}
