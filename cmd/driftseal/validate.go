package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mhaldre/driftseal/core/bundle"
)

func runValidate(arguments []string) int {
	flagSet := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := flagSet.Parse(arguments); err != nil {
		return exitFailure
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: driftseal validate <bundleDir>")
		return exitFailure
	}
	dir := flagSet.Arg(0)

	result := bundle.Validate(dir)
	for _, warning := range result.Warnings {
		fmt.Printf("WARN: %s\n", warning)
	}
	for _, message := range result.Errors {
		fmt.Fprintf(os.Stderr, "FAIL: %s\n", message)
	}
	if !result.OK() {
		fmt.Fprintf(os.Stderr, "FAIL: %s (%d error(s))\n", dir, len(result.Errors))
		return exitFailure
	}
	fmt.Printf("PASS: %s\n", dir)
	return exitOK
}
