package main

import (
	"flag"
	"path/filepath"

	"github.com/mhaldre/driftseal/core/projectconfig"
)

// runVerify is the standalone spelling of fetch --verify.
func runVerify(arguments []string) int {
	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	sourcesFlag := flagSet.String("sources", "", "path to the source registry JSON")
	onlyID := flagSet.String("id", "", "restrict to one source id")
	dateFlag := flagSet.String("date", "", "run date YYYY-MM-DD (default: today UTC)")
	outRootFlag := flagSet.String("out-root", "", "runs live under <out-root>/<id>/<date> instead of each source's canonical path")
	configPath := flagSet.String("config", filepath.Join(projectconfig.DirName, projectconfig.FileName), "project config path")
	if err := flagSet.Parse(arguments); err != nil {
		return exitFailure
	}
	scope, err := resolveSourceScope(*sourcesFlag, *onlyID, *dateFlag, *outRootFlag, *configPath)
	if err != nil {
		printError(err)
		return exitFailure
	}
	return verifySources(scope)
}
