package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mhaldre/driftseal/core/projectconfig"
	"github.com/mhaldre/driftseal/core/registry"
	"github.com/mhaldre/driftseal/core/watch"
)

func runWatch(arguments []string) int {
	if len(arguments) < 1 {
		fmt.Fprintln(os.Stderr, "usage: driftseal watch <mirror|deps> [flags]")
		return exitFailure
	}
	switch arguments[0] {
	case "mirror":
		return runWatchMirror(arguments[1:])
	case "deps":
		return runWatchDeps(arguments[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown watch target %q; expected mirror or deps\n", arguments[0])
		return exitFailure
	}
}

func runWatchDeps(arguments []string) int {
	flagSet := flag.NewFlagSet("watch deps", flag.ContinueOnError)
	sourcesFlag := flagSet.String("sources", "", "path to the source registry JSON")
	onlyID := flagSet.String("id", "", "restrict to one source id")
	dateFlag := flagSet.String("date", "", "run date YYYY-MM-DD (default: today UTC)")
	outRootFlag := flagSet.String("out-root", "", "runs live under <out-root>/<id>/<date> instead of each source's canonical path")
	triggersFlag := flagSet.String("triggers", "", "root directory for emitted triggers")
	configPath := flagSet.String("config", filepath.Join(projectconfig.DirName, projectconfig.FileName), "project config path")
	if err := flagSet.Parse(arguments); err != nil {
		return exitFailure
	}

	config, err := projectconfig.Load(*configPath, true)
	if err != nil {
		printError(err)
		return exitFailure
	}
	sourcesPath := strings.TrimSpace(*sourcesFlag)
	if sourcesPath == "" {
		sourcesPath = config.Sources
	}
	if sourcesPath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: no source registry given: pass --sources or set sources in the project config")
		return exitFailure
	}
	reg, err := registry.Load(sourcesPath)
	if err != nil {
		printError(err)
		return exitFailure
	}
	triggersRoot := strings.TrimSpace(*triggersFlag)
	if triggersRoot == "" {
		triggersRoot = config.TriggersRoot
	}
	outRoot := strings.TrimSpace(*outRootFlag)
	if outRoot == "" {
		outRoot = config.OutRoot
	}

	result, err := watch.Check(watch.Options{
		Registry:     &reg,
		OnlyID:       *onlyID,
		Date:         *dateFlag,
		OutRoot:      outRoot,
		TriggersRoot: triggersRoot,
	})
	if err != nil {
		printError(err)
		return exitFailure
	}
	for _, message := range result.Errors {
		fmt.Fprintf(os.Stderr, "WATCH ERROR: %s\n", message)
	}
	for _, change := range result.Changes {
		fmt.Printf("CHANGE: %s previous_run=%s previous_sha256=%s current_sha256=%s\n",
			change.SourceID, change.PreviousRun, change.PreviousArtifactSHA256, change.CurrentArtifactSHA256)
	}
	if len(result.Errors) > 0 {
		return exitFailure
	}
	if result.TriggerPath != "" {
		fmt.Printf("TRIGGER: %s\n", result.TriggerPath)
		return exitChange
	}
	fmt.Printf("NO CHANGE: %d source(s) checked for %s\n", result.Checked, result.Date)
	return exitOK
}
