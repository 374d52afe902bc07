package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mhaldre/driftseal/core/fetch"
	"github.com/mhaldre/driftseal/core/mirror"
	"github.com/mhaldre/driftseal/core/projectconfig"
)

type mirrorOutput struct {
	NeedsUpdate bool     `json:"needs_update"`
	Reasons     []string `json:"reasons"`
	RunDir      string   `json:"run_dir"`
	State       string   `json:"state"`
	Status      string   `json:"status"`
}

// runMirror acquires one dated mirror run. Drift is reported but does not
// change the exit code; use watch mirror for the dispositional exit policy.
func runMirror(arguments []string) int {
	outcome, exitCode, jsonOutput := executeMirror("mirror", arguments)
	if exitCode == exitFailure {
		return exitFailure
	}
	printMirrorOutcome(outcome, jsonOutput)
	return exitOK
}

// runWatchMirror is the watch-side spelling: same acquisition, but the exit
// code carries the drift disposition.
func runWatchMirror(arguments []string) int {
	outcome, exitCode, jsonOutput := executeMirror("watch mirror", arguments)
	if exitCode == exitFailure {
		return exitFailure
	}
	printMirrorOutcome(outcome, jsonOutput)
	switch outcome.Disposition() {
	case mirror.DispositionChange:
		return exitChange
	case mirror.DispositionUncertain:
		return exitUncertain
	default:
		return exitOK
	}
}

func executeMirror(name string, arguments []string) (mirror.Outcome, int, bool) {
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	outFlag := flagSet.String("out", "", "mirror output base directory")
	dateFlag := flagSet.String("date", "", "run date YYYY-MM-DD (default: today UTC)")
	jsonFlag := flagSet.Bool("json", false, "print a JSON outcome envelope")
	configPath := flagSet.String("config", filepath.Join(projectconfig.DirName, projectconfig.FileName), "project config path")
	if err := flagSet.Parse(arguments); err != nil {
		return mirror.Outcome{}, exitFailure, false
	}

	config, err := projectconfig.Load(*configPath, true)
	if err != nil {
		printError(err)
		return mirror.Outcome{}, exitFailure, false
	}
	outBase := strings.TrimSpace(*outFlag)
	if outBase == "" {
		outBase = config.MirrorOut
	}

	outcome, err := mirror.Run(mirror.Options{
		OutBase:         outBase,
		RunDate:         *dateFlag,
		Client:          fetch.NewClient(config.Timeout(), userAgent(config)),
		ProducerVersion: version,
	})
	if err != nil {
		printError(err)
		return mirror.Outcome{}, exitFailure, false
	}
	return outcome, exitOK, *jsonFlag
}

func printMirrorOutcome(outcome mirror.Outcome, jsonOutput bool) {
	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(mirrorOutput{
			NeedsUpdate: outcome.NeedsUpdate,
			Reasons:     outcome.Reasons,
			RunDir:      outcome.RunDir,
			State:       string(outcome.State),
			Status:      outcome.Status,
		})
		return
	}
	fmt.Printf("MIRROR run_dir=%s status=%s state=%s needs_update=%t\n",
		outcome.RunDir, outcome.Status, outcome.State, outcome.NeedsUpdate)
	for _, reason := range outcome.Reasons {
		fmt.Printf("  reason=%s\n", reason)
	}
}
