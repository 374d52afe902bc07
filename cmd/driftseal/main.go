package main

import (
	"fmt"
	"os"
	"time"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK        = 0
	exitFailure   = 1
	exitChange    = 2
	exitUncertain = 3
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	startedAt := time.Now().UTC()
	command := commandName(arguments)
	writeOperationalEvent(eventStart, command, 0, 0, startedAt)
	exitCode := runDispatch(arguments)
	finishedAt := time.Now().UTC()
	writeOperationalEvent(eventEnd, command, exitCode, finishedAt.Sub(startedAt), finishedAt)
	return exitCode
}

func commandName(arguments []string) string {
	if len(arguments) < 2 {
		return "none"
	}
	name := arguments[1]
	if name == "watch" && len(arguments) > 2 {
		name = "watch " + arguments[2]
	}
	return name
}

func runDispatch(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("driftseal", version)
		return exitOK
	}
	switch arguments[1] {
	case "fetch":
		return runFetch(arguments[2:])
	case "verify":
		return runVerify(arguments[2:])
	case "mirror":
		return runMirror(arguments[2:])
	case "watch":
		return runWatch(arguments[2:])
	case "validate":
		return runValidate(arguments[2:])
	case "version", "--version", "-v":
		fmt.Println("driftseal", version)
		return exitOK
	default:
		printUsage()
		return exitFailure
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `driftseal `+version+`

Deterministic acquisition, verification, and drift detection for regulatory
reference artifacts.

Usage:
  driftseal fetch    --sources <registry.json> [--id <sourceId>] [--date YYYY-MM-DD] [--out-root <dir>] [--verify]
  driftseal verify   --sources <registry.json> [--id <sourceId>] [--date YYYY-MM-DD] [--out-root <dir>]
  driftseal mirror   --out <base> [--date YYYY-MM-DD] [--json]
  driftseal watch mirror --out <base> [--date YYYY-MM-DD]
  driftseal watch deps   --sources <registry.json> --triggers <root> [--id <sourceId>] [--date YYYY-MM-DD]
  driftseal validate <bundleDir>
  driftseal version

Exit codes: 0 ok or no change, 1 error or fetch/verify failure,
2 change detected (watch), 3 uncertain drift state (watch mirror).
`)
}
