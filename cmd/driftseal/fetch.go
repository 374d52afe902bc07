package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/fetch"
	"github.com/mhaldre/driftseal/core/projectconfig"
	"github.com/mhaldre/driftseal/core/registry"
	corerun "github.com/mhaldre/driftseal/core/run"
)

const defaultUserAgent = "driftseal/1.0 (deterministic mirror; contact: operator)"

// sourceScope is the resolved input shared by fetch and verify: which
// sources, which date, and where their runs live.
type sourceScope struct {
	Sources []registry.Source
	Date    string
	OutRoot string
	Config  projectconfig.Config
}

func resolveSourceScope(sourcesFlag, onlyID, dateFlag, outRootFlag, configPath string) (sourceScope, error) {
	config, err := projectconfig.Load(configPath, true)
	if err != nil {
		return sourceScope{}, err
	}
	sourcesPath := strings.TrimSpace(sourcesFlag)
	if sourcesPath == "" {
		sourcesPath = config.Sources
	}
	if sourcesPath == "" {
		return sourceScope{}, fmt.Errorf("no source registry given: pass --sources or set sources in %s",
			filepath.Join(projectconfig.DirName, projectconfig.FileName))
	}
	reg, err := registry.Load(sourcesPath)
	if err != nil {
		return sourceScope{}, err
	}
	sources, err := reg.Select(onlyID)
	if err != nil {
		return sourceScope{}, err
	}
	date := dateFlag
	if date == "" {
		date = corerun.UTCToday()
	}
	if !corerun.IsRunDate(date) {
		return sourceScope{}, fmt.Errorf("run date must be YYYY-MM-DD, got %q", date)
	}
	outRoot := strings.TrimSpace(outRootFlag)
	if outRoot == "" {
		outRoot = config.OutRoot
	}
	return sourceScope{Sources: sources, Date: date, OutRoot: outRoot, Config: config}, nil
}

func runFetch(arguments []string) int {
	flagSet := flag.NewFlagSet("fetch", flag.ContinueOnError)
	sourcesFlag := flagSet.String("sources", "", "path to the source registry JSON")
	onlyID := flagSet.String("id", "", "restrict to one source id")
	dateFlag := flagSet.String("date", "", "run date YYYY-MM-DD (default: today UTC)")
	outRootFlag := flagSet.String("out-root", "", "store runs under <out-root>/<id>/<date> instead of each source's canonical path")
	fetchMode := flagSet.Bool("fetch", false, "acquire and seal runs (default)")
	verifyMode := flagSet.Bool("verify", false, "verify existing runs instead of fetching")
	configPath := flagSet.String("config", filepath.Join(projectconfig.DirName, projectconfig.FileName), "project config path")
	if err := flagSet.Parse(arguments); err != nil {
		return exitFailure
	}
	if *fetchMode && *verifyMode {
		fmt.Fprintln(os.Stderr, "ERROR: --fetch and --verify are mutually exclusive")
		return exitFailure
	}

	scope, err := resolveSourceScope(*sourcesFlag, *onlyID, *dateFlag, *outRootFlag, *configPath)
	if err != nil {
		printError(err)
		return exitFailure
	}
	if *verifyMode {
		return verifySources(scope)
	}
	return fetchSources(scope)
}

func fetchSources(scope sourceScope) int {
	client := fetch.NewClient(scope.Config.Timeout(), userAgent(scope.Config))
	anyFailed := false
	for _, source := range scope.Sources {
		result, err := corerun.Write(client, source, scope.Date, scope.OutRoot)
		if err != nil {
			printError(err)
			return exitFailure
		}
		fmt.Println(result.Line())
		if !result.OK {
			fmt.Fprintln(os.Stderr, result.Line())
			if result.Err != nil {
				printError(result.Err)
				if coreerrors.RetryableOf(result.Err) {
					fmt.Fprintf(os.Stderr, "note: re-running fetch for %s replaces the failed run\n", result.SourceID)
				}
			}
			anyFailed = true
		}
	}
	if anyFailed {
		return exitFailure
	}
	return exitOK
}

func verifySources(scope sourceScope) int {
	anyFailed := false
	for _, source := range scope.Sources {
		runDir := corerun.Dir(source, scope.Date, scope.OutRoot)
		if err := corerun.Verify(runDir); err != nil {
			fmt.Printf("VERIFY FAILED: %s dir=%s\n", source.ID, runDir)
			printError(err)
			anyFailed = true
			continue
		}
		fmt.Printf("VERIFY OK: %s dir=%s\n", source.ID, runDir)
	}
	if anyFailed {
		return exitFailure
	}
	return exitOK
}

func userAgent(config projectconfig.Config) string {
	if config.UserAgent != "" {
		return config.UserAgent
	}
	return defaultUserAgent
}
