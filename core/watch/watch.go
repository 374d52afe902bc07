// Package watch compares the newest sealed runs of registry sources against
// their latest prior runs and emits a trigger when a dependency definition's
// content hash moved. The watcher is strictly read-only over run directories;
// its only write is the trigger file under the caller-supplied triggers root.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/registry"
	"github.com/mhaldre/driftseal/core/run"
	"github.com/mhaldre/driftseal/core/stablejson"
)

const (
	TriggerFileName = "digital_twin_trigger.json"
	TriggerType     = "DEPENDENCY_DEFINITION_CHANGED"

	ReasonArtifactChanged = "artifact_sha256_changed"
)

type Trigger struct {
	CurrentArtifactSHA256  string   `json:"current_artifact_sha256"`
	CurrentRun             string   `json:"current_run"`
	Notes                  string   `json:"notes"`
	PreviousArtifactSHA256 string   `json:"previous_artifact_sha256"`
	PreviousRun            string   `json:"previous_run"`
	Reason                 []string `json:"reason"`
	RequiresRerun          bool     `json:"requires_rerun"`
	SourceID               string   `json:"source_id"`
	TriggerType            string   `json:"trigger_type"`
}

// Change records one source whose artifact hash differs from its prior run.
type Change struct {
	SourceID               string
	PreviousRun            string
	PreviousArtifactSHA256 string
	CurrentArtifactSHA256  string
}

type Options struct {
	Registry *registry.Registry
	// OnlyID restricts the comparison to a single source id.
	OnlyID string
	// Date is the run date whose runs are treated as current; defaults to the
	// current UTC day.
	Date string
	// OutRoot mirrors the fetch-side override: when set, runs live under
	// <OutRoot>/<source id>/<date> instead of each source's canonical root.
	OutRoot string
	// TriggersRoot is where the trigger file lands. It has no default: the
	// caller must state explicitly where downstream automation watches.
	TriggersRoot string
}

type Result struct {
	Date string
	// Checked is the number of sources the sweep covered.
	Checked int
	// Errors are per-source comparison failures, stable "code:id" strings.
	Errors  []string
	Changes []Change
	// TriggerPath is set when exactly one change was found and its trigger
	// was written.
	TriggerPath string
}

// Check compares each selected source's current run against its latest prior
// run. Per-source evidence problems are collected into Result.Errors rather
// than aborting the sweep, so one broken source does not hide the state of
// the others. A single detected change writes the trigger; several changes at
// once return an ambiguous-state error because downstream automation consumes
// exactly one trigger per day.
func Check(options Options) (Result, error) {
	if options.Registry == nil {
		return Result{}, coreerrors.Wrap(
			fmt.Errorf("registry is required"),
			coreerrors.CategoryInvalidInput, "registry_missing", "load the source registry first", false)
	}
	if strings.TrimSpace(options.TriggersRoot) == "" {
		return Result{}, coreerrors.Wrap(
			fmt.Errorf("triggers root directory is required"),
			coreerrors.CategoryInvalidInput, "triggers_root_missing", "pass --triggers", false)
	}
	date := options.Date
	if date == "" {
		date = run.UTCToday()
	}
	if !run.IsRunDate(date) {
		return Result{}, coreerrors.Wrap(
			fmt.Errorf("run date must be YYYY-MM-DD, got %q", date),
			coreerrors.CategoryInvalidInput, "invalid_run_date", "pass --date YYYY-MM-DD", false)
	}
	sources, err := options.Registry.Select(options.OnlyID)
	if err != nil {
		return Result{}, err
	}

	result := Result{Date: date, Checked: len(sources)}
	for _, source := range sources {
		change, sourceErr := compareSource(source, date, options.OutRoot)
		if sourceErr != "" {
			result.Errors = append(result.Errors, sourceErr)
			continue
		}
		if change != nil {
			result.Changes = append(result.Changes, *change)
		}
	}

	if len(result.Changes) > 1 && options.OnlyID == "" {
		ids := make([]string, 0, len(result.Changes))
		for _, change := range result.Changes {
			ids = append(ids, change.SourceID)
		}
		return result, coreerrors.Wrap(
			fmt.Errorf("%d sources changed at once: %s", len(result.Changes), strings.Join(ids, ", ")),
			coreerrors.CategoryAmbiguousState, "multiple_sources_changed",
			"re-run with --id for each changed source to emit one trigger per source", false)
	}

	if len(result.Changes) == 1 && len(result.Errors) == 0 {
		change := result.Changes[0]
		trigger := Trigger{
			CurrentArtifactSHA256:  change.CurrentArtifactSHA256,
			CurrentRun:             date,
			Notes:                  "Dependency definition content changed; rebuild derived models from the new artifact.",
			PreviousArtifactSHA256: change.PreviousArtifactSHA256,
			PreviousRun:            change.PreviousRun,
			Reason:                 []string{ReasonArtifactChanged},
			RequiresRerun:          true,
			SourceID:               change.SourceID,
			TriggerType:            TriggerType,
		}
		triggerPath := filepath.Join(options.TriggersRoot, date, TriggerFileName)
		if writeErr := stablejson.WriteFile(triggerPath, trigger); writeErr != nil {
			return result, writeErr
		}
		result.TriggerPath = triggerPath
	}
	return result, nil
}

// compareSource returns the change for one source, or a stable error string
// when the comparison could not be made. Error strings carry the source id so
// a sweep over the whole registry stays attributable.
func compareSource(source registry.Source, date, outRoot string) (*Change, string) {
	currentDir := run.Dir(source, date, outRoot)
	currentPath := filepath.Join(currentDir, run.MetadataFileName)
	var current run.Metadata
	if err := stablejson.ReadFile(currentPath, &current); err != nil {
		return nil, fmt.Sprintf("missing_current_metadata:%s:%s", source.ID, currentPath)
	}
	if !validArtifactSHA(current.ArtifactSHA256) {
		return nil, fmt.Sprintf("invalid_current_artifact_sha256:%s", source.ID)
	}

	base := filepath.Dir(currentDir)
	previousDate, hasPrevious := run.LatestPriorDate(base, date, run.MetadataFileName)
	if !hasPrevious {
		return nil, fmt.Sprintf("no_previous_run:%s", source.ID)
	}
	previousPath := filepath.Join(base, previousDate, run.MetadataFileName)
	var previous run.Metadata
	if err := stablejson.ReadFile(previousPath, &previous); err != nil {
		return nil, fmt.Sprintf("missing_previous_metadata:%s:%s", source.ID, previousPath)
	}
	if !validArtifactSHA(previous.ArtifactSHA256) {
		return nil, fmt.Sprintf("invalid_previous_artifact_sha256:%s", source.ID)
	}

	if *current.ArtifactSHA256 == *previous.ArtifactSHA256 {
		return nil, ""
	}
	return &Change{
		SourceID:               source.ID,
		PreviousRun:            previousDate,
		PreviousArtifactSHA256: *previous.ArtifactSHA256,
		CurrentArtifactSHA256:  *current.ArtifactSHA256,
	}, ""
}

func validArtifactSHA(digest *string) bool {
	if digest == nil || len(*digest) != 64 {
		return false
	}
	for _, character := range *digest {
		isDigit := character >= '0' && character <= '9'
		isHexLetter := character >= 'a' && character <= 'f'
		if !isDigit && !isHexLetter {
			return false
		}
	}
	return true
}
