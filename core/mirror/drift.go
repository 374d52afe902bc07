package mirror

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/mhaldre/driftseal/core/run"
	"github.com/mhaldre/driftseal/core/stablejson"
)

// State classifies a mirror run by the quality of the comparison that
// produced it, with content gate failures outranking everything except a
// missing baseline.
type State string

const (
	StateNoPreviousRun              State = "no_previous_run"
	StateContentGateFailure         State = "content_gate_failure"
	StateReachableChanged           State = "reachable_changed"
	StateReachableUnchanged         State = "reachable_unchanged"
	StateUnreachableFallbackChanged State = "unreachable_fallback_changed"
	StateUnreachableFallbackStable  State = "unreachable_fallback_unchanged"
)

const (
	ReasonNoPreviousRun         = "no_previous_run"
	ReasonEntrySHAChanged       = "lsu_sha256_changed"
	ReasonEntryUpdatedOnChanged = "lsu_updated_on_changed"
	ReasonSummaryUpdateChanged  = "summary_last_update_changed"
)

// Disposition maps an outcome onto the change / no-change / uncertain axis
// the calling process reports through its exit status.
type Disposition int

const (
	DispositionNoChange Disposition = iota
	DispositionChange
	DispositionUncertain
)

// strongReasons are drift signals trustworthy enough to report a definite
// change even when the run itself was only partially acquired.
var strongReasons = map[string]bool{
	ReasonNoPreviousRun:         true,
	ReasonEntrySHAChanged:       true,
	ReasonEntryUpdatedOnChanged: true,
	ReasonSummaryUpdateChanged:  true,
}

func (outcome Outcome) Disposition() Disposition {
	hasStrong := false
	hasUncertain := false
	for _, reason := range outcome.Reasons {
		if strongReasons[reason] {
			hasStrong = true
		}
		if strings.Contains(reason, "unreachable") || strings.Contains(reason, "unexpected") {
			hasUncertain = true
		}
	}
	if outcome.Status != StatusComplete {
		if outcome.NeedsUpdate && hasStrong && !hasUncertain {
			return DispositionChange
		}
		return DispositionUncertain
	}
	if outcome.NeedsUpdate {
		return DispositionChange
	}
	return DispositionNoChange
}

// computeDrift compares the current entry-point evidence and extracted fields
// against the latest prior run. Reasons come back sorted and deduplicated;
// previousEntrySHA is the prior entry hash for the trigger record (nil when
// the prior run had no reachable entry point).
func computeDrift(outBase, runDate string, current EntrypointStatus, extracted ExtractedFields) (reasons []string, previousRun string, hasPrevious bool, previousEntrySHA *string) {
	collected := make([]string, 0, 8)
	collected = append(collected, extracted.ContentGateFailures...)

	previousRun, hasPrevious = run.LatestPriorDate(outBase, runDate, "")
	if !hasPrevious {
		collected = append(collected, ReasonNoPreviousRun)
		return dedupSorted(collected), "", false, nil
	}

	previousDir := filepath.Join(outBase, previousRun)
	var previousEntry EntrypointStatus
	if err := stablejson.ReadFile(filepath.Join(previousDir, EntrypointStatusFileName), &previousEntry); err == nil {
		previousEntrySHA = previousEntry.Evidence.EntrySHA256
		collected = append(collected, entrypointDrift(current, previousEntry)...)
	}

	var previousMetadata Metadata
	if err := stablejson.ReadFile(filepath.Join(previousDir, MetadataFileName), &previousMetadata); err == nil {
		if !equalOptional(extracted.SummaryLastUpdate, previousMetadata.ExtractedFields.SummaryLastUpdate) {
			collected = append(collected, ReasonSummaryUpdateChanged)
		}
	}

	return dedupSorted(collected), previousRun, true, previousEntrySHA
}

// entrypointDrift prefers the primary entry evidence when both runs had it,
// falling back to secondary fingerprints otherwise. Fallback reasons name the
// artifact so the trigger explains exactly which proxy signal moved.
func entrypointDrift(current, previous EntrypointStatus) []string {
	if current.Reachable && previous.Reachable {
		reasons := make([]string, 0, 2)
		if !equalOptional(current.Evidence.EntrySHA256, previous.Evidence.EntrySHA256) {
			reasons = append(reasons, ReasonEntrySHAChanged)
		}
		if !equalOptional(current.Evidence.EntryUpdatedOn, previous.Evidence.EntryUpdatedOn) {
			reasons = append(reasons, ReasonEntryUpdatedOnChanged)
		}
		return reasons
	}

	// Absence is a signal here: a fingerprint that vanishes (artifact gone, or
	// the run regained its entry point and recorded no fallback at all) or
	// newly appears counts as a change, same as a differing hash.
	reasons := make([]string, 0, 4)
	for _, artifact := range []string{"pdf", "html", "eli_oj"} {
		currentPrint := fallbackPrint(current, artifact)
		previousPrint := fallbackPrint(previous, artifact)
		if !equalOptional(printSHA(currentPrint), printSHA(previousPrint)) {
			reasons = append(reasons, "lsu_unreachable_but_"+artifact+"_sha256_changed")
		}
	}
	currentPDF := fallbackPrint(current, "pdf")
	previousPDF := fallbackPrint(previous, "pdf")
	if !equalOptional(printETag(currentPDF), printETag(previousPDF)) {
		reasons = append(reasons, "lsu_unreachable_but_pdf_etag_changed")
	}
	if !equalOptional(printLastModified(currentPDF), printLastModified(previousPDF)) {
		reasons = append(reasons, "lsu_unreachable_but_pdf_last_modified_changed")
	}
	return reasons
}

func fallbackPrint(status EntrypointStatus, artifact string) *FallbackFingerprint {
	if status.Evidence.Fallback == nil {
		return nil
	}
	return status.Evidence.Fallback[artifact]
}

func printSHA(print *FallbackFingerprint) *string {
	if print == nil {
		return nil
	}
	return print.SHA256
}

func printETag(print *FallbackFingerprint) *string {
	if print == nil {
		return nil
	}
	return print.ETag
}

func printLastModified(print *FallbackFingerprint) *string {
	if print == nil {
		return nil
	}
	return print.LastModified
}

func classify(hasPrevious bool, current EntrypointStatus, previousRun, outBase string, extracted ExtractedFields, reasons []string) State {
	if !hasPrevious {
		return StateNoPreviousRun
	}
	if len(extracted.ContentGateFailures) > 0 {
		return StateContentGateFailure
	}

	previousReachable := false
	var previousEntry EntrypointStatus
	if err := stablejson.ReadFile(filepath.Join(outBase, previousRun, EntrypointStatusFileName), &previousEntry); err == nil {
		previousReachable = previousEntry.Reachable
	}

	changed := len(reasons) > 0
	if current.Reachable && previousReachable {
		if changed {
			return StateReachableChanged
		}
		return StateReachableUnchanged
	}
	if changed {
		return StateUnreachableFallbackChanged
	}
	return StateUnreachableFallbackStable
}

func equalOptional(left, right *string) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}

func dedupSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
