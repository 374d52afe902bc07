package watch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/fetch"
	"github.com/mhaldre/driftseal/core/registry"
	"github.com/mhaldre/driftseal/core/run"
	"github.com/mhaldre/driftseal/core/stablejson"
)

func testClient() *fetch.Client {
	return fetch.NewClient(5*time.Second, "driftseal-test")
}

// sealSourceRun writes the upstream content and seals a run for it, so the
// watcher sees exactly what the fetch side produces.
func sealSourceRun(t *testing.T, source registry.Source, upstreamPath, content, date string) {
	t.Helper()
	if err := os.WriteFile(upstreamPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write upstream content: %v", err)
	}
	if _, err := run.Write(testClient(), source, date, ""); err != nil {
		t.Fatalf("seal run for %s on %s: %v", source.ID, date, err)
	}
}

func newFileSource(t *testing.T, id string) (registry.Source, string) {
	t.Helper()
	upstream := filepath.Join(t.TempDir(), id+".json")
	source := registry.Source{
		ID:                  id,
		Title:               "Test dependency " + id,
		URL:                 "file://" + filepath.ToSlash(upstream),
		SourceClass:         "DATA",
		ContentTypeExpected: "application/json",
		ServerLocalPath:     filepath.Join(t.TempDir(), id),
	}
	return source, upstream
}

func TestUnchangedSourceReportsNothing(t *testing.T) {
	source, upstream := newFileSource(t, "hs_codes")
	sealSourceRun(t, source, upstream, `{"codes":[4401]}`, "2024-01-01")
	sealSourceRun(t, source, upstream, `{"codes":[4401]}`, "2024-01-02")

	triggersRoot := t.TempDir()
	result, err := Check(Options{
		Registry:     &registry.Registry{Sources: []registry.Source{source}},
		Date:         "2024-01-02",
		TriggersRoot: triggersRoot,
	})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.Errors) != 0 || len(result.Changes) != 0 {
		t.Fatalf("expected clean no-change sweep, got %+v", result)
	}
	if result.TriggerPath != "" {
		t.Fatalf("unchanged source must not write a trigger")
	}
	if _, statErr := os.Stat(filepath.Join(triggersRoot, "2024-01-02", TriggerFileName)); !os.IsNotExist(statErr) {
		t.Fatalf("no trigger file expected on disk")
	}
}

func TestChangedSourceWritesTrigger(t *testing.T) {
	source, upstream := newFileSource(t, "hs_codes")
	sealSourceRun(t, source, upstream, `{"codes":[4401]}`, "2024-01-01")
	sealSourceRun(t, source, upstream, `{"codes":[4401,4403]}`, "2024-01-02")

	triggersRoot := t.TempDir()
	result, err := Check(Options{
		Registry:     &registry.Registry{Sources: []registry.Source{source}},
		Date:         "2024-01-02",
		TriggersRoot: triggersRoot,
	})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.Changes) != 1 {
		t.Fatalf("expected one change, got %+v", result.Changes)
	}
	change := result.Changes[0]
	if change.SourceID != "hs_codes" || change.PreviousRun != "2024-01-01" {
		t.Fatalf("unexpected change record: %+v", change)
	}
	if change.PreviousArtifactSHA256 == change.CurrentArtifactSHA256 {
		t.Fatalf("hashes must differ for a change")
	}

	wantPath := filepath.Join(triggersRoot, "2024-01-02", TriggerFileName)
	if result.TriggerPath != wantPath {
		t.Fatalf("trigger path %q, want %q", result.TriggerPath, wantPath)
	}
	var trigger Trigger
	if err := stablejson.ReadFile(wantPath, &trigger); err != nil {
		t.Fatalf("read trigger: %v", err)
	}
	if trigger.TriggerType != TriggerType {
		t.Fatalf("unexpected trigger type %q", trigger.TriggerType)
	}
	if trigger.SourceID != "hs_codes" || trigger.PreviousRun != "2024-01-01" || trigger.CurrentRun != "2024-01-02" {
		t.Fatalf("trigger run fields wrong: %+v", trigger)
	}
	if !trigger.RequiresRerun {
		t.Fatalf("trigger must require rerun")
	}
	if len(trigger.Reason) != 1 || trigger.Reason[0] != ReasonArtifactChanged {
		t.Fatalf("unexpected trigger reason: %v", trigger.Reason)
	}
}

func TestFirstRunReportsNoPreviousRunError(t *testing.T) {
	source, upstream := newFileSource(t, "hs_codes")
	sealSourceRun(t, source, upstream, `{"codes":[4401]}`, "2024-01-02")

	result, err := Check(Options{
		Registry:     &registry.Registry{Sources: []registry.Source{source}},
		Date:         "2024-01-02",
		TriggersRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0] != "no_previous_run:hs_codes" {
		t.Fatalf("expected no_previous_run error, got %v", result.Errors)
	}
	if result.TriggerPath != "" {
		t.Fatalf("errors must suppress the trigger")
	}
}

func TestMissingCurrentRunIsReported(t *testing.T) {
	source, upstream := newFileSource(t, "hs_codes")
	sealSourceRun(t, source, upstream, `{"codes":[4401]}`, "2024-01-01")

	result, err := Check(Options{
		Registry:     &registry.Registry{Sources: []registry.Source{source}},
		Date:         "2024-01-02",
		TriggersRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.Errors) != 1 || !strings.HasPrefix(result.Errors[0], "missing_current_metadata:hs_codes:") {
		t.Fatalf("expected missing_current_metadata error, got %v", result.Errors)
	}
}

func TestFailedCurrentRunIsReported(t *testing.T) {
	source, upstream := newFileSource(t, "hs_codes")
	sealSourceRun(t, source, upstream, `{"codes":[4401]}`, "2024-01-01")
	// A run against a vanished upstream seals with a null artifact hash.
	if err := os.Remove(upstream); err != nil {
		t.Fatalf("remove upstream: %v", err)
	}
	if _, err := run.Write(testClient(), source, "2024-01-02", ""); err != nil {
		t.Fatalf("seal failed run: %v", err)
	}

	result, err := Check(Options{
		Registry:     &registry.Registry{Sources: []registry.Source{source}},
		Date:         "2024-01-02",
		TriggersRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0] != "invalid_current_artifact_sha256:hs_codes" {
		t.Fatalf("expected invalid current hash error, got %v", result.Errors)
	}
}

func TestMultipleChangesWithoutIDFilterIsAmbiguous(t *testing.T) {
	first, firstUpstream := newFileSource(t, "hs_codes")
	second, secondUpstream := newFileSource(t, "country_list")
	sealSourceRun(t, first, firstUpstream, `{"codes":[4401]}`, "2024-01-01")
	sealSourceRun(t, second, secondUpstream, `["BR"]`, "2024-01-01")
	sealSourceRun(t, first, firstUpstream, `{"codes":[4403]}`, "2024-01-02")
	sealSourceRun(t, second, secondUpstream, `["BR","ID"]`, "2024-01-02")

	reg := &registry.Registry{Sources: []registry.Source{first, second}}
	triggersRoot := t.TempDir()

	_, err := Check(Options{Registry: reg, Date: "2024-01-02", TriggersRoot: triggersRoot})
	if err == nil {
		t.Fatalf("expected ambiguous-state error for two simultaneous changes")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryAmbiguousState {
		t.Fatalf("expected ambiguous_state category, got %q", coreerrors.CategoryOf(err))
	}
	if _, statErr := os.Stat(filepath.Join(triggersRoot, "2024-01-02", TriggerFileName)); !os.IsNotExist(statErr) {
		t.Fatalf("ambiguous sweep must not write a trigger")
	}

	// Narrowed to one source the sweep becomes unambiguous again.
	result, err := Check(Options{Registry: reg, OnlyID: "hs_codes", Date: "2024-01-02", TriggersRoot: triggersRoot})
	if err != nil {
		t.Fatalf("narrowed check failed: %v", err)
	}
	if len(result.Changes) != 1 || result.TriggerPath == "" {
		t.Fatalf("narrowed check must trigger: %+v", result)
	}
}

func TestTriggersRootIsRequired(t *testing.T) {
	_, err := Check(Options{Registry: &registry.Registry{}, Date: "2024-01-02"})
	if err == nil {
		t.Fatalf("expected error without triggers root")
	}
	if coreerrors.CodeOf(err) != "triggers_root_missing" {
		t.Fatalf("expected triggers_root_missing, got %q", coreerrors.CodeOf(err))
	}
}
