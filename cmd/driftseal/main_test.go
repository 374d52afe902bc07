package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRegistry(t *testing.T, sourceID, sourceURL, localPath string) string {
	t.Helper()
	registryJSON := fmt.Sprintf(`{
  "version": "1.0.0",
  "generated_at": null,
  "sources": [
    {
      "id": %q,
      "title": "Test dependency source",
      "url": %q,
      "source_class": "DATA",
      "content_type_expected": "application/json",
      "server_local_path": %q,
      "notes": ""
    }
  ]
}`, sourceID, sourceURL, localPath)
	path := filepath.Join(t.TempDir(), "sources.json")
	if err := os.WriteFile(path, []byte(registryJSON), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	if code := runDispatch([]string{"driftseal", "version"}); code != exitOK {
		t.Fatalf("version must exit 0, got %d", code)
	}
	if code := runDispatch([]string{"driftseal"}); code != exitOK {
		t.Fatalf("bare invocation must exit 0, got %d", code)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	if code := runDispatch([]string{"driftseal", "frobnicate"}); code != exitFailure {
		t.Fatalf("unknown command must exit 1, got %d", code)
	}
	if code := runDispatch([]string{"driftseal", "watch", "everything"}); code != exitFailure {
		t.Fatalf("unknown watch target must exit 1, got %d", code)
	}
}

func TestFetchVerifyTamperRoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	upstream := filepath.Join(t.TempDir(), "hs_codes.json")
	if err := os.WriteFile(upstream, []byte(`{"codes":[4401,4403]}`), 0o644); err != nil {
		t.Fatalf("write upstream: %v", err)
	}
	localPath := filepath.Join(t.TempDir(), "hs_codes")
	registryPath := writeRegistry(t, "hs_codes", "file://"+filepath.ToSlash(upstream), localPath)

	fetchArgs := []string{"driftseal", "fetch", "--sources", registryPath, "--date", "2024-01-02"}
	if code := runDispatch(fetchArgs); code != exitOK {
		t.Fatalf("fetch must exit 0, got %d", code)
	}
	runDir := filepath.Join(localPath, "2024-01-02")
	firstMetadata, err := os.ReadFile(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata after fetch: %v", err)
	}

	// Re-fetching the same unchanged content must be byte-identical.
	if code := runDispatch(fetchArgs); code != exitOK {
		t.Fatalf("re-fetch must exit 0, got %d", code)
	}
	secondMetadata, err := os.ReadFile(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata after re-fetch: %v", err)
	}
	if string(firstMetadata) != string(secondMetadata) {
		t.Fatalf("re-fetch changed metadata:\nfirst:\n%s\nsecond:\n%s", firstMetadata, secondMetadata)
	}

	verifyArgs := []string{"driftseal", "verify", "--sources", registryPath, "--date", "2024-01-02"}
	if code := runDispatch(verifyArgs); code != exitOK {
		t.Fatalf("verify of a sealed run must exit 0, got %d", code)
	}

	if err := os.WriteFile(filepath.Join(runDir, "artifact.bin"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper artifact: %v", err)
	}
	if code := runDispatch(verifyArgs); code != exitFailure {
		t.Fatalf("verify of a tampered run must exit 1, got %d", code)
	}
}

func TestFetchFailureSealsRunAndExitsNonZero(t *testing.T) {
	t.Chdir(t.TempDir())
	missingUpstream := filepath.Join(t.TempDir(), "gone.json")
	localPath := filepath.Join(t.TempDir(), "gone_source")
	registryPath := writeRegistry(t, "gone_source", "file://"+filepath.ToSlash(missingUpstream), localPath)

	code := runDispatch([]string{"driftseal", "fetch", "--sources", registryPath, "--date", "2024-01-02"})
	if code != exitFailure {
		t.Fatalf("failed fetch must exit 1, got %d", code)
	}
	// The attempt is still sealed evidence.
	for _, name := range []string{"metadata.json", "manifest.sha256"} {
		if _, err := os.Stat(filepath.Join(localPath, "2024-01-02", name)); err != nil {
			t.Fatalf("failed run must still seal %s: %v", name, err)
		}
	}
}

func TestWatchDepsDetectsChangeThroughCLI(t *testing.T) {
	t.Chdir(t.TempDir())
	upstream := filepath.Join(t.TempDir(), "hs_codes.json")
	localPath := filepath.Join(t.TempDir(), "hs_codes")
	registryPath := writeRegistry(t, "hs_codes", "file://"+filepath.ToSlash(upstream), localPath)
	triggersRoot := t.TempDir()

	if err := os.WriteFile(upstream, []byte(`{"codes":[4401]}`), 0o644); err != nil {
		t.Fatalf("write upstream: %v", err)
	}
	if code := runDispatch([]string{"driftseal", "fetch", "--sources", registryPath, "--date", "2024-01-01"}); code != exitOK {
		t.Fatalf("day one fetch failed: %d", code)
	}
	if err := os.WriteFile(upstream, []byte(`{"codes":[4401,4403]}`), 0o644); err != nil {
		t.Fatalf("update upstream: %v", err)
	}
	if code := runDispatch([]string{"driftseal", "fetch", "--sources", registryPath, "--date", "2024-01-02"}); code != exitOK {
		t.Fatalf("day two fetch failed: %d", code)
	}

	watchArgs := []string{"driftseal", "watch", "deps", "--sources", registryPath, "--triggers", triggersRoot, "--date", "2024-01-02"}
	if code := runDispatch(watchArgs); code != exitChange {
		t.Fatalf("changed dependency must exit 2, got %d", code)
	}
	if _, err := os.Stat(filepath.Join(triggersRoot, "2024-01-02", "digital_twin_trigger.json")); err != nil {
		t.Fatalf("trigger file must exist: %v", err)
	}

	// An identical third day reports no change.
	if code := runDispatch([]string{"driftseal", "fetch", "--sources", registryPath, "--date", "2024-01-03"}); code != exitOK {
		t.Fatalf("day three fetch failed: %d", code)
	}
	noChangeArgs := []string{"driftseal", "watch", "deps", "--sources", registryPath, "--triggers", triggersRoot, "--date", "2024-01-03"}
	if code := runDispatch(noChangeArgs); code != exitOK {
		t.Fatalf("unchanged dependency must exit 0, got %d", code)
	}
}

func TestMirrorRequiresOutBase(t *testing.T) {
	t.Chdir(t.TempDir())
	if code := runDispatch([]string{"driftseal", "mirror"}); code != exitFailure {
		t.Fatalf("mirror without --out must exit 1, got %d", code)
	}
	if code := runDispatch([]string{"driftseal", "watch", "mirror"}); code != exitFailure {
		t.Fatalf("watch mirror without --out must exit 1, got %d", code)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	if code := runDispatch([]string{"driftseal", "validate", dir}); code != exitFailure {
		t.Fatalf("empty bundle dir must fail validation, got %d", code)
	}
	if code := runDispatch([]string{"driftseal", "validate"}); code != exitFailure {
		t.Fatalf("validate without a directory must exit 1, got %d", code)
	}
}

func TestOperationalEventsAppended(t *testing.T) {
	t.Chdir(t.TempDir())
	if code := run([]string{"driftseal", "version"}); code != exitOK {
		t.Fatalf("version must exit 0, got %d", code)
	}
	raw, err := os.ReadFile(filepath.Join(".driftseal", "events.jsonl"))
	if err != nil {
		t.Fatalf("events log must exist: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected start and end events, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], `"event":"start"`) || !strings.Contains(lines[1], `"event":"end"`) {
		t.Fatalf("unexpected event lines: %v", lines)
	}
}
