// Package run writes and verifies dated run directories: one sealed
// acquisition attempt per (source id, calendar date). A run directory is the
// unit of persisted evidence — raw artifact bytes, a deterministic metadata
// record, and a manifest sealing the folder — and is append/replace-only:
// re-running the same date overwrites its own files and nothing else.
package run

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/fetch"
	"github.com/mhaldre/driftseal/core/fsx"
	"github.com/mhaldre/driftseal/core/manifest"
	"github.com/mhaldre/driftseal/core/registry"
	"github.com/mhaldre/driftseal/core/stablejson"
)

const (
	ArtifactFileName = "artifact.bin"
	MetadataFileName = "metadata.json"
	HeadersFileName  = "headers.txt"
	SummaryFileName  = "run_summary.json"

	MetadataSchemaVersion = "1.0.0"

	StatusOK     = "ok"
	StatusFailed = "failed"
)

var runDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func IsRunDate(name string) bool {
	return runDatePattern.MatchString(name)
}

func UTCToday() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Metadata is the deterministic per-run record. It carries no timestamps:
// byte-identical upstream content yields a byte-identical record.
type Metadata struct {
	ArtifactSHA256      *string `json:"artifact_sha256"`
	ContentTypeExpected string  `json:"content_type_expected"`
	FetchStatus         string  `json:"fetch_status"`
	HTTPStatus          *int    `json:"http_status"`
	Notes               string  `json:"notes"`
	SchemaVersion       string  `json:"schema_version"`
	SourceID            string  `json:"source_id"`
	URL                 string  `json:"url"`
}

// Summary is the self-referential run summary, excluded from the manifest so
// the manifest hash can appear inside it.
type Summary struct {
	ArtifactSHA256 *string `json:"artifact_sha256"`
	ManifestSHA256 *string `json:"manifest_sha256"`
	SourceID       string  `json:"source_id"`
	Status         string  `json:"status"`
}

// Dir resolves the run directory: the source's canonical storage root by
// default, or <outRoot>/<sourceId> when an override root is supplied.
func Dir(source registry.Source, runDate, outRoot string) string {
	if outRoot == "" {
		return filepath.Join(source.ServerLocalPath, runDate)
	}
	return filepath.Join(outRoot, source.ID, runDate)
}

// ManifestExclusions is the exclusion set for sealing a run directory: the
// manifest itself (implicit) plus the self-referential summary.
func ManifestExclusions() map[string]struct{} {
	return map[string]struct{}{SummaryFileName: {}}
}

type Result struct {
	SourceID       string
	Dir            string
	OK             bool
	HTTPStatus     int
	ArtifactSHA256 string
	FailureReason  string
	// Err carries the classified fetch failure for operator output. The run is
	// still sealed; this never turns a failed fetch into an aborted invocation.
	Err error
}

// Line renders the one-line per-source outcome for stdout.
func (result Result) Line() string {
	if result.OK {
		statusText := ""
		if result.HTTPStatus != 0 {
			statusText = fmt.Sprintf("%d", result.HTTPStatus)
		}
		shaPrefix := ""
		if result.ArtifactSHA256 != "" {
			shaPrefix = result.ArtifactSHA256[:12] + "..."
		}
		return fmt.Sprintf("FETCH OK: %s http_status=%s sha256=%s", result.SourceID, statusText, shaPrefix)
	}
	return fmt.Sprintf("FETCH FAILED: %s reason=%s", result.SourceID, result.FailureReason)
}

// Write fetches one source and seals its run directory for runDate. Transport
// failures do not return an error: the directory is still sealed with a
// failed metadata record, because the audit trail must record
// attempted-and-failed acquisition. The returned error is reserved for local
// I/O problems that prevent producing evidence at all.
func Write(client *fetch.Client, source registry.Source, runDate, outRoot string) (Result, error) {
	if !IsRunDate(runDate) {
		return Result{}, coreerrors.Wrap(
			fmt.Errorf("run date must be YYYY-MM-DD, got %q", runDate),
			coreerrors.CategoryInvalidInput, "invalid_run_date", "pass --date YYYY-MM-DD", false)
	}
	runDir := Dir(source, runDate, outRoot)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("create run directory: %w", err)
	}
	result := Result{SourceID: source.ID, Dir: runDir}

	fetched, fetchErr := client.Fetch(source.URL)
	if fetchErr != nil {
		return writeFailedRun(source, runDir, result, fetchErr)
	}

	artifactPath := filepath.Join(runDir, ArtifactFileName)
	if err := fsx.WriteFileAtomic(artifactPath, fetched.Body, 0o644); err != nil {
		return Result{}, fmt.Errorf("write artifact: %w", err)
	}
	artifactSHA, err := manifest.SHA256File(artifactPath)
	if err != nil {
		return Result{}, err
	}
	if err := writeHeaders(filepath.Join(runDir, HeadersFileName), fetched.Headers); err != nil {
		return Result{}, err
	}

	metadata := Metadata{
		ArtifactSHA256:      &artifactSHA,
		ContentTypeExpected: source.ContentTypeExpected,
		FetchStatus:         StatusOK,
		HTTPStatus:          optionalStatus(fetched.Status),
		Notes:               source.Notes,
		SchemaVersion:       MetadataSchemaVersion,
		SourceID:            source.ID,
		URL:                 source.URL,
	}
	if err := sealRun(runDir, metadata, StatusOK); err != nil {
		return Result{}, err
	}

	result.OK = true
	result.HTTPStatus = fetched.Status
	result.ArtifactSHA256 = artifactSHA
	return result, nil
}

func writeFailedRun(source registry.Source, runDir string, result Result, fetchErr *fetch.Error) (Result, error) {
	// A same-date re-run may have already stored an artifact; keep its
	// fingerprint in the failed record rather than pretending it vanished.
	var artifactSHA *string
	artifactPath := filepath.Join(runDir, ArtifactFileName)
	if _, statErr := os.Stat(artifactPath); statErr == nil {
		digest, hashErr := manifest.SHA256File(artifactPath)
		if hashErr != nil {
			return Result{}, hashErr
		}
		artifactSHA = &digest
	}

	metadata := Metadata{
		ArtifactSHA256:      artifactSHA,
		ContentTypeExpected: source.ContentTypeExpected,
		FetchStatus:         StatusFailed,
		HTTPStatus:          optionalStatus(fetchErr.Status),
		Notes:               source.Notes,
		SchemaVersion:       MetadataSchemaVersion,
		SourceID:            source.ID,
		URL:                 source.URL,
	}
	if err := sealRun(runDir, metadata, StatusFailed); err != nil {
		return Result{}, err
	}

	result.OK = false
	result.HTTPStatus = fetchErr.Status
	if artifactSHA != nil {
		result.ArtifactSHA256 = *artifactSHA
	}
	result.FailureReason = fetchErr.Reason
	result.Err = fetchErr.Classify()
	return result, nil
}

// sealRun writes metadata, seals the manifest, then writes the summary that
// references the manifest hash. The summary is excluded from the manifest so
// sealing stays stable.
func sealRun(runDir string, metadata Metadata, status string) error {
	if err := stablejson.WriteFile(filepath.Join(runDir, MetadataFileName), metadata); err != nil {
		return err
	}
	manifestPath, err := manifest.Write(runDir, ManifestExclusions())
	if err != nil {
		return err
	}
	manifestSHA, err := manifest.SHA256File(manifestPath)
	if err != nil {
		return err
	}
	summary := Summary{
		ArtifactSHA256: metadata.ArtifactSHA256,
		ManifestSHA256: &manifestSHA,
		SourceID:       metadata.SourceID,
		Status:         status,
	}
	return stablejson.WriteFile(filepath.Join(runDir, SummaryFileName), summary)
}

func writeHeaders(path string, headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	var builder strings.Builder
	for _, name := range names {
		builder.WriteString(name)
		builder.WriteString(": ")
		builder.WriteString(headers[name])
		builder.WriteString("\n")
	}
	return fsx.WriteFileAtomic(path, []byte(builder.String()), 0o644)
}

func optionalStatus(status int) *int {
	if status == 0 {
		return nil
	}
	return &status
}

// LatestPriorDate returns the most recent date-named subdirectory of base
// strictly before the given date. When requiredFile is non-empty, only run
// directories containing that file qualify.
func LatestPriorDate(base, before, requiredFile string) (string, bool) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", false
	}
	latest := ""
	for _, entry := range entries {
		if !entry.IsDir() || !IsRunDate(entry.Name()) || entry.Name() >= before {
			continue
		}
		if requiredFile != "" {
			if _, statErr := os.Stat(filepath.Join(base, entry.Name(), requiredFile)); statErr != nil {
				continue
			}
		}
		if entry.Name() > latest {
			latest = entry.Name()
		}
	}
	return latest, latest != ""
}
