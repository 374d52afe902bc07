// Package bundle validates exported evidence bundles: a directory containing
// a digest manifest plus the metadata records of the runs it was assembled
// from. Validation is diagnostic, never fatal: a malformed bundle yields a
// result listing every problem found, and the walk never panics on hostile
// input such as escaping manifest paths.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mhaldre/driftseal/core/manifest"
)

const ExecutionLogFileName = "execution_log.json"

// metadataFileNames are the accepted metadata record names, checked in order;
// the first present satisfies the requirement.
var metadataFileNames = []string{"bundle_metadata.json", "deterministic_metadata.json"}

type Result struct {
	Errors   []string
	Warnings []string
}

func (result Result) OK() bool {
	return len(result.Errors) == 0
}

// Validate checks a bundle directory for structural completeness and digest
// integrity. A missing manifest is a hard stop since nothing else can be
// checked without it; every other problem is collected and validation
// continues.
func Validate(dir string) Result {
	result := Result{}

	manifestPath := filepath.Join(dir, manifest.FileName)
	// #nosec G304 -- evidence paths are explicit caller input.
	manifestText, err := os.ReadFile(manifestPath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("manifest missing: %s", manifestPath))
		return result
	}

	hasMetadata := false
	for _, name := range metadataFileNames {
		if _, statErr := os.Stat(filepath.Join(dir, name)); statErr == nil {
			hasMetadata = true
			break
		}
	}
	if !hasMetadata {
		result.Errors = append(result.Errors,
			fmt.Sprintf("metadata record missing: expected one of %s", strings.Join(metadataFileNames, ", ")))
	}
	if _, statErr := os.Stat(filepath.Join(dir, ExecutionLogFileName)); statErr != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s not present", ExecutionLogFileName))
	}

	entries, parseErr := manifest.Parse(string(manifestText))
	if parseErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("manifest malformed: %v", parseErr))
		return result
	}
	if len(entries) == 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("%s contains no entries", manifest.FileName))
	}

	for _, entry := range entries {
		if !pathStaysInside(dir, entry.Path) {
			result.Errors = append(result.Errors, fmt.Sprintf("manifest path escapes bundle: %s", entry.Path))
			continue
		}
		entryPath := filepath.Join(dir, filepath.FromSlash(entry.Path))
		actual, hashErr := manifest.SHA256File(entryPath)
		if hashErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("manifest entry unreadable: %s", entry.Path))
			continue
		}
		if actual != entry.SHA256 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("digest mismatch: %s expected=%s actual=%s", entry.Path, entry.SHA256, actual))
		}
	}
	return result
}

// pathStaysInside rejects absolute manifest paths and any relative path that
// resolves outside the bundle directory.
func pathStaysInside(dir, manifestPath string) bool {
	if manifestPath == "" || filepath.IsAbs(manifestPath) || strings.HasPrefix(manifestPath, "/") {
		return false
	}
	resolved := filepath.Join(dir, filepath.FromSlash(manifestPath))
	relative, err := filepath.Rel(dir, resolved)
	if err != nil {
		return false
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator))
}
