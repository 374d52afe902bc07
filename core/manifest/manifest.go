// Package manifest computes content fingerprints and seals run directories
// with a sorted manifest.sha256 file. The manifest is the tamper-evidence
// primitive for every run: one "<sha256>  <relative-path>" line per file,
// sorted lexicographically by path, LF line endings.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/fsx"
)

// FileName is the manifest's own name inside a sealed directory. It is always
// part of the exclusion set.
const FileName = "manifest.sha256"

type Entry struct {
	Path   string
	SHA256 string
}

// SHA256File returns the lowercase hex sha256 digest of the file at path,
// streaming so large artifacts are not loaded into memory.
func SHA256File(path string) (string, error) {
	// #nosec G304 -- evidence paths are explicit caller input.
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// Write walks dir recursively, fingerprints every file not in the exclusion
// set, and writes the sorted manifest. A path is excluded when its relative
// slash path or its base name appears in exclude; the manifest's own file name
// is always excluded. Calling Write twice on an unchanged directory produces
// byte-identical output.
func Write(dir string, exclude map[string]struct{}) (string, error) {
	entries, err := computeEntries(dir, exclude)
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	for _, entry := range entries {
		builder.WriteString(entry.SHA256)
		builder.WriteString("  ")
		builder.WriteString(entry.Path)
		builder.WriteString("\n")
	}
	manifestPath := filepath.Join(dir, FileName)
	if err := fsx.WriteFileAtomic(manifestPath, []byte(builder.String()), 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return manifestPath, nil
}

// Parse splits manifest text into entries. Each non-empty line must be
// "<64-hex-digest>  <relative-path>". A malformed line is an error, not a
// silently dropped entry.
func Parse(text string) ([]Entry, error) {
	entries := make([]Entry, 0, 8)
	for lineNumber, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		digest, relPath, found := strings.Cut(line, "  ")
		if !found || relPath == "" {
			return nil, fmt.Errorf("malformed manifest line %d: %q", lineNumber+1, rawLine)
		}
		if !isHexDigest(digest) {
			return nil, fmt.Errorf("malformed manifest digest on line %d: %q", lineNumber+1, digest)
		}
		entries = append(entries, Entry{Path: relPath, SHA256: digest})
	}
	return entries, nil
}

type HashMismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type VerifyResult struct {
	ManifestPath   string         `json:"manifest_path"`
	FilesChecked   int            `json:"files_checked"`
	MissingPaths   []string       `json:"missing_paths,omitempty"`
	ExtraPaths     []string       `json:"extra_paths,omitempty"`
	HashMismatches []HashMismatch `json:"hash_mismatches,omitempty"`
	Unsorted       bool           `json:"unsorted,omitempty"`
}

func (result VerifyResult) OK() bool {
	return len(result.MissingPaths) == 0 &&
		len(result.ExtraPaths) == 0 &&
		len(result.HashMismatches) == 0 &&
		!result.Unsorted
}

// Verify recomputes the directory's fingerprints with the same exclusion rules
// as Write and compares them against the stored manifest. Structural problems
// (missing or malformed manifest, duplicate paths) return a classified error;
// content divergence is reported in the result.
func Verify(dir string, exclude map[string]struct{}) (VerifyResult, error) {
	manifestPath := filepath.Join(dir, FileName)
	// #nosec G304 -- evidence paths are explicit caller input.
	text, err := os.ReadFile(manifestPath)
	if err != nil {
		return VerifyResult{}, coreerrors.Wrap(
			fmt.Errorf("read manifest %s: %w", manifestPath, err),
			coreerrors.CategoryVerification, "manifest_missing",
			"seal the run directory with a fetch before verifying", false)
	}
	listed, err := Parse(string(text))
	if err != nil {
		return VerifyResult{}, coreerrors.Wrap(err,
			coreerrors.CategoryVerification, "manifest_malformed",
			"the manifest was edited or truncated; re-seal the run", false)
	}

	result := VerifyResult{ManifestPath: manifestPath, FilesChecked: len(listed)}

	listedByPath := make(map[string]string, len(listed))
	orderedPaths := make([]string, 0, len(listed))
	for _, entry := range listed {
		if _, duplicate := listedByPath[entry.Path]; duplicate {
			return VerifyResult{}, coreerrors.Wrap(
				fmt.Errorf("duplicate manifest path: %s", entry.Path),
				coreerrors.CategoryVerification, "manifest_duplicate_path",
				"the manifest was edited; re-seal the run", false)
		}
		listedByPath[entry.Path] = entry.SHA256
		orderedPaths = append(orderedPaths, entry.Path)
	}
	if !sort.StringsAreSorted(orderedPaths) {
		result.Unsorted = true
	}

	actual, err := computeEntries(dir, exclude)
	if err != nil {
		return VerifyResult{}, err
	}
	actualByPath := make(map[string]string, len(actual))
	for _, entry := range actual {
		actualByPath[entry.Path] = entry.SHA256
	}

	for _, entry := range actual {
		expected, isListed := listedByPath[entry.Path]
		if !isListed {
			result.ExtraPaths = append(result.ExtraPaths, entry.Path)
			continue
		}
		if !strings.EqualFold(expected, entry.SHA256) {
			result.HashMismatches = append(result.HashMismatches, HashMismatch{
				Path:     entry.Path,
				Expected: expected,
				Actual:   entry.SHA256,
			})
		}
	}
	for _, path := range orderedPaths {
		if _, exists := actualByPath[path]; !exists {
			result.MissingPaths = append(result.MissingPaths, path)
		}
	}

	sort.Strings(result.MissingPaths)
	sort.Strings(result.ExtraPaths)
	sort.Slice(result.HashMismatches, func(leftIndex, rightIndex int) bool {
		return result.HashMismatches[leftIndex].Path < result.HashMismatches[rightIndex].Path
	})
	return result, nil
}

func computeEntries(dir string, exclude map[string]struct{}) ([]Entry, error) {
	entries := make([]Entry, 0, 8)
	walkErr := filepath.WalkDir(dir, func(path string, dirEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dirEntry.IsDir() {
			return nil
		}
		relPath, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		relName := filepath.ToSlash(relPath)
		if relName == FileName {
			return nil
		}
		if _, excluded := exclude[relName]; excluded {
			return nil
		}
		if _, excluded := exclude[filepath.Base(path)]; excluded {
			return nil
		}
		digest, hashErr := SHA256File(path)
		if hashErr != nil {
			return hashErr
		}
		entries = append(entries, Entry{Path: relName, SHA256: digest})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, walkErr)
	}
	sort.Slice(entries, func(leftIndex, rightIndex int) bool {
		return entries[leftIndex].Path < entries[rightIndex].Path
	})
	return entries, nil
}

func isHexDigest(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, character := range value {
		switch {
		case character >= '0' && character <= '9':
		case character >= 'a' && character <= 'f':
		case character >= 'A' && character <= 'F':
		default:
			return false
		}
	}
	return true
}
