package run

import (
	"fmt"
	"os"
	"path/filepath"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/manifest"
	"github.com/mhaldre/driftseal/core/stablejson"
)

// Verify audits an existing run directory without any network access:
// required files present, the metadata fingerprint matches the artifact on
// disk, and the manifest matches the recomputed directory contents. Any
// divergence is a hard verification failure.
func Verify(runDir string) error {
	info, err := os.Stat(runDir)
	if err != nil || !info.IsDir() {
		return coreerrors.Wrap(
			fmt.Errorf("run folder not found: %s", runDir),
			coreerrors.CategoryVerification, "run_missing",
			"fetch this (source, date) before verifying", false)
	}
	for _, required := range []string{ArtifactFileName, MetadataFileName, manifest.FileName} {
		if _, statErr := os.Stat(filepath.Join(runDir, required)); statErr != nil {
			return coreerrors.Wrap(
				fmt.Errorf("missing required file: %s", filepath.Join(runDir, required)),
				coreerrors.CategoryVerification, "run_missing_file", "", false)
		}
	}

	var metadata Metadata
	if err := stablejson.ReadFile(filepath.Join(runDir, MetadataFileName), &metadata); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryVerification, "metadata_malformed", "", false)
	}
	artifactSHA, err := manifest.SHA256File(filepath.Join(runDir, ArtifactFileName))
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "artifact_unreadable", "", false)
	}
	if metadata.ArtifactSHA256 == nil || *metadata.ArtifactSHA256 != artifactSHA {
		return coreerrors.Wrap(
			fmt.Errorf("metadata artifact_sha256 does not match %s", ArtifactFileName),
			coreerrors.CategoryVerification, "metadata_artifact_mismatch",
			"the artifact was modified after sealing", false)
	}

	verification, err := manifest.Verify(runDir, ManifestExclusions())
	if err != nil {
		return err
	}
	if verification.Unsorted {
		return coreerrors.Wrap(
			fmt.Errorf("manifest is not sorted by relative path"),
			coreerrors.CategoryVerification, "manifest_unsorted", "", false)
	}
	if !verification.OK() {
		return coreerrors.Wrap(
			fmt.Errorf("manifest does not match folder contents: missing=%v extra=%v mismatched=%d",
				verification.MissingPaths, verification.ExtraPaths, len(verification.HashMismatches)),
			coreerrors.CategoryVerification, "manifest_mismatch",
			"diff the run folder against its manifest to locate the change", false)
	}
	return nil
}
