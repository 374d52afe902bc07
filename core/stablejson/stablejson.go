// Package stablejson reads and writes JSON documents deterministically: sorted
// object keys, two-space indentation, LF line endings, a single trailing
// newline, and no HTML escaping. Every JSON artifact in a run directory goes
// through this package so that byte-identical inputs produce byte-identical
// evidence.
package stablejson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gowebpki/jcs"

	"github.com/mhaldre/driftseal/core/fsx"
)

// VolatileRunKey names the metadata sub-record excluded from idempotency
// fingerprints (run timing and producer revision).
const VolatileRunKey = "run"

// Marshal renders v as a deterministic JSON document with a trailing newline.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	normalized, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(normalized); err != nil {
		return nil, fmt.Errorf("encode json document: %w", err)
	}
	return buffer.Bytes(), nil
}

// WriteFile writes v as a deterministic JSON document, creating parent
// directories as needed.
func WriteFile(path string, v any) error {
	content, err := Marshal(v)
	if err != nil {
		return err
	}
	if parent := filepath.Dir(path); parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create json parent directory: %w", err)
		}
	}
	return fsx.WriteFileAtomic(path, content, 0o644)
}

// ReadFile parses the JSON document at path into out.
func ReadFile(path string, out any) error {
	// #nosec G304 -- evidence paths are explicit caller input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse json %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadDocument parses the JSON object at path into a generic map, preserving
// number text via json.Number.
func ReadDocument(path string) (map[string]any, error) {
	// #nosec G304 -- evidence paths are explicit caller input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	value, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	document, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object in %s", filepath.Base(path))
	}
	return document, nil
}

// Fingerprint returns the sha256 hex digest of the RFC 8785 canonical form of
// the JSON object in raw, with the volatile run member removed. Two metadata
// documents with equal fingerprints describe the same acquisition outcome.
func Fingerprint(raw []byte) (string, error) {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(raw, &document); err != nil {
		return "", fmt.Errorf("parse json object: %w", err)
	}
	delete(document, VolatileRunKey)
	stripped, err := json.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("encode stripped object: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize json: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintValue fingerprints an in-memory value the same way Fingerprint
// fingerprints a serialized document.
func FingerprintValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return Fingerprint(raw)
}

func decodeValue(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return value, nil
}
