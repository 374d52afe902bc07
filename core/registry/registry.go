// Package registry loads and validates the source-definition registry. The
// registry is read-only configuration: it is validated against a declared
// schema once at load time and returned as a typed value, and it must never
// carry a generation timestamp (the registry participates in deterministic
// evidence, so its bytes may not change between otherwise-identical runs).
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "embed"

	"github.com/kaptinlin/jsonschema"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
)

//go:embed sources_schema.json
var schemaDocument []byte

// Source is one externally supplied, immutable source definition.
type Source struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	URL                 string `json:"url"`
	SourceClass         string `json:"source_class"`
	ContentTypeExpected string `json:"content_type_expected"`
	ServerLocalPath     string `json:"server_local_path"`
	Notes               string `json:"notes,omitempty"`
}

type Registry struct {
	Version     string   `json:"version,omitempty"`
	GeneratedAt *string  `json:"generated_at,omitempty"`
	Sources     []Source `json:"sources"`
}

var (
	compileSchemaOnce sync.Once
	compiledSchema    *jsonschema.Schema
	compileSchemaErr  error
)

func registrySchema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiledSchema, compileSchemaErr = compiler.Compile(schemaDocument)
	})
	return compiledSchema, compileSchemaErr
}

// Load reads, schema-validates, and parses the registry at path. Any problem
// aborts before network access: acting on an unvalidated registry risks
// writing evidence under the wrong source id.
func Load(path string) (Registry, error) {
	// #nosec G304 -- registry path is explicit operator input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, coreerrors.Wrap(
			fmt.Errorf("read sources registry %s: %w", path, err),
			coreerrors.CategoryInvalidInput, "registry_missing",
			"pass --sources pointing at a sources registry JSON file", false)
	}

	schema, err := registrySchema()
	if err != nil {
		return Registry{}, coreerrors.Wrap(
			fmt.Errorf("compile registry schema: %w", err),
			coreerrors.CategoryInternalFailure, "registry_schema_compile", "", false)
	}
	if result := schema.ValidateJSON(raw); !result.IsValid() {
		return Registry{}, coreerrors.Wrap(
			fmt.Errorf("registry schema validation failed: %v", result.Errors),
			coreerrors.CategoryInvalidInput, "registry_invalid",
			"fix the sources registry to match the declared schema", false)
	}

	var parsed Registry
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Registry{}, coreerrors.Wrap(
			fmt.Errorf("parse sources registry: %w", err),
			coreerrors.CategoryInvalidInput, "registry_invalid", "", false)
	}
	if parsed.GeneratedAt != nil {
		return Registry{}, coreerrors.Wrap(
			fmt.Errorf("sources registry generated_at must be null for determinism"),
			coreerrors.CategoryInvalidInput, "registry_generated_at",
			"remove the generated_at value from the registry", false)
	}

	seenIDs := make(map[string]struct{}, len(parsed.Sources))
	for index := range parsed.Sources {
		source := &parsed.Sources[index]
		source.ID = strings.TrimSpace(source.ID)
		source.Title = strings.TrimSpace(source.Title)
		source.URL = strings.TrimSpace(source.URL)
		source.ContentTypeExpected = strings.TrimSpace(source.ContentTypeExpected)
		source.ServerLocalPath = strings.TrimSpace(source.ServerLocalPath)
		source.Notes = strings.TrimSpace(source.Notes)
		if _, duplicate := seenIDs[source.ID]; duplicate {
			return Registry{}, coreerrors.Wrap(
				fmt.Errorf("duplicate source id: %s", source.ID),
				coreerrors.CategoryInvalidInput, "registry_duplicate_id",
				"source ids must be unique", false)
		}
		seenIDs[source.ID] = struct{}{}
	}
	return parsed, nil
}

// Select returns the sources to process: all of them, or the single source
// matching onlyID.
func (registry Registry) Select(onlyID string) ([]Source, error) {
	if onlyID == "" {
		return registry.Sources, nil
	}
	for _, source := range registry.Sources {
		if source.ID == onlyID {
			return []Source{source}, nil
		}
	}
	return nil, coreerrors.Wrap(
		fmt.Errorf("no source with id=%q found in registry", onlyID),
		coreerrors.CategoryInvalidInput, "registry_unknown_id",
		"list the registry's source ids and pass one with --id", false)
}
