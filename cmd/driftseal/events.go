package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/fsx"
	"github.com/mhaldre/driftseal/core/projectconfig"
)

const (
	eventStart = "start"
	eventEnd   = "end"

	eventsFileName = "events.jsonl"
)

type operationalEvent struct {
	At         string `json:"at"`
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Event      string `json:"event"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Version    string `json:"version"`
}

// writeOperationalEvent appends one JSONL record per invocation phase to the
// project-local events log. Always best effort: a missing or unwritable log
// never changes command behavior.
func writeOperationalEvent(phase, command string, exitCode int, elapsed time.Duration, at time.Time) {
	event := operationalEvent{
		At:      at.Format(time.RFC3339),
		Command: command,
		Event:   phase,
		Version: version,
	}
	if phase == eventEnd {
		event.DurationMS = elapsed.Milliseconds()
		event.ExitCode = &exitCode
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	path := filepath.Join(projectconfig.DirName, eventsFileName)
	if mkdirErr := os.MkdirAll(projectconfig.DirName, 0o750); mkdirErr != nil {
		return
	}
	_ = fsx.AppendLineLocked(path, line, 0o644)
}

// printError renders a classified error on stderr with its category, code,
// and remediation hint when present.
func printError(err error) {
	category := coreerrors.CategoryOf(err)
	code := coreerrors.CodeOf(err)
	if category == "" && code == "" {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "ERROR[%s/%s]: %v\n", category, code, err)
	if hint := coreerrors.HintOf(err); hint != "" {
		fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
	}
}
