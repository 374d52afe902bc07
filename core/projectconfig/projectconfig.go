// Package projectconfig loads the optional per-project configuration file.
// Everything in it is a default for a CLI flag; flags always win.
package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
)

const (
	// DirName is the project-local configuration directory.
	DirName  = ".driftseal"
	FileName = "config.yaml"

	DefaultTimeoutSeconds = 30
)

type Config struct {
	// Sources is the default registry file path for fetch and watch.
	Sources string `yaml:"sources"`
	// OutRoot overrides the per-source canonical storage roots.
	OutRoot string `yaml:"out_root"`
	// MirrorOut is the default mirror output base.
	MirrorOut string `yaml:"mirror_out"`
	// TriggersRoot is the default trigger destination for the watchers.
	TriggersRoot   string `yaml:"triggers_root"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent"`
}

func (config Config) Timeout() time.Duration {
	if config.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(config.TimeoutSeconds) * time.Second
}

// Load reads the configuration at path. With allowMissing a nonexistent file
// yields the zero configuration, so running outside a project just means no
// defaults.
func Load(path string, allowMissing bool) (Config, error) {
	// #nosec G304 -- config path is explicit caller input.
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, coreerrors.Wrap(
			fmt.Errorf("read project config %s: %w", path, err),
			coreerrors.CategoryIOFailure, "config_unreadable", "check the path and permissions", false)
	}
	var config Config
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, coreerrors.Wrap(
			fmt.Errorf("parse project config %s: %w", path, err),
			coreerrors.CategoryInvalidInput, "config_invalid", "fix the YAML syntax", false)
	}
	config.normalize()
	if config.TimeoutSeconds < 0 {
		return Config{}, coreerrors.Wrap(
			fmt.Errorf("timeout_seconds must not be negative, got %d", config.TimeoutSeconds),
			coreerrors.CategoryInvalidInput, "config_invalid", "use a positive timeout or omit it", false)
	}
	return config, nil
}

func (config *Config) normalize() {
	config.Sources = strings.TrimSpace(config.Sources)
	config.OutRoot = strings.TrimSpace(config.OutRoot)
	config.MirrorOut = strings.TrimSpace(config.MirrorOut)
	config.TriggersRoot = strings.TrimSpace(config.TriggersRoot)
	config.UserAgent = strings.TrimSpace(config.UserAgent)
}
