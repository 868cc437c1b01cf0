// Package config loads cmd/ehtool's on-disk defaults, grounded on the way
// delve's pkg/config reads ~/.config/dlv/config.yml: a single YAML file
// under the user's config directory, missing-file-is-not-an-error, and a
// typed struct with yaml tags rather than a generic map.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds cmd/ehtool's persisted defaults.
type Config struct {
	// ObjectPaths lists ELF images. It is loaded and saved, but no ehtool
	// subcommand reads it; only the path passed on the command line is
	// loaded.
	ObjectPaths []string `yaml:"object-paths,omitempty"`

	// LogLevel is the logrus level name ("debug", "info", "warn", ...)
	// ehtool applies before running any subcommand.
	LogLevel string `yaml:"log-level,omitempty"`

	// EnabledLoggers names which of ehlog's gated loggers ("stack", "abi",
	// "registry") start enabled.
	EnabledLoggers []string `yaml:"enabled-loggers,omitempty"`

	// StepBudget is a DWARF-expression step budget (default 1024). It is
	// loaded and saved, but ehtool does not pass it to dwarfexpr.Config.
	StepBudget int `yaml:"step-budget,omitempty"`

	// CacheSize is a size for the CFI row cache (internal/dwarfcfi.RowCache,
	// default 256). It is loaded and saved, but ehtool builds no RowCache.
	CacheSize int `yaml:"cache-size,omitempty"`
}

// Default returns the built-in defaults applied before any file or flag
// overrides them.
func Default() Config {
	return Config{
		LogLevel:   "warn",
		StepBudget: 1024,
		CacheSize:  256,
	}
}

// Path returns the config file ehtool reads by default:
// $XDG_CONFIG_HOME/ehtool/ehtool.yml (or the OS equivalent via
// os.UserConfigDir).
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "ehtool", "ehtool.yml"), nil
}

// Load reads and parses the YAML file at path into Default()'s result. A
// missing file is not an error; Load returns the defaults unchanged, the
// same convention delve's pkg/config uses so a first run needs no setup.
func Load(path string) (Config, error) {
	cfg := Default()

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating its parent directory if
// necessary.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
