// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/streamwarden/streamwarden/internal/validation"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamwarden/config.yaml",
	"/etc/streamwarden/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "STREAMWARDEN_CONFIG"

// envPrefix is stripped from environment variables before key mapping.
const envPrefix = "STREAMWARDEN_"

// sections are the recognized top-level config namespaces; the first token
// of an environment variable selects the section, the rest form the key:
// STREAMWARDEN_CONTROLLER_RECONNECT_MIN -> controller.reconnect_min.
var sections = map[string]bool{
	"controller": true,
	"worker":     true,
	"probe":      true,
	"store":      true,
	"boot":       true,
	"monitor":    true,
	"ops":        true,
	"logging":    true,
}

// Load builds the configuration from defaults, an optional YAML file, and
// STREAMWARDEN_* environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration, including cross-field
// constraints the struct tags cannot express.
func Validate(cfg *Config) error {
	if err := validation.ValidateStruct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Controller.ReconnectMin > cfg.Controller.ReconnectMax {
		return fmt.Errorf("invalid configuration: controller.reconnect_min exceeds controller.reconnect_max")
	}
	if cfg.Monitor.CPUWarning >= cfg.Monitor.CPUCritical {
		return fmt.Errorf("invalid configuration: monitor.cpu_warning must be below monitor.cpu_critical")
	}
	if cfg.Monitor.MemoryWarning >= cfg.Monitor.MemoryCritical {
		return fmt.Errorf("invalid configuration: monitor.memory_warning must be below monitor.memory_critical")
	}
	if cfg.Monitor.DiskWarning >= cfg.Monitor.DiskCritical {
		return fmt.Errorf("invalid configuration: monitor.disk_warning must be below monitor.disk_critical")
	}
	return nil
}

// findConfigFile resolves the config file path: explicit env override first,
// then the default search paths. An empty result means defaults+env only,
// which is a supported deployment.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps STREAMWARDEN_SECTION_SOME_KEY to section.some_key.
// Variables whose first token is not a known section are ignored (returned
// empty) so unrelated STREAMWARDEN_* variables cannot corrupt the tree.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found || !sections[section] {
		return ""
	}
	return section + "." + key
}
