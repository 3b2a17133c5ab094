// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcpgate/pkg/gateway"
)

// envVarPattern matches ${VAR} references in configuration files.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, expands ${VAR} environment references,
// applies defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidConfig, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Register resolved secrets with the sanitization filter so they can
	// never leak through error messages.
	if cfg.IncomingAuth.Token != "" {
		gateway.RegisterRedactedValue(cfg.IncomingAuth.Token)
	}
	for i := range cfg.Backends {
		if auth := cfg.Backends[i].Auth; auth != nil {
			if auth.ClientSecret != "" {
				gateway.RegisterRedactedValue(auth.ClientSecret)
			}
			for _, v := range auth.Headers {
				gateway.RegisterRedactedValue(v)
			}
		}
	}
	return &cfg, nil
}
