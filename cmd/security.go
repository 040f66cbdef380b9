// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"

	"github.com/gatebroker/gatebroker/internal/authfront"
)

// securityFileConfig is the on-disk shape of the --security-config YAML
// file: one fixed admission mode plus the keys/IPs it checks against,
// mirroring the teacher's own tools-file parsing (parseToolsFile) but
// without the kind-dispatch machinery a flat, non-polymorphic config has
// no use for.
type securityFileConfig struct {
	Mode       string   `yaml:"mode" validate:"required,oneof=lax relaxed strict"`
	APIKeys    []string `yaml:"apiKeys"`
	AllowedIPs []string `yaml:"allowedIPs"`
}

// loadSecurityConfig reads and validates the security config file at path,
// returning the immutable authfront.Config record the dispatcher admits
// every request against. An empty path yields lax mode, matching the
// teacher's pattern of falling back to sensible zero-config defaults for
// local/dev use rather than refusing to start.
func loadSecurityConfig(ctx context.Context, path string) (authfront.Config, error) {
	if path == "" {
		return authfront.Config{Mode: authfront.ModeLax}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return authfront.Config{}, fmt.Errorf("unable to read security config at %q: %w", path, err)
	}

	raw = []byte(parseEnv(string(raw)))

	var fileCfg securityFileConfig
	if err := yaml.UnmarshalContext(ctx, raw, &fileCfg, yaml.Strict()); err != nil {
		return authfront.Config{}, fmt.Errorf("unable to parse security config at %q: %w", path, err)
	}

	if err := validator.New().Struct(fileCfg); err != nil {
		return authfront.Config{}, fmt.Errorf("invalid security config at %q: %w", path, err)
	}

	cfg := authfront.Config{
		Mode:       authfront.Mode(fileCfg.Mode),
		APIKeys:    make(map[string]bool, len(fileCfg.APIKeys)),
		AllowedIPs: make(map[string]bool, len(fileCfg.AllowedIPs)),
	}
	for _, key := range fileCfg.APIKeys {
		cfg.APIKeys[key] = true
	}
	for _, ip := range fileCfg.AllowedIPs {
		cfg.AllowedIPs[ip] = true
	}
	return cfg, nil
}
