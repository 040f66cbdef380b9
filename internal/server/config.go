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

package server

import (
	"fmt"
	"time"

	"github.com/gatebroker/gatebroker/internal/authfront"
)

// logFormat is a cobra-compatible flag value restricted to "standard" or
// "json", mirroring the teacher's own logFormat type in shape.
type logFormat string

func (f *logFormat) String() string { return string(*f) }

func (f *logFormat) Set(v string) error {
	switch v {
	case "standard", "json":
		*f = logFormat(v)
		return nil
	default:
		return fmt.Errorf("logging format must be 'standard' or 'json', got %q", v)
	}
}

func (f *logFormat) Type() string { return "logFormat" }

// StringLevel is a cobra-compatible flag value restricted to a known log
// severity.
type StringLevel string

func (s *StringLevel) String() string { return string(*s) }

func (s *StringLevel) Set(v string) error {
	switch v {
	case "DEBUG", "INFO", "WARN", "ERROR":
		*s = StringLevel(v)
		return nil
	default:
		return fmt.Errorf("log level must be one of DEBUG, INFO, WARN, ERROR, got %q", v)
	}
}

func (s *StringLevel) Type() string { return "stringLevel" }

// ServerConfig holds everything NewServer needs to stand up the broker: the
// HTTP surface, the gate-discovery directory, persisted-state paths, and
// the ambient logging/telemetry/security settings.
type ServerConfig struct {
	Version string

	Address string
	Port    int

	// SocketDir is the directory gate descriptor files and their sockets
	// live under, scanned by internal/discovery and watched by
	// internal/connmanager.
	SocketDir string

	// SessionPath is where the MCP session store persists across restarts.
	SessionPath string
	// PrefsPath is where runtime preferences (e.g. default-mirror) persist.
	PrefsPath string

	SessionRetention   time.Duration
	SessionIdleTimeout time.Duration

	LogLevel      StringLevel
	LoggingFormat logFormat

	TelemetryGCP         bool
	TelemetryOTLP        string
	TelemetryServiceName string

	Security authfront.Config
}
