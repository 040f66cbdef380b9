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

package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSeverityToLevel(t *testing.T) {
	tcs := []struct {
		name string
		in   string
		want slog.Level
	}{
		{name: "test debug", in: "Debug", want: slog.LevelDebug},
		{name: "test info", in: "Info", want: slog.LevelInfo},
		{name: "test warn", in: "Warn", want: slog.LevelWarn},
		{name: "test error", in: "Error", want: slog.LevelError},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SeverityToLevel(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if got != tc.want {
				t.Fatalf("incorrect level to severity: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSeverityToLevelError(t *testing.T) {
	_, err := SeverityToLevel("fail")
	if err == nil {
		t.Fatalf("expected error on incorrect level")
	}
}

func runLogger(logger Logger, logMsg string) {
	switch logMsg {
	case "info":
		logger.Info("log info")
	case "debug":
		logger.Debug("log debug")
	case "warn":
		logger.Warn("log warn")
	case "error":
		logger.Error("log error")
	}
}

func TestStdLoggerLevelGating(t *testing.T) {
	tcs := []struct {
		name      string
		logLevel  string
		logMsg    string
		wantOut   bool
		wantErr   bool
	}{
		{name: "debug logger logging debug", logLevel: "debug", logMsg: "debug", wantOut: true},
		{name: "info logger logging debug", logLevel: "info", logMsg: "debug"},
		{name: "warn logger logging debug", logLevel: "warn", logMsg: "debug"},
		{name: "error logger logging debug", logLevel: "error", logMsg: "debug"},
		{name: "debug logger logging info", logLevel: "debug", logMsg: "info", wantOut: true},
		{name: "info logger logging info", logLevel: "info", logMsg: "info", wantOut: true},
		{name: "warn logger logging info", logLevel: "warn", logMsg: "info"},
		{name: "error logger logging info", logLevel: "error", logMsg: "info"},
		{name: "debug logger logging warn", logLevel: "debug", logMsg: "warn", wantErr: true},
		{name: "info logger logging warn", logLevel: "info", logMsg: "warn", wantErr: true},
		{name: "warn logger logging warn", logLevel: "warn", logMsg: "warn", wantErr: true},
		{name: "error logger logging warn", logLevel: "error", logMsg: "warn"},
		{name: "debug logger logging error", logLevel: "debug", logMsg: "error", wantErr: true},
		{name: "info logger logging error", logLevel: "info", logMsg: "error", wantErr: true},
		{name: "warn logger logging error", logLevel: "warn", logMsg: "error", wantErr: true},
		{name: "error logger logging error", logLevel: "error", logMsg: "error", wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			outW := new(bytes.Buffer)
			errW := new(bytes.Buffer)

			logger, err := NewStdLogger(outW, errW, tc.logLevel)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			runLogger(logger, tc.logMsg)

			if gotOut := outW.Len() > 0; gotOut != tc.wantOut {
				t.Fatalf("stdout emitted = %v, want %v (content: %q)", gotOut, tc.wantOut, outW.String())
			}
			if gotErr := errW.Len() > 0; gotErr != tc.wantErr {
				t.Fatalf("stderr emitted = %v, want %v (content: %q)", gotErr, tc.wantErr, errW.String())
			}
			if tc.wantOut && !strings.Contains(outW.String(), "log "+tc.logMsg) {
				t.Fatalf("stdout missing message: %q", outW.String())
			}
			if tc.wantErr && !strings.Contains(errW.String(), "log "+tc.logMsg) {
				t.Fatalf("stderr missing message: %q", errW.String())
			}
		})
	}
}

func TestStructuredLoggerEmitsJSON(t *testing.T) {
	outW := new(bytes.Buffer)
	errW := new(bytes.Buffer)

	logger, err := NewStructuredLogger(outW, errW, "debug")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	logger.Info("hello structured world")

	if !strings.Contains(outW.String(), `"msg":"hello structured world"`) {
		t.Fatalf("expected JSON-encoded message, got %q", outW.String())
	}
}
