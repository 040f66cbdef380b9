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
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the logging interface used throughout gatebroker. It mirrors
// slog's leveled methods, plus context-carrying variants, so the backing
// handler (text or JSON) can be swapped without touching call sites.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	DebugContext(ctx context.Context, msg string, keysAndValues ...interface{})
	InfoContext(ctx context.Context, msg string, keysAndValues ...interface{})
	WarnContext(ctx context.Context, msg string, keysAndValues ...interface{})
	ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{})
}

const (
	Debug = "DEBUG"
	Info  = "INFO"
	Warn  = "WARN"
	Error = "ERROR"
)

// SeverityToLevel returns the slog.Level for a named log severity.
func SeverityToLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case Debug:
		return slog.LevelDebug, nil
	case Info:
		return slog.LevelInfo, nil
	case Warn:
		return slog.LevelWarn, nil
	case Error:
		return slog.LevelError, nil
	default:
		return slog.Level(-5), fmt.Errorf("invalid log level")
	}
}

// StdLogger is a plain-text logger that writes informational messages to
// outW and warnings/errors to errW.
type StdLogger struct {
	outLogger *slog.Logger
	errLogger *slog.Logger
}

var _ Logger = (*StdLogger)(nil)

// NewStdLogger creates a Logger that uses out and err for informational and error messages.
func NewStdLogger(outW, errW io.Writer, logLevel string) (Logger, error) {
	var programLevel = new(slog.LevelVar)
	slogLevel, err := SeverityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	programLevel.Set(slogLevel)

	handlerOptions := &slog.HandlerOptions{Level: programLevel}

	return &StdLogger{
		outLogger: slog.New(slog.NewTextHandler(outW, handlerOptions)),
		errLogger: slog.New(slog.NewTextHandler(errW, handlerOptions)),
	}, nil
}

func (sl *StdLogger) Debug(msg string, keysAndValues ...interface{}) {
	sl.outLogger.Debug(msg, keysAndValues...)
}

func (sl *StdLogger) Info(msg string, keysAndValues ...interface{}) {
	sl.outLogger.Info(msg, keysAndValues...)
}

func (sl *StdLogger) Warn(msg string, keysAndValues ...interface{}) {
	sl.errLogger.Warn(msg, keysAndValues...)
}

func (sl *StdLogger) Error(msg string, keysAndValues ...interface{}) {
	sl.errLogger.Error(msg, keysAndValues...)
}

func (sl *StdLogger) DebugContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.outLogger.DebugContext(ctx, msg, keysAndValues...)
}

func (sl *StdLogger) InfoContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.outLogger.InfoContext(ctx, msg, keysAndValues...)
}

func (sl *StdLogger) WarnContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.errLogger.WarnContext(ctx, msg, keysAndValues...)
}

func (sl *StdLogger) ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.errLogger.ErrorContext(ctx, msg, keysAndValues...)
}

// StructuredLogger emits newline-delimited JSON, for ingestion by log
// pipelines that expect structured fields rather than text lines.
type StructuredLogger struct {
	outLogger *slog.Logger
	errLogger *slog.Logger
}

var _ Logger = (*StructuredLogger)(nil)

// NewStructuredLogger creates a Logger that writes JSON lines.
func NewStructuredLogger(outW, errW io.Writer, logLevel string) (Logger, error) {
	var programLevel = new(slog.LevelVar)
	slogLevel, err := SeverityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	programLevel.Set(slogLevel)

	handlerOptions := &slog.HandlerOptions{Level: programLevel}

	return &StructuredLogger{
		outLogger: slog.New(slog.NewJSONHandler(outW, handlerOptions)),
		errLogger: slog.New(slog.NewJSONHandler(errW, handlerOptions)),
	}, nil
}

func (sl *StructuredLogger) Debug(msg string, keysAndValues ...interface{}) {
	sl.outLogger.Debug(msg, keysAndValues...)
}

func (sl *StructuredLogger) Info(msg string, keysAndValues ...interface{}) {
	sl.outLogger.Info(msg, keysAndValues...)
}

func (sl *StructuredLogger) Warn(msg string, keysAndValues ...interface{}) {
	sl.errLogger.Warn(msg, keysAndValues...)
}

func (sl *StructuredLogger) Error(msg string, keysAndValues ...interface{}) {
	sl.errLogger.Error(msg, keysAndValues...)
}

func (sl *StructuredLogger) DebugContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.outLogger.DebugContext(ctx, msg, keysAndValues...)
}

func (sl *StructuredLogger) InfoContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.outLogger.InfoContext(ctx, msg, keysAndValues...)
}

func (sl *StructuredLogger) WarnContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.errLogger.WarnContext(ctx, msg, keysAndValues...)
}

func (sl *StructuredLogger) ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	sl.errLogger.ErrorContext(ctx, msg, keysAndValues...)
}
