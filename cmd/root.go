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
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatebroker/gatebroker/internal/log"
	"github.com/gatebroker/gatebroker/internal/server"
	"github.com/gatebroker/gatebroker/internal/telemetry"
	"github.com/gatebroker/gatebroker/internal/util"
)

var (
	// versionString stores the full semantic version, including build metadata.
	versionString string
	// versionNum indicates the numerical part of the version.
	//go:embed version.txt
	versionNum string
	// buildType indicates additional build or distribution metadata.
	buildType string = "dev" // should be one of "dev", "binary", or "container"
	// commitSha is the git commit it was built from.
	commitSha string
)

func init() {
	versionString = semanticVersion()
}

// semanticVersion returns the version of the CLI including compile-time metadata.
func semanticVersion() string {
	metadataStrings := []string{buildType, runtime.GOOS, runtime.GOARCH}
	if commitSha != "" {
		metadataStrings = append(metadataStrings, commitSha)
	}
	return strings.TrimSpace(versionNum) + "+" + strings.Join(metadataStrings, ".")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Command represents an invocation of the CLI.
type Command struct {
	*cobra.Command

	cfg          server.ServerConfig
	securityPath string
	logger       log.Logger
	inStream     io.Reader
	outStream    io.Writer
	errStream    io.Writer
}

// NewCommand returns a Command object representing an invocation of the CLI.
func NewCommand(opts ...Option) *Command {
	in := os.Stdin
	out := os.Stdout
	err := os.Stderr

	baseCmd := &cobra.Command{
		Use:           "gatebroker",
		Version:       versionString,
		SilenceErrors: true,
	}
	cmd := &Command{
		Command:   baseCmd,
		inStream:  in,
		outStream: out,
		errStream: err,
	}

	for _, o := range opts {
		o(cmd)
	}

	// Set server version
	cmd.cfg.Version = versionString

	// set baseCmd in, out and err the same as cmd.
	baseCmd.SetIn(cmd.inStream)
	baseCmd.SetOut(cmd.outStream)
	baseCmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "127.0.0.1", "Address of the interface the server will listen on.")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 5000, "Port the server will listen on.")

	flags.StringVar(&cmd.cfg.SocketDir, "socket-dir", "/tmp/gatebroker", "Directory gate descriptor files and sockets are discovered under.")
	flags.StringVar(&cmd.cfg.SessionPath, "session-store", "", "File path the MCP session store persists to across restarts. Defaults to <socket-dir>/sessions.json.")
	flags.StringVar(&cmd.cfg.PrefsPath, "prefs-store", "", "File path runtime preferences (e.g. default-mirror) persist to. Defaults to <socket-dir>/prefs.json.")
	flags.DurationVar(&cmd.cfg.SessionRetention, "session-retention", 24*time.Hour, "How long a persisted MCP session survives a restart before it is dropped.")
	flags.DurationVar(&cmd.cfg.SessionIdleTimeout, "session-idle-timeout", 5*time.Minute, "How long an MCP session may sit idle before it is reaped.")

	flags.Var(&cmd.cfg.LogLevel, "log-level", "Specify the minimum level logged. Allowed: 'DEBUG', 'INFO', 'WARN', 'ERROR'.")
	flags.Var(&cmd.cfg.LoggingFormat, "logging-format", "Specify logging format to use. Allowed: 'standard' or 'json'.")
	flags.BoolVar(&cmd.cfg.TelemetryGCP, "telemetry-gcp", false, "Enable exporting directly to Google Cloud Monitoring.")
	flags.StringVar(&cmd.cfg.TelemetryOTLP, "telemetry-otlp", "", "Enable exporting using OpenTelemetry Protocol (OTLP) to the specified endpoint (e.g. 'http://127.0.0.1:4318').")
	flags.StringVar(&cmd.cfg.TelemetryServiceName, "telemetry-service-name", "gatebroker", "Sets the value of the service.name resource attribute for telemetry data.")

	flags.StringVar(&cmd.securityPath, "security-config", "", "File path to a YAML file declaring the admission mode (lax/relaxed/strict), api keys, and ip allowlist. Defaults to lax mode (localhost only).")

	// wrap RunE command so that we have access to the original Command object
	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }

	return cmd
}

// parseEnv replaces environment variables ${ENV_NAME} with their values.
func parseEnv(input string) string {
	re := regexp.MustCompile(`\$\{(\w+)\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		variableName := parts[1]
		if value, found := os.LookupEnv(variableName); found {
			return value
		}
		return match
	})
}

func run(cmd *Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// watch for sigterm / sigint signals
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func(sCtx context.Context) {
		var s os.Signal
		select {
		case <-sCtx.Done():
			// this should only happen when the context supplied when testing is canceled
			return
		case s = <-signals:
		}
		switch s {
		case syscall.SIGINT:
			cmd.logger.DebugContext(sCtx, "Received SIGINT signal to shutdown.")
		case syscall.SIGTERM:
			cmd.logger.DebugContext(sCtx, "Received SIGTERM signal to shutdown.")
		}
		cancel()
	}(ctx)

	// Handle logger separately from config
	switch strings.ToLower(cmd.cfg.LoggingFormat.String()) {
	case "json":
		logger, err := log.NewStructuredLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
		if err != nil {
			return fmt.Errorf("unable to initialize logger: %w", err)
		}
		cmd.logger = logger
	case "standard", "":
		logger, err := log.NewStdLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
		if err != nil {
			return fmt.Errorf("unable to initialize logger: %w", err)
		}
		cmd.logger = logger
	default:
		return fmt.Errorf("logging format invalid")
	}

	ctx = util.WithLogger(ctx, cmd.logger)

	// Set up OpenTelemetry
	otelShutdown, err := telemetry.SetupOTel(ctx, cmd.cfg.Version, cmd.cfg.TelemetryOTLP, cmd.cfg.TelemetryGCP, cmd.cfg.TelemetryServiceName)
	if err != nil {
		errMsg := fmt.Errorf("error setting up OpenTelemetry: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			cmd.logger.ErrorContext(ctx, fmt.Errorf("error shutting down OpenTelemetry: %w", err).Error())
		}
	}()

	if cmd.cfg.SocketDir == "" {
		cmd.cfg.SocketDir = "/tmp/gatebroker"
	}
	if cmd.cfg.SessionPath == "" {
		cmd.cfg.SessionPath = cmd.cfg.SocketDir + "/sessions.json"
	}
	if cmd.cfg.PrefsPath == "" {
		cmd.cfg.PrefsPath = cmd.cfg.SocketDir + "/prefs.json"
	}

	security, err := loadSecurityConfig(ctx, cmd.securityPath)
	if err != nil {
		cmd.logger.ErrorContext(ctx, err.Error())
		return err
	}
	cmd.cfg.Security = security

	instrumentation, err := telemetry.CreateTelemetryInstrumentation(versionString)
	if err != nil {
		errMsg := fmt.Errorf("unable to create telemetry instrumentation: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	ctx = util.WithInstrumentation(ctx, instrumentation)

	// start server
	s, err := server.NewServer(ctx, cmd.cfg)
	if err != nil {
		errMsg := fmt.Errorf("gatebroker failed to initialize: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}

	if err := s.Run(ctx); err != nil {
		errMsg := fmt.Errorf("gatebroker failed to start connection manager: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}

	if err := s.Listen(ctx); err != nil {
		errMsg := fmt.Errorf("gatebroker failed to start listener: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	cmd.logger.InfoContext(ctx, "Server ready to serve!")

	// run server in background
	srvErr := make(chan error)
	go func() {
		defer close(srvErr)
		if err := s.Serve(ctx); err != nil {
			srvErr <- err
		}
	}()

	// wait for either the server to error out or the command's context to be canceled
	select {
	case err := <-srvErr:
		if err != nil {
			errMsg := fmt.Errorf("gatebroker crashed with the following error: %w", err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
	case <-ctx.Done():
		shutdownContext, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmd.logger.WarnContext(shutdownContext, "Shutting down gracefully...")
		if err := s.Shutdown(shutdownContext); err == context.DeadlineExceeded {
			return fmt.Errorf("graceful shutdown timed out... forcing exit")
		}
	}

	return nil
}
