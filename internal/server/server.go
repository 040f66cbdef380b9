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

// Package server contains the broker's HTTP surface: the MCP JSON-RPC/SSE
// dispatcher, a control-plane REST mirror for introspection, and the
// plumbing (connection manager, tool registry, MCP session store, admission
// policy) NewServer wires together before Listen/Serve bring the process up.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/gatebroker/gatebroker/internal/authfront"
	"github.com/gatebroker/gatebroker/internal/connmanager"
	"github.com/gatebroker/gatebroker/internal/log"
	"github.com/gatebroker/gatebroker/internal/mcpsession"
	"github.com/gatebroker/gatebroker/internal/prefs"
	"github.com/gatebroker/gatebroker/internal/registry"
	"github.com/gatebroker/gatebroker/internal/telemetry"
	"github.com/gatebroker/gatebroker/internal/util"
)

const (
	defaultSessionIdleTimeout = 5 * time.Minute
	sessionReapInterval       = 1 * time.Minute
	nonceSweepInterval        = 10 * time.Minute
	nonceMaxAge               = 10 * time.Minute
)

// Server is one running broker instance: an HTTP server in front of a
// connection manager, a tool registry, an MCP session store, and the
// admission policy every request is checked against.
type Server struct {
	version  string
	srv      *http.Server
	listener net.Listener
	root     chi.Router

	logger          log.Logger
	instrumentation *telemetry.Instrumentation

	connMgr  *connmanager.Manager
	registry *registry.Registry
	sessions *mcpsession.Store
	prefs    *prefs.Store
	security authfront.Config
	nonces   *authfront.NonceTable

	sseManager *sseManager

	idleTimeout time.Duration
	stop        chan struct{}
}

// NewServer wires a Server together and mounts its routers. It does not
// start the connection manager's background tasks or open a listener; call
// Run followed by Listen/Serve for that.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	instrumentation, err := util.InstrumentationFromContext(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := instrumentation.Tracer.Start(ctx, "gatebroker/server/init")
	defer span.End()

	l, err := util.LoggerFromContext(ctx)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	logLevel, err := log.SeverityToLevel(cfg.LogLevel.String())
	if err != nil {
		return nil, fmt.Errorf("unable to initialize http log: %w", err)
	}
	var httpOpts httplog.Options
	switch cfg.LoggingFormat.String() {
	case "json":
		httpOpts = httplog.Options{
			JSON:             true,
			LogLevel:         logLevel,
			Concise:          true,
			MessageFieldName: "message",
			SourceFieldName:  "logging.googleapis.com/sourceLocation",
			TimeFieldName:    "timestamp",
			LevelFieldName:   "severity",
		}
	case "standard":
		httpOpts = httplog.Options{
			LogLevel:         logLevel,
			Concise:          true,
			MessageFieldName: "message",
		}
	default:
		return nil, fmt.Errorf("invalid logging format: %q", cfg.LoggingFormat.String())
	}
	httpLogger := httplog.NewLogger("httplog", httpOpts)
	r.Use(httplog.RequestLogger(httpLogger))

	reg := registry.New()

	prefStore, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open preferences store: %w", err)
	}
	persistedMirror := prefStore.GetBool(prefs.DefaultMirrorKey, false)

	connMgr := connmanager.New(cfg.SocketDir, reg, l, persistedMirror)

	sessionStore, err := mcpsession.Open(cfg.SessionPath, cfg.SessionRetention)
	if err != nil {
		return nil, fmt.Errorf("unable to open mcp session store: %w", err)
	}

	idleTimeout := cfg.SessionIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultSessionIdleTimeout
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	srv := &http.Server{Addr: addr, Handler: r}

	s := &Server{
		version:         cfg.Version,
		srv:             srv,
		root:            r,
		logger:          l,
		instrumentation: instrumentation,
		connMgr:         connMgr,
		registry:        reg,
		sessions:        sessionStore,
		prefs:           prefStore,
		security:        cfg.Security,
		nonces:          authfront.NewNonceTable(),
		sseManager:      newSseManager(ctx),
		idleTimeout:     idleTimeout,
		stop:            make(chan struct{}),
	}

	registerBuiltins(s)

	mcpR, err := mcpRouter(s)
	if err != nil {
		return nil, err
	}
	r.Mount("/mcp", mcpR)

	apiR, err := apiRouter(s)
	if err != nil {
		return nil, err
	}
	r.Mount("/api", apiR)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("gatebroker"))
	})

	return s, nil
}

// Run starts the connection manager's watcher/health-check tasks and the
// session reaper, returning once they are launched.
func (s *Server) Run(ctx context.Context) error {
	if err := s.connMgr.Run(ctx); err != nil {
		return fmt.Errorf("unable to start connection manager: %w", err)
	}
	go s.reapLoop(ctx)
	go s.nonceSweepLoop(ctx)
	return nil
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			removed := s.sessions.ReapIdle(s.idleTimeout)
			if len(removed) > 0 {
				if err := s.sessions.Save(); err != nil {
					s.logger.WarnContext(ctx, "unable to persist mcp sessions after reap", "error", err)
				}
			}
		}
	}
}

func (s *Server) nonceSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(nonceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.nonces.Sweep(nonceMaxAge)
		}
	}
}

// Listen starts a listener for the given Server instance.
func (s *Server) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.listener != nil {
		return fmt.Errorf("server is already listening: %s", s.listener.Addr().String())
	}
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	var err error
	if s.listener, err = lc.Listen(ctx, "tcp", s.srv.Addr); err != nil {
		return fmt.Errorf("failed to open listener for %q: %w", s.srv.Addr, err)
	}
	s.logger.DebugContext(ctx, fmt.Sprintf("server listening on %s", s.srv.Addr))
	return nil
}

// Serve starts an HTTP server for the given Server instance.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.DebugContext(ctx, "starting http server")
	return s.srv.Serve(s.listener)
}

// Shutdown gracefully shuts down the HTTP server and stops the connection
// manager and background reapers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.DebugContext(ctx, "shutting down the server")
	close(s.stop)
	s.connMgr.Shutdown()
	if err := s.sessions.Save(); err != nil {
		s.logger.WarnContext(ctx, "unable to persist mcp sessions on shutdown", "error", err)
	}
	return s.srv.Shutdown(ctx)
}
