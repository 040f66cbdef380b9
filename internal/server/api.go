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
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/gatebroker/gatebroker/internal/connection"
)

// apiRouter builds the control-plane REST mirror under /api: read-only
// introspection of connections and the tool registry, for operators and
// UIs that would rather poll JSON than speak MCP.
func apiRouter(s *Server) (chi.Router, error) {
	r := chi.NewRouter()

	r.Use(middleware.StripSlashes)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/connections", func(w http.ResponseWriter, r *http.Request) { connectionsHandler(s, w, r) })
	r.Get("/connections/{shortKey}", func(w http.ResponseWriter, r *http.Request) { connectionGetHandler(s, w, r) })

	r.Get("/tools", func(w http.ResponseWriter, r *http.Request) { toolsHandler(s, w, r) })
	r.Get("/tools/{toolName}", func(w http.ResponseWriter, r *http.Request) { toolGetHandler(s, w, r) })

	return r, nil
}

// connectionManifest is the JSON shape of one connection in control-plane
// responses; it never exposes transport internals (sockets, mutexes).
type connectionManifest struct {
	ShortKey     string `json:"short_key"`
	DisplayName  string `json:"display_name"`
	Namespace    string `json:"namespace"`
	Status       string `json:"status"`
	ToolCount    int    `json:"tool_count"`
	AllowRestart bool   `json:"allow_restart"`
	AllowMirror  bool   `json:"allow_mirror"`
	MirrorActive bool   `json:"mirror_active"`
}

func statusLabel(status connection.Status) string {
	switch status {
	case connection.StatusConnecting:
		return "connecting"
	case connection.StatusConnected:
		return "connected"
	case connection.StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func newConnectionManifest(c *connection.Connection) connectionManifest {
	return connectionManifest{
		ShortKey:     c.ShortKey,
		DisplayName:  c.DisplayName,
		Namespace:    c.NamespacePfx,
		Status:       statusLabel(c.Status()),
		ToolCount:    len(c.Catalog),
		AllowRestart: c.AllowRestart,
		AllowMirror:  c.AllowMirror,
		MirrorActive: c.MirrorActive,
	}
}

func connectionsHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "gatebroker/server/connections/list")
	r = r.WithContext(ctx)
	defer span.End()

	conns := s.connMgr.List()
	manifests := make([]connectionManifest, 0, len(conns))
	for _, c := range conns {
		manifests = append(manifests, newConnectionManifest(c))
	}

	s.instrumentation.ControlGet.Add(ctx, 1, metric.WithAttributes(attribute.String("gatebroker.operation.status", "success")))
	render.JSON(w, r, manifests)
}

func connectionGetHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "gatebroker/server/connections/get")
	r = r.WithContext(ctx)

	shortKey := chi.URLParam(r, "shortKey")
	span.SetAttributes(attribute.String("gatebroker.connection.short_key", shortKey))

	var err error
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		status := "success"
		if err != nil {
			status = "error"
		}
		s.instrumentation.ControlGet.Add(r.Context(), 1, metric.WithAttributes(attribute.String("gatebroker.operation.status", status)))
	}()

	conn, ok := s.connMgr.ConnectionByShortKey(shortKey)
	if !ok {
		err = fmt.Errorf("no connection with short key %q", shortKey)
		s.logger.DebugContext(ctx, err.Error())
		_ = render.Render(w, r, newErrResponse(err, http.StatusNotFound))
		return
	}
	render.JSON(w, r, newConnectionManifest(conn))
}

// toolManifest is the JSON shape of one registry entry.
type toolManifest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Namespace   string                 `json:"namespace,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

func toolsHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "gatebroker/server/tools/list")
	r = r.WithContext(ctx)
	defer span.End()

	entries := s.registry.List()
	manifests := make([]toolManifest, 0, len(entries))
	for _, e := range entries {
		manifests = append(manifests, toolManifest{Name: e.Name, Description: e.Description, Namespace: e.Namespace, InputSchema: e.InputSchema})
	}

	s.instrumentation.ControlGet.Add(ctx, 1, metric.WithAttributes(attribute.String("gatebroker.operation.status", "success")))
	render.JSON(w, r, manifests)
}

func toolGetHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "gatebroker/server/tools/get")
	r = r.WithContext(ctx)

	toolName := chi.URLParam(r, "toolName")
	span.SetAttributes(attribute.String("gatebroker.tool.name", toolName))

	var err error
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		status := "success"
		if err != nil {
			status = "error"
		}
		s.instrumentation.ControlGet.Add(r.Context(), 1, metric.WithAttributes(attribute.String("gatebroker.operation.status", status)))
	}()

	entry, ok := s.registry.Lookup(toolName)
	if !ok {
		err = fmt.Errorf("tool %q does not exist", toolName)
		s.logger.DebugContext(ctx, err.Error())
		_ = render.Render(w, r, newErrResponse(err, http.StatusNotFound))
		return
	}
	render.JSON(w, r, toolManifest{Name: entry.Name, Description: entry.Description, Namespace: entry.Namespace, InputSchema: entry.InputSchema})
}

var _ render.Renderer = &errResponse{}

// newErrResponse builds the error envelope the control-plane mirror renders
// on any failure.
func newErrResponse(err error, code int) *errResponse {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
		ErrorText:      err.Error(),
	}
}

// errResponse is the JSON body sent back when a control-plane request fails.
type errResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}
