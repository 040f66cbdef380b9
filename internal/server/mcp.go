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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/gatebroker/gatebroker/internal/authfront"
	"github.com/gatebroker/gatebroker/internal/connection"
	"github.com/gatebroker/gatebroker/internal/log"
	"github.com/gatebroker/gatebroker/internal/registry"
	"github.com/gatebroker/gatebroker/internal/server/mcp"
	"github.com/gatebroker/gatebroker/internal/server/mcp/jsonrpc"
)

const (
	asyncToolDeadline   = 60 * time.Second
	heartbeatInterval   = 1 * time.Second
	heartbeatQuietAfter = 5 * time.Second
)

// sseSession is one in-flight streaming tools/call response, kept alive
// only for the duration of that single HTTP request (this broker has no
// separate SSE-negotiation endpoint: the POST response itself is upgraded
// to text/event-stream when the caller accepts it and the call requires
// streaming).
type sseSession struct {
	flusher    http.Flusher
	writer     io.Writer
	mu         sync.Mutex
	lastActive time.Time
}

func (s *sseSession) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "event: message\ndata: %s\n\n", data)
	s.flusher.Flush()
	s.lastActive = time.Now()
}

// sseManager counts currently-open streaming responses; no endpoint reports
// the count. Unlike the teacher's sseManager there is no separate
// registration handshake, since a session here is exactly as long-lived as
// the HTTP request it streams.
type sseManager struct {
	mu    sync.Mutex
	count int
}

func newSseManager(ctx context.Context) *sseManager {
	return &sseManager{}
}

func (m *sseManager) inc() {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
}

func (m *sseManager) dec() {
	m.mu.Lock()
	m.count--
	m.mu.Unlock()
}

func (m *sseManager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// mcpRouter builds the single-path JSON-RPC surface mounted at /mcp.
func mcpRouter(s *Server) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)

	r.Post("/", func(w http.ResponseWriter, r *http.Request) { httpHandler(s, w, r) })
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { methodNotAllowed(s, w, r) })
	r.Delete("/", func(w http.ResponseWriter, r *http.Request) { methodNotAllowed(s, w, r) })

	r.Post("/vscode-response", func(w http.ResponseWriter, r *http.Request) { vscodeResponseHandler(s, w, r) })

	return r, nil
}

func methodNotAllowed(s *Server, w http.ResponseWriter, r *http.Request) {
	err := fmt.Errorf("gatebroker's mcp endpoint only accepts POST")
	s.logger.DebugContext(r.Context(), err.Error())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// httpHandler is the single entry point for every JSON-RPC request. Session
// identity, protocol-version negotiation, and authorization are resolved
// here; method dispatch is delegated to dispatch.
func httpHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx, span := s.instrumentation.Tracer.Start(r.Context(), "gatebroker/server/mcp")
	r = r.WithContext(ctx)

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
		s.instrumentation.McpPost.Add(r.Context(), 1, metric.WithAttributes(attribute.String("gatebroker.operation.status", status)))
	}()

	decision := authfront.Authorize(s.security, r)
	if !decision.Allowed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(decision.StatusCode)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": decision.Reason})
		return
	}

	body, readErr := io.ReadAll(r.Body)
	if readErr != nil {
		err = readErr
		writeRPCError(w, uuid.New().String(), jsonrpc.ParseError, err.Error())
		return
	}

	var base jsonrpc.BaseMessage
	if decodeErr := json.Unmarshal(body, &base); decodeErr != nil {
		err = decodeErr
		writeRPCError(w, uuid.New().String(), jsonrpc.ParseError, err.Error())
		return
	}
	if base.Method == "" {
		err = fmt.Errorf("method is required")
		writeRPCError(w, base.ID, jsonrpc.InvalidRequest, err.Error())
		return
	}
	if base.Jsonrpc != jsonrpc.JSONRPCVersion {
		err = fmt.Errorf("invalid jsonrpc version %q", base.Jsonrpc)
		writeRPCError(w, base.ID, jsonrpc.InvalidRequest, err.Error())
		return
	}

	if protocolVersion := r.Header.Get("MCP-Protocol-Version"); protocolVersion != "" && !mcp.VerifyProtocolVersion(protocolVersion) {
		err = fmt.Errorf("unsupported protocol version %q", protocolVersion)
		writeRPCError(w, base.ID, jsonrpc.InvalidRequest, err.Error())
		return
	}

	isInitialize := base.Method == "initialize"
	sess := s.sessions.GetOrCreate(r.Header.Get("Mcp-Session-Id"), isInitialize)
	s.sessions.UpdateActivity(sess)
	w.Header().Set("Mcp-Session-Id", sess.ID)

	var envelope struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(body, &envelope)

	if base.ID == nil {
		// notification: no response expected.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	dispatch(ctx, s, w, r, base.ID, base.Method, envelope.Params)
}

func dispatch(ctx context.Context, s *Server, w http.ResponseWriter, r *http.Request, id jsonrpc.RequestID, method string, params json.RawMessage) {
	switch method {
	case "initialize":
		result := mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion2025,
			ServerInfo:      mcp.Implementation{Name: mcp.ServerName, Version: s.version},
			Capabilities: mcp.ServerCapabilities{
				Tools:     &mcp.ListChanged{},
				Resources: &mcp.ListChanged{},
				Prompts:   &mcp.ListChanged{},
				Logging:   &struct{}{},
			},
		}
		writeResult(w, id, result)

	case "tools/list":
		entries := s.registry.List()
		tools := make([]mcp.ToolManifest, 0, len(entries))
		for _, e := range entries {
			tools = append(tools, mcp.ToolManifest{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
		}
		writeResult(w, id, mcp.ListToolsResult{Tools: tools})

	case "tools/call":
		handleToolsCall(ctx, s, w, r, id, params)

	case "resources/list":
		writeResult(w, id, mcp.ListResourcesResult{Resources: listConnectionResources(s)})

	case "resources/read":
		handleResourcesRead(s, w, id, params)

	case "resources/templates/list":
		writeResult(w, id, mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{
			{URITemplate: "repl://{shortKey}", Name: "session", Description: "a connected interpreter session", MimeType: "text/plain"},
		}})

	case "prompts/list":
		writeResult(w, id, mcp.ListPromptsResult{Prompts: []interface{}{}})

	case "prompts/get":
		writeRPCError(w, id, jsonrpc.InvalidParams, "no prompts are registered")

	case "logging/setLevel":
		handleSetLevel(s, w, id, params)

	case "session/info":
		sessionID := w.Header().Get("Mcp-Session-Id")
		writeResult(w, id, mcp.SessionInfoResult{
			SessionID:       sessionID,
			ProtocolVersion: mcp.ProtocolVersion2025,
			Connections:     len(s.connMgr.List()),
			Tools:           len(s.registry.List()),
		})

	default:
		writeRPCError(w, id, jsonrpc.MethodNotFound, fmt.Sprintf("method %q not found", method))
	}
}

func idAsString(id jsonrpc.RequestID) (string, bool) {
	s, ok := id.(string)
	return s, ok
}

func listConnectionResources(s *Server) []mcp.Resource {
	conns := s.connMgr.List()
	out := make([]mcp.Resource, 0, len(conns))
	for _, c := range conns {
		out = append(out, mcp.Resource{
			URI:         "repl://" + c.ShortKey,
			Name:        c.DisplayName,
			Description: fmt.Sprintf("interpreter session %s (namespace %s)", c.DisplayName, c.NamespacePfx),
			MimeType:    "text/plain",
		})
	}
	return out
}

func handleResourcesRead(s *Server, w http.ResponseWriter, id jsonrpc.RequestID, params json.RawMessage) {
	var p mcp.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		writeRPCError(w, id, jsonrpc.InvalidParams, err.Error())
		return
	}
	shortKey := strings.TrimPrefix(p.URI, "repl://")
	conn, ok := s.connMgr.ConnectionByShortKey(shortKey)
	if !ok {
		writeRPCError(w, id, jsonrpc.InvalidParams, fmt.Sprintf("no connected session %q", p.URI))
		return
	}
	text := fmt.Sprintf("session %s, namespace %s, status %d, tools %d", conn.DisplayName, conn.NamespacePfx, conn.Status(), len(conn.Catalog))
	writeResult(w, id, mcp.ReadResourceResult{Contents: []mcp.ResourceContent{{URI: p.URI, MimeType: "text/plain", Text: text}}})
}

func handleSetLevel(s *Server, w http.ResponseWriter, id jsonrpc.RequestID, params json.RawMessage) {
	var p mcp.SetLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		writeRPCError(w, id, jsonrpc.InvalidParams, err.Error())
		return
	}
	if _, err := log.SeverityToLevel(p.Level); err != nil {
		writeRPCError(w, id, jsonrpc.InvalidParams, err.Error())
		return
	}
	writeResult(w, id, struct{}{})
}

func handleToolsCall(ctx context.Context, s *Server, w http.ResponseWriter, r *http.Request, id jsonrpc.RequestID, params json.RawMessage) {
	var callParams mcp.CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		writeRPCError(w, id, jsonrpc.InvalidParams, err.Error())
		return
	}

	entry, ok := s.registry.Lookup(callParams.Name)
	if !ok {
		writeRPCError(w, id, jsonrpc.InvalidParams, fmt.Sprintf("tool %q not found", callParams.Name))
		return
	}

	if err := registry.ValidateArguments(entry.InputSchema, callParams.Arguments); err != nil {
		writeRPCError(w, id, jsonrpc.InvalidParams, fmt.Sprintf("tool %q: %s", callParams.Name, err))
		return
	}

	s.instrumentation.ToolInvoke.Add(ctx, 1, metric.WithAttributes(attribute.String("gatebroker.tool.name", entry.Name)))

	streaming := entry.Name == BuiltinEvalTool || entry.Namespace != ""
	if !streaming {
		result := invokeBuiltinTool(entry, callParams.Arguments)
		writeResult(w, id, result)
		return
	}

	conn, gateToolName, err := resolveStreamingTarget(s, entry, callParams)
	if err != nil {
		writeResult(w, id, mcp.CallToolResult{IsError: true, Content: []mcp.TextContent{{Type: "text", Text: err.Error()}}})
		return
	}

	if acceptsEventStream(r) {
		streamToolCall(ctx, s, w, id, conn, entry, gateToolName, callParams)
		return
	}

	result := runStreamingToolCall(ctx, conn, entry, gateToolName, callParams, nil)
	writeResult(w, id, result)
}

// resolveStreamingTarget maps a registry entry to the connection and (for
// session tools) the gate's own tool name, stripped of its namespace
// prefix.
func resolveStreamingTarget(s *Server, entry registry.Entry, callParams mcp.CallToolParams) (*connection.Connection, string, error) {
	if entry.Name == BuiltinEvalTool {
		connKey, _ := callParams.Arguments["connection"].(string)
		if connKey == "" {
			return nil, "", fmt.Errorf("eval requires a \"connection\" argument naming a short key from resources/list")
		}
		conn, ok := s.connMgr.ConnectionByShortKey(connKey)
		if !ok {
			return nil, "", fmt.Errorf("no connected session with short key %q", connKey)
		}
		return conn, "", nil
	}

	conn, ok := s.connMgr.ConnectionByNamespace(entry.Namespace)
	if !ok {
		return nil, "", fmt.Errorf("session owning namespace %q is no longer connected", entry.Namespace)
	}
	gateToolName := strings.TrimPrefix(entry.Name, entry.Namespace+".")
	return conn, gateToolName, nil
}

// runStreamingToolCall performs the actual gate-backed invocation (eval or
// session tool), forwarding progress chunks to progress if non-nil.
func runStreamingToolCall(ctx context.Context, conn *connection.Connection, entry registry.Entry, gateToolName string, callParams mcp.CallToolParams, progress connection.ProgressFunc) mcp.CallToolResult {
	if entry.Name == BuiltinEvalTool {
		code, _ := callParams.Arguments["code"].(string)
		displayCode, _ := callParams.Arguments["display_code"].(string)
		result, err := conn.EvalRemoteAsync(ctx, code, displayCode, asyncToolDeadline, progress)
		if err != nil {
			return mcp.CallToolResult{IsError: true, Content: []mcp.TextContent{{Type: "text", Text: err.Error()}}}
		}
		if result.Exception != nil {
			return mcp.CallToolResult{IsError: true, Content: []mcp.TextContent{{Type: "text", Text: result.Exception.Message}}}
		}
		return mcp.CallToolResult{Content: []mcp.TextContent{{Type: "text", Text: result.ValueRepr}}}
	}

	result, err := conn.CallSessionToolAsync(ctx, gateToolName, callParams.Arguments, asyncToolDeadline, progress)
	if err != nil {
		return mcp.CallToolResult{IsError: true, Content: []mcp.TextContent{{Type: "text", Text: err.Error()}}}
	}
	return mcp.CallToolResult{Content: []mcp.TextContent{{Type: "text", Text: renderValue(result.Value)}}}
}

// streamToolCall upgrades the response to text/event-stream and runs the
// SSE tool-call protocol: flush pending list-changed notifications, emit a
// progress heartbeat every second the call runs quiet for 5s, forward every
// progress chunk as notifications/progress, then emit the final JSON-RPC
// response and close the stream.
func streamToolCall(ctx context.Context, s *Server, w http.ResponseWriter, id jsonrpc.RequestID, conn *connection.Connection, entry registry.Entry, gateToolName string, callParams mcp.CallToolParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		result := runStreamingToolCall(ctx, conn, entry, gateToolName, callParams, nil)
		writeResult(w, id, result)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	session := &sseSession{flusher: flusher, writer: w, lastActive: time.Now()}
	s.sseManager.inc()
	defer s.sseManager.dec()

	if s.registry.ConsumeListChanged() {
		session.send(jsonrpc.Notification{Jsonrpc: jsonrpc.JSONRPCVersion, Method: "notifications/tools/list_changed"})
	}

	progressToken := uuid.New().String()
	var progressSeq int32
	var lastEventMu sync.Mutex
	lastEvent := time.Now()

	heartbeatStop := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatStop:
				return
			case <-ticker.C:
				lastEventMu.Lock()
				quiet := time.Since(lastEvent)
				lastEventMu.Unlock()
				if quiet >= heartbeatQuietAfter {
					progressSeq++
					session.send(jsonrpc.Notification{
						Jsonrpc: jsonrpc.JSONRPCVersion,
						Method:  "notifications/progress",
						Params:  mcp.ProgressParams{ProgressToken: progressToken, Progress: int(progressSeq), Message: "still executing"},
					})
					lastEventMu.Lock()
					lastEvent = time.Now()
					lastEventMu.Unlock()
				}
			}
		}
	}()

	progress := func(channel, text string) {
		progressSeq++
		lastEventMu.Lock()
		lastEvent = time.Now()
		lastEventMu.Unlock()
		session.send(jsonrpc.Notification{
			Jsonrpc: jsonrpc.JSONRPCVersion,
			Method:  "notifications/progress",
			Params:  mcp.ProgressParams{ProgressToken: progressToken, Progress: int(progressSeq), Message: truncateText(text, 2000)},
		})
	}

	result := runStreamingToolCall(ctx, conn, entry, gateToolName, callParams, progress)

	close(heartbeatStop)
	heartbeatWG.Wait()

	session.send(jsonrpc.NewResponse(id, result))
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func invokeBuiltinTool(entry registry.Entry, args map[string]interface{}) mcp.CallToolResult {
	if entry.Handler == nil {
		return mcp.CallToolResult{IsError: true, Content: []mcp.TextContent{{Type: "text", Text: fmt.Sprintf("tool %q has no invocable backend", entry.Name)}}}
	}
	value, err := entry.Handler(args)
	if err != nil {
		return mcp.CallToolResult{IsError: true, Content: []mcp.TextContent{{Type: "text", Text: err.Error()}}}
	}
	return mcp.CallToolResult{Content: []mcp.TextContent{{Type: "text", Text: renderValue(value)}}}
}

func renderValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

func writeResult(w http.ResponseWriter, id jsonrpc.RequestID, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jsonrpc.NewResponse(id, result))
}

func writeRPCError(w http.ResponseWriter, id jsonrpc.RequestID, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jsonrpc.NewError(id, code, message, nil))
}

// vscodeResponseHandler accepts the out-of-band nonce-authenticated
// approval callback spec §4.9 carves out as an exception to the normal
// admission rules.
func vscodeResponseHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if requestID, ok := s.nonces.Consume(payload.Nonce); ok {
		s.logger.DebugContext(r.Context(), "vscode response nonce consumed", "request_id", requestID)
		w.WriteHeader(http.StatusOK)
		return
	}

	decision := authfront.Authorize(s.security, r)
	if !decision.Allowed {
		w.WriteHeader(decision.StatusCode)
		return
	}
	w.WriteHeader(http.StatusOK)
}
