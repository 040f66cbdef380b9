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

// Package mcp holds the protocol-version-neutral MCP payload shapes the
// dispatcher in internal/server encodes and decodes. Unlike the teacher's
// per-version mcp/v20241105, mcp/v20250326 split, this broker's two
// supported versions differ only in session-id transport (SSE query
// parameter vs. Mcp-Session-Id header), not in payload shape, so one type
// set serves both.
package mcp

// ServerName identifies this server in the initialize handshake.
const ServerName = "gatebroker"

// Protocol versions this broker accepts in the `protocolVersion` /
// `MCP-Protocol-Version` fields.
const (
	ProtocolVersion2024 = "2024-11-05"
	ProtocolVersion2025 = "2025-03-26"
)

// VerifyProtocolVersion reports whether v is a version this broker speaks.
func VerifyProtocolVersion(v string) bool {
	switch v {
	case ProtocolVersion2024, ProtocolVersion2025:
		return true
	default:
		return false
	}
}

// ListChanged reports whether a capability supports change notifications.
type ListChanged struct {
	ListChanged *bool `json:"listChanged,omitempty"`
}

// ClientCapabilities is the subset of the client's declared capabilities
// this broker inspects.
type ClientCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Roots        *ListChanged           `json:"roots,omitempty"`
}

// ServerCapabilities advertises this broker's supported capability groups.
type ServerCapabilities struct {
	Tools     *ListChanged `json:"tools,omitempty"`
	Resources *ListChanged `json:"resources,omitempty"`
	Prompts   *ListChanged `json:"prompts,omitempty"`
	Logging   *struct{}    `json:"logging,omitempty"`
}

// Implementation names an MCP peer's implementation and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the body of an `initialize` request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult answers `initialize`.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ToolManifest is one entry of a `tools/list` response: a registry entry
// projected to the shape MCP clients expect.
type ToolManifest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ListToolsResult answers `tools/list`.
type ListToolsResult struct {
	Tools []ToolManifest `json:"tools"`
}

// CallToolParams is the body of a `tools/call` request.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Meta      struct {
		ProgressToken interface{} `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

// TextContent is the only content block shape this broker ever produces.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult answers `tools/call`. Tool-level errors are reported here
// with IsError set, never as a JSON-RPC-level error (so the calling model
// can see and self-correct).
type CallToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ProgressParams is the body of an outgoing `notifications/progress` event.
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      int         `json:"progress"`
	Message       string      `json:"message,omitempty"`
}

// Resource describes one `repl://<short-key>` entry in `resources/list`.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult answers `resources/list`.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams is the body of a `resources/read` request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContent is one item of a `resources/read` response.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ReadResourceResult answers `resources/read`.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceTemplate is the single `repl://{shortKey}` template this broker
// advertises.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourceTemplatesResult answers `resources/templates/list`.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

// ListPromptsResult answers `prompts/list`. This broker exposes no prompts
// (spec carries no prompt catalog), so it is always empty.
type ListPromptsResult struct {
	Prompts []interface{} `json:"prompts"`
}

// SetLevelParams is the body of a `logging/setLevel` request.
type SetLevelParams struct {
	Level string `json:"level"`
}

// SessionInfoResult answers the broker-specific `session/info` method with
// a snapshot of the calling session and the broker's current connection
// count, useful for client-side debugging.
type SessionInfoResult struct {
	SessionID       string `json:"sessionId"`
	ProtocolVersion string `json:"protocolVersion"`
	Connections     int    `json:"connections"`
	Tools           int    `json:"tools"`
}
