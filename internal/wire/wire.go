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

// Package wire implements the codec and message shapes shared by the
// request/reply and publish/subscribe sockets that connect a broker to a
// gate. Every frame is a self-describing CBOR record carrying a type tag, so
// either side can decode a frame without first knowing its shape.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: unable to build canonical cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: unable to build cbor decoder: %v", err))
	}
}

// Frame is the envelope carried on every socket: a type tag plus the
// CBOR-encoded body matching that tag. Decoding a frame is a two-step
// process (decode the envelope, then decode Body into the concrete struct
// the caller expects for Type) so a receiver never needs reflection over an
// unbounded set of shapes.
type Frame struct {
	Type string          `cbor:"type"`
	Body cbor.RawMessage `cbor:"body"`
}

// EncodeFrame serializes a tagged message body into a Frame.
func EncodeFrame(msgType string, body interface{}) ([]byte, error) {
	bodyBytes, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: unable to encode %q body: %w", msgType, err)
	}
	frame := Frame{Type: msgType, Body: bodyBytes}
	out, err := encMode.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: unable to encode frame: %w", err)
	}
	return out, nil
}

// DecodeFrameType decodes only the envelope, returning the type tag and the
// still-encoded body so the caller can dispatch before paying to decode a
// body shape it may not need.
func DecodeFrameType(data []byte) (string, cbor.RawMessage, error) {
	var frame Frame
	if err := decMode.Unmarshal(data, &frame); err != nil {
		return "", nil, fmt.Errorf("wire: unable to decode frame: %w", err)
	}
	return frame.Type, frame.Body, nil
}

// DecodeBody decodes a frame body into the given concrete type.
func DecodeBody(body cbor.RawMessage, v interface{}) error {
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unable to decode body: %w", err)
	}
	return nil
}

// Message kind tags, shared by both request/reply and publish/subscribe
// frames.
const (
	KindPing          = "ping"
	KindPong          = "pong"
	KindEval          = "eval"
	KindEvalResult    = "eval_result"
	KindEvalAsync     = "eval_async"
	KindAccepted      = "accepted"
	KindSetOption     = "set_option"
	KindOk            = "ok"
	KindErrorReply    = "error"
	KindGetOptions    = "get_options"
	KindOptions       = "options"
	KindSetTTY        = "set_tty"
	KindToolCall      = "tool_call"
	KindToolResult    = "result"
	KindToolCallAsync = "tool_call_async"
	KindListTools     = "list_tools"
	KindTools         = "tools"
	KindShutdown      = "shutdown"
	KindRestart       = "restart"
	KindStream        = "stream"
)

// Streaming channel names carried on StreamMessage.Channel.
const (
	ChannelStdout       = "stdout"
	ChannelStderr       = "stderr"
	ChannelEvalComplete = "eval_complete"
	ChannelEvalError    = "eval_error"
	ChannelToolComplete = "tool_complete"
	ChannelToolError    = "tool_error"
	ChannelToolProgress = "tool_progress"
	ChannelFilesChanged = "files_changed"
)

// TypeKind tags the variant of a TypeDescriptor tagged union.
type TypeKind string

const (
	TypeString  TypeKind = "string"
	TypeInteger TypeKind = "integer"
	TypeNumber  TypeKind = "number"
	TypeBoolean TypeKind = "boolean"
	TypeEnum    TypeKind = "enum"
	TypeStruct  TypeKind = "struct"
	TypeArray   TypeKind = "array"
	TypeAny     TypeKind = "any"
)

// TypeDescriptor is the explicit tagged union standing in for the runtime
// type introspection the interpreter-side source performs. Only the fields
// relevant to Kind are populated; the rest are left zero.
type TypeDescriptor struct {
	Kind TypeKind `cbor:"kind"`

	// TypeEnum
	EnumValues      []string `cbor:"enum_values,omitempty"`
	EnumDescription string   `cbor:"enum_description,omitempty"`

	// TypeStruct. Fields is an ordered slice, not a map, so declaration
	// order survives canonical CBOR encoding (which sorts map keys).
	StructFields []StructField `cbor:"struct_fields,omitempty"`

	// TypeArray
	ElementType *TypeDescriptor `cbor:"element_type,omitempty"`

	// TypeAny: names the underlying type for documentation purposes only.
	AnyUnderlying string `cbor:"any_underlying,omitempty"`
}

// StructField is one named, recursively-typed member of a TypeStruct
// descriptor.
type StructField struct {
	Name        string         `cbor:"name"`
	Type        TypeDescriptor `cbor:"type"`
	Description string         `cbor:"description,omitempty"`
}

// Argument describes one parameter of a tool, as published by a gate.
type Argument struct {
	Name          string         `cbor:"name"`
	Type          TypeDescriptor `cbor:"type"`
	Description   string         `cbor:"description,omitempty"`
	Required      bool           `cbor:"required"`
	KeywordOnly   bool           `cbor:"keyword_only"`
}

// ToolDescriptor is the shape a gate publishes for each tool it exposes,
// either a built-in or a session-scoped tool bound at registration time.
type ToolDescriptor struct {
	Name        string     `cbor:"name"`
	Description string     `cbor:"description,omitempty"`
	Arguments   []Argument `cbor:"arguments,omitempty"`
}

// EvalException captures a formatted exception raised by evaluated code.
// It is never treated as a transport-level error: it is returned as a field
// of an otherwise-successful eval result.
type EvalException struct {
	Message   string `cbor:"message"`
	Backtrace string `cbor:"backtrace,omitempty"`
}

// EvalResult is the shape of both the synchronous eval reply and the binary
// payload of an eval_complete/eval_error publish message.
type EvalResult struct {
	Stdout    string         `cbor:"stdout"`
	Stderr    string         `cbor:"stderr"`
	ValueRepr string         `cbor:"value_repr"`
	Exception *EvalException `cbor:"exception,omitempty"`
}

// ToolResult is the binary payload of a tool_complete/tool_error publish
// message, and the shape of the synchronous tool_call reply on success.
type ToolResult struct {
	Value interface{} `cbor:"value"`
}

// --- request/reply bodies (broker -> gate) ---

type PingRequest struct{}

type EvalRequest struct {
	Code        string `cbor:"code"`
	DisplayCode string `cbor:"display_code,omitempty"`
}

type EvalAsyncRequest struct {
	Code        string `cbor:"code"`
	DisplayCode string `cbor:"display_code,omitempty"`
	RequestID   string `cbor:"request_id"`
}

type SetOptionRequest struct {
	Key   string      `cbor:"key"`
	Value interface{} `cbor:"value"`
}

type GetOptionsRequest struct{}

type SetTTYRequest struct {
	Path string `cbor:"path"`
}

type ToolCallRequest struct {
	Name      string                 `cbor:"name"`
	Arguments map[string]interface{} `cbor:"arguments,omitempty"`
}

type ToolCallAsyncRequest struct {
	Name      string                 `cbor:"name"`
	Arguments map[string]interface{} `cbor:"arguments,omitempty"`
	RequestID string                 `cbor:"request_id"`
}

type ListToolsRequest struct{}

type ShutdownRequest struct{}

type RestartRequest struct{}

// --- request/reply bodies (gate -> broker) ---

// PongReply is the gate's response to ping: a full snapshot of its state.
type PongReply struct {
	Pid                int              `cbor:"pid"`
	UptimeSeconds      float64          `cbor:"uptime"`
	InterpreterVersion string           `cbor:"interpreter_version"`
	ProjectPath        string           `cbor:"project_path"`
	Tools              []ToolDescriptor `cbor:"tools"`
	Namespace          string           `cbor:"namespace"`
	AllowRestart       bool             `cbor:"allow_restart"`
	AllowMirror        bool             `cbor:"allow_mirror"`
	MirrorRepl         bool             `cbor:"mirror_repl"`
}

// AcceptedReply acknowledges an async request has been queued.
type AcceptedReply struct {
	RequestID string `cbor:"request_id"`
}

// OkReply is a generic success reply; only the fields relevant to the
// originating request are populated.
type OkReply struct {
	Key     string `cbor:"key,omitempty"`
	Value   string `cbor:"value,omitempty"`
	TTYPath string `cbor:"tty_path,omitempty"`
	Rows    int    `cbor:"rows,omitempty"`
	Cols    int    `cbor:"cols,omitempty"`
}

// ErrorReply is a generic failure reply.
type ErrorReply struct {
	Message string `cbor:"message"`
}

// OptionsReply answers get_options.
type OptionsReply struct {
	MirrorRepl  bool `cbor:"mirror_repl"`
	AllowMirror bool `cbor:"allow_mirror"`
}

// ToolsReply answers list_tools.
type ToolsReply struct {
	Tools []ToolDescriptor `cbor:"tools"`
}

// --- publish/subscribe body (gate -> broker) ---

// StreamMessage is the single shape carried on the publish socket. Text
// carries human-readable output (stdout/stderr/tool_progress); Binary
// carries the CBOR-encoded EvalResult/ToolResult for terminal events, kept
// in a dedicated field rather than smuggled through Text (Design Notes §9).
type StreamMessage struct {
	Channel        string `cbor:"channel"`
	Text           string `cbor:"text,omitempty"`
	RequestID      string `cbor:"request_id,omitempty"`
	Binary         []byte `cbor:"binary,omitempty"`
	DroppedChunks  int    `cbor:"dropped_chunks,omitempty"`
}

// IsTerminal reports whether the channel carries a one-shot result payload
// that ends a request, rather than a streamed text chunk.
func (m StreamMessage) IsTerminal() bool {
	switch m.Channel {
	case ChannelEvalComplete, ChannelEvalError, ChannelToolComplete, ChannelToolError:
		return true
	default:
		return false
	}
}

// DecodeEvalResult decodes the Binary payload of a terminal eval message.
func (m StreamMessage) DecodeEvalResult() (EvalResult, error) {
	var res EvalResult
	if err := decMode.Unmarshal(m.Binary, &res); err != nil {
		return EvalResult{}, fmt.Errorf("wire: unable to decode eval result: %w", err)
	}
	return res, nil
}

// DecodeToolResult decodes the Binary payload of a terminal tool message.
func (m StreamMessage) DecodeToolResult() (ToolResult, error) {
	var res ToolResult
	if err := decMode.Unmarshal(m.Binary, &res); err != nil {
		return ToolResult{}, fmt.Errorf("wire: unable to decode tool result: %w", err)
	}
	return res, nil
}

// EncodeEvalResult encodes an EvalResult for use as a StreamMessage.Binary
// payload.
func EncodeEvalResult(res EvalResult) ([]byte, error) {
	out, err := encMode.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("wire: unable to encode eval result: %w", err)
	}
	return out, nil
}

// EncodeToolResult encodes a ToolResult for use as a StreamMessage.Binary
// payload.
func EncodeToolResult(res ToolResult) ([]byte, error) {
	out, err := encMode.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("wire: unable to encode tool result: %w", err)
	}
	return out, nil
}
