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

package gate

import (
	"context"
	"fmt"

	"github.com/gatebroker/gatebroker/internal/wire"
)

// handleToolCall invokes a session-scoped tool synchronously and returns its
// result (spec §4.4, §4.6).
func (g *Gate) handleToolCall(ctx context.Context, req wire.ToolCallRequest) []byte {
	binding, ok := g.lookupTool(req.Name)
	if !ok {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: fmt.Sprintf("unknown tool %q", req.Name)})
		return reply
	}

	args, err := coerceArguments(binding.Descriptor, req.Arguments)
	if err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply
	}

	noopProgress := func(string) {}
	value, err := binding.Handler(ctx, args, noopProgress)
	if err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply
	}

	reply, _ := wire.EncodeFrame(wire.KindToolResult, wire.ToolResult{Value: value})
	return reply
}

// handleToolCallAsync acknowledges immediately and runs the tool call on a
// background goroutine, streaming progress messages and a terminal result or
// error over the publish socket (spec §4.4's _call_session_tool_async).
func (g *Gate) handleToolCallAsync(req wire.ToolCallAsyncRequest) (reply []byte, stop bool) {
	binding, ok := g.lookupTool(req.Name)
	if !ok {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: fmt.Sprintf("unknown tool %q", req.Name)})
		return reply, false
	}

	args, err := coerceArguments(binding.Descriptor, req.Arguments)
	if err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply, false
	}

	g.asyncWG.Add(1)
	go func() {
		defer g.asyncWG.Done()

		progress := func(message string) {
			g.publishStream(wire.StreamMessage{Channel: wire.ChannelToolProgress, RequestID: req.RequestID, Text: message})
		}

		value, err := binding.Handler(context.Background(), args, progress)
		if err != nil {
			g.publishStream(wire.StreamMessage{Channel: wire.ChannelToolError, RequestID: req.RequestID, Text: err.Error()})
			return
		}

		binary, err := wire.EncodeToolResult(wire.ToolResult{Value: value})
		if err != nil {
			g.publishStream(wire.StreamMessage{Channel: wire.ChannelToolError, RequestID: req.RequestID, Text: err.Error()})
			return
		}
		g.publishStream(wire.StreamMessage{Channel: wire.ChannelToolComplete, RequestID: req.RequestID, Binary: binary})
	}()

	reply, _ = wire.EncodeFrame(wire.KindAccepted, wire.AcceptedReply{RequestID: req.RequestID})
	return reply, false
}

func (g *Gate) lookupTool(name string) (ToolBinding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.tools[name]
	return b, ok
}

// coerceArguments validates a call's arguments against a tool's declared
// parameter list, applying the descriptor's Required flag (spec §4.6);
// KeywordOnly is not checked, and arguments the descriptor does not declare
// are dropped. It does not attempt type coercion beyond presence
// checking: types arriving over CBOR already carry their wire representation
// (string/int64/float64/bool/map/slice), so there is no textual value to
// parse the way a REPL-entered positional argument would need.
func coerceArguments(desc wire.ToolDescriptor, supplied map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(desc.Arguments))
	for _, arg := range desc.Arguments {
		v, present := supplied[arg.Name]
		if !present {
			if arg.Required {
				return nil, fmt.Errorf("missing required argument %q", arg.Name)
			}
			continue
		}
		out[arg.Name] = v
	}
	return out, nil
}
