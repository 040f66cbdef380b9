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

	"github.com/gatebroker/gatebroker/internal/wire"
)

// BuiltinEvalTool names the one built-in tool the dispatcher special-cases:
// rather than invoking a Handler, a tools/call of this name is routed
// straight to the named connection's streaming eval entry point (spec
// §4.7 step 4: "for the designated built-in evaluation tool, bypasses the
// handler layer and calls the gate-streaming entry point directly").
const BuiltinEvalTool = "eval"

const (
	builtinRegisterDynamicTools   = "register_dynamic_tools"
	builtinUnregisterDynamicTools = "unregister_dynamic_tools"
)

// registerBuiltins declares every built-in tool the registry exposes
// regardless of which gates are connected.
func registerBuiltins(s *Server) {
	_ = s.registry.RegisterBuiltin(BuiltinEvalTool,
		"Evaluate code in a connected interpreter session, streaming stdout/stderr as progress.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"connection":   map[string]interface{}{"type": "string", "description": "short key of the target session, from resources/list"},
				"code":         map[string]interface{}{"type": "string"},
				"display_code": map[string]interface{}{"type": "string", "description": "optional code to echo back in place of code, for REPL history"},
			},
			"required": []string{"connection", "code"},
		},
		evalBuiltinHandler,
	)

	_ = s.registry.RegisterBuiltin(builtinRegisterDynamicTools,
		"Re-expose a connected session's tools under additional names within its namespace.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"namespace": map[string]interface{}{"type": "string", "description": "namespace of an already-connected session"},
				"tools": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"name":        map[string]interface{}{"type": "string"},
							"description": map[string]interface{}{"type": "string"},
						},
						"required": []string{"name"},
					},
				},
			},
			"required": []string{"namespace", "tools"},
		},
		s.registerDynamicToolsHandler,
	)

	_ = s.registry.RegisterBuiltin(builtinUnregisterDynamicTools,
		"Remove previously registered dynamic tools by name.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"names": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required": []string{"names"},
		},
		s.unregisterDynamicToolsHandler,
	)
}

// evalBuiltinHandler exists only so BuiltinEvalTool has a schema-bearing,
// tools/list-visible entry; the dispatcher never actually calls it because
// every tools/call of this name is intercepted before handler dispatch.
func evalBuiltinHandler(args map[string]interface{}) (interface{}, error) {
	return nil, fmt.Errorf("eval must be invoked through tools/call, not dispatched as a plain handler")
}

func (s *Server) registerDynamicToolsHandler(args map[string]interface{}) (interface{}, error) {
	namespace, _ := args["namespace"].(string)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if _, ok := s.connMgr.ConnectionByNamespace(namespace); !ok {
		return nil, fmt.Errorf("no connected session owns namespace %q", namespace)
	}

	rawTools, _ := args["tools"].([]interface{})
	descriptors := make([]wire.ToolDescriptor, 0, len(rawTools))
	for _, raw := range rawTools {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		description, _ := entry["description"].(string)
		descriptors = append(descriptors, wire.ToolDescriptor{Name: name, Description: description})
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("tools must contain at least one named entry")
	}

	s.registry.RegisterSessionTools(namespace, descriptors)
	return map[string]interface{}{"registered": len(descriptors)}, nil
}

func (s *Server) unregisterDynamicToolsHandler(args map[string]interface{}) (interface{}, error) {
	rawNames, _ := args["names"].([]interface{})
	names := make([]string, 0, len(rawNames))
	for _, raw := range rawNames {
		if name, ok := raw.(string); ok && name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("names must contain at least one tool name")
	}
	s.registry.UnregisterDynamicTools(names)
	return map[string]interface{}{"unregistered": len(names)}, nil
}
