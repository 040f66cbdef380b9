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

package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gatebroker/gatebroker/internal/wire"
)

// JSONSchemaFor maps a single type descriptor to its JSON Schema fragment,
// per the table in spec §4.6. It is a pure function with no registry state,
// so it is trivially unit-testable.
func JSONSchemaFor(t wire.TypeDescriptor) map[string]interface{} {
	switch t.Kind {
	case wire.TypeString:
		return map[string]interface{}{"type": "string"}
	case wire.TypeInteger:
		return map[string]interface{}{"type": "integer"}
	case wire.TypeNumber:
		return map[string]interface{}{"type": "number"}
	case wire.TypeBoolean:
		return map[string]interface{}{"type": "boolean"}
	case wire.TypeEnum:
		schema := map[string]interface{}{"type": "string", "enum": t.EnumValues}
		if t.EnumDescription != "" {
			schema["description"] = t.EnumDescription
		}
		return schema
	case wire.TypeStruct:
		properties := make(map[string]interface{}, len(t.StructFields))
		required := make([]string, 0, len(t.StructFields))
		for _, f := range t.StructFields {
			fieldSchema := JSONSchemaFor(f.Type)
			if f.Description != "" {
				fieldSchema["description"] = f.Description
			}
			properties[f.Name] = fieldSchema
			required = append(required, f.Name)
		}
		return map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		}
	case wire.TypeArray:
		var items map[string]interface{}
		if t.ElementType != nil {
			items = JSONSchemaFor(*t.ElementType)
		} else {
			items = map[string]interface{}{"type": "string"}
		}
		return map[string]interface{}{"type": "array", "items": items}
	case wire.TypeAny:
		schema := map[string]interface{}{"type": "string"}
		if t.AnyUnderlying != "" {
			schema["description"] = "underlying type: " + t.AnyUnderlying
		}
		return schema
	default:
		return map[string]interface{}{"type": "string"}
	}
}

// JSONSchemaForTool builds the top-level input schema for a whole tool: an
// object schema whose properties are each argument's schema fragment and
// whose required list is the union of arguments with Required set (spec
// §4.6's "required properties at the top level" rule).
func JSONSchemaForTool(t wire.ToolDescriptor) map[string]interface{} {
	properties := make(map[string]interface{}, len(t.Arguments))
	required := make([]string, 0, len(t.Arguments))
	for _, arg := range t.Arguments {
		fieldSchema := JSONSchemaFor(arg.Type)
		if arg.Description != "" {
			fieldSchema["description"] = arg.Description
		}
		properties[arg.Name] = fieldSchema
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateArguments checks a tool call's arguments against the entry's input
// schema, per spec §4.7: missing required parameters and unknown parameters
// both produce a single error naming every offender.
func ValidateArguments(schema map[string]interface{}, args map[string]interface{}) error {
	properties, _ := schema["properties"].(map[string]interface{})

	var missing []string
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				missing = append(missing, name)
			}
		}
	}

	var unknown []string
	for name := range args {
		if _, known := properties[name]; !known {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(unknown)

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")))
	}
	if len(unknown) > 0 {
		parts = append(parts, fmt.Sprintf("unknown parameters: %s", strings.Join(unknown, ", ")))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
