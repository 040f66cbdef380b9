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

// Package registry holds the built-in tool table and the dynamic
// session-tool table the connection manager populates as gates connect,
// namespacing session tools to avoid collisions and emitting a
// list-changed notification whenever the catalog mutates.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gatebroker/gatebroker/internal/wire"
)

// Handler is the function a built-in tool invokes.
type Handler func(args map[string]interface{}) (interface{}, error)

// Entry is one registry entry: an internal id, display name, description,
// JSON-schema input fragment, and handler (spec §3).
type Entry struct {
	ID          string
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler

	// Namespace is empty for built-in tools; for session tools it is the
	// connection's resolved namespace, so UnregisterNamespace can remove
	// every entry belonging to a reconnecting or departing gate in one call.
	Namespace string
}

// Registry is process-wide and guarded by a single mutex (spec §3's
// ownership rule).
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry // keyed by exposed Name

	pendingListChanged bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// internalID derives a registry id from a name, replacing dots with
// underscores (spec §4.6).
func internalID(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// RegisterBuiltin adds a built-in tool declared at startup.
func (r *Registry) RegisterBuiltin(name, description string, schema map[string]interface{}, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(Entry{ID: internalID(name), Name: name, Description: description, InputSchema: schema, Handler: handler})
}

// RegisterSessionTools registers every tool in tools under namespace.
func (r *Registry) RegisterSessionTools(namespace string, tools []wire.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		name := namespace + "." + t.Name
		_ = r.registerLocked(Entry{
			ID:          internalID(name),
			Name:        name,
			Description: t.Description,
			InputSchema: JSONSchemaForTool(t),
			Namespace:   namespace,
		})
	}
	r.pendingListChanged = true
}

// registerLocked guarantees name uniqueness across all entries, appending a
// numeric suffix rather than silently overwriting a collision.
func (r *Registry) registerLocked(e Entry) error {
	name := e.Name
	for i := 2; r.nameTakenLocked(name, e.Namespace); i++ {
		name = fmt.Sprintf("%s_%d", e.Name, i)
	}
	e.Name = name
	e.ID = internalID(name)
	r.entries[name] = e
	r.pendingListChanged = true
	return nil
}

func (r *Registry) nameTakenLocked(name, namespace string) bool {
	existing, ok := r.entries[name]
	if !ok {
		return false
	}
	// A namespace re-registering its own prior entries (e.g. a catalog
	// refresh after a tool is added/removed) is not a collision. Built-ins
	// carry no namespace, so two built-ins of the same name do collide.
	return namespace == "" || existing.Namespace != namespace
}

// UnregisterNamespace removes every entry registered under namespace (a
// no-op if namespace is empty, since built-ins carry no namespace and must
// never be bulk-removed this way).
func (r *Registry) UnregisterNamespace(namespace string) {
	if namespace == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for name, e := range r.entries {
		if e.Namespace == namespace {
			delete(r.entries, name)
			removed = true
		}
	}
	if removed {
		r.pendingListChanged = true
	}
}

// UnregisterDynamicTools removes the named dynamic tools regardless of
// namespace, for the explicit register_dynamic_tools/unregister_dynamic_tools
// operations spec §4.6 names.
func (r *Registry) UnregisterDynamicTools(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for _, name := range names {
		if _, ok := r.entries[name]; ok {
			delete(r.entries, name)
			removed = true
		}
	}
	if removed {
		r.pendingListChanged = true
	}
}

// Lookup returns the entry exposed under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns every currently registered entry.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ConsumeListChanged reports whether the catalog has mutated since the last
// call, resetting the flag. The dispatcher calls this once per SSE
// connection-notification flush (spec §4.7 step 1).
func (r *Registry) ConsumeListChanged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.pendingListChanged
	r.pendingListChanged = false
	return changed
}
