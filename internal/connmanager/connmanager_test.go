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

package connmanager

import (
	"testing"

	"github.com/gatebroker/gatebroker/internal/wire"
)

func TestResolveNamespaceNoCollision(t *testing.T) {
	got := resolveNamespace("myproj", map[string]bool{})
	if got != "myproj" {
		t.Fatalf("expected myproj, got %q", got)
	}
}

func TestResolveNamespaceAppendsSuffixOnCollision(t *testing.T) {
	used := map[string]bool{"myproj": true, "myproj_2": true}
	got := resolveNamespace("myproj", used)
	if got != "myproj_3" {
		t.Fatalf("expected myproj_3, got %q", got)
	}
}

func TestHashCatalogIsOrderIndependent(t *testing.T) {
	a := []wire.ToolDescriptor{{Name: "run"}, {Name: "stop"}}
	b := []wire.ToolDescriptor{{Name: "stop"}, {Name: "run"}}
	if hashCatalog(a) != hashCatalog(b) {
		t.Fatalf("expected hash to be independent of reported tool order")
	}
}

func TestHashCatalogChangesWhenArgumentsChange(t *testing.T) {
	a := []wire.ToolDescriptor{{Name: "run", Arguments: []wire.Argument{{Name: "path", Type: wire.TypeDescriptor{Kind: wire.TypeString}}}}}
	b := []wire.ToolDescriptor{{Name: "run", Arguments: []wire.Argument{{Name: "path", Type: wire.TypeDescriptor{Kind: wire.TypeInteger}}}}}
	if hashCatalog(a) == hashCatalog(b) {
		t.Fatalf("expected hash to change when an argument's type changes")
	}
}
