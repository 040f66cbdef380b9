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

package prefs

import (
	"path/filepath"
	"testing"
)

func TestGetBoolDefaultsWhenAbsent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.GetBool(DefaultMirrorKey, true); !got {
		t.Fatalf("expected default value to be returned for an absent key")
	}
}

func TestSetBoolPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetBool(DefaultMirrorKey, true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.GetBool(DefaultMirrorKey, false); !got {
		t.Fatalf("expected persisted value to survive reopen")
	}
}
