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

package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gatebroker/gatebroker/internal/gatefile"
)

func TestScanReapsStaleDescriptors(t *testing.T) {
	dir := t.TempDir()

	live := gatefile.Descriptor{SessionID: "live-session", Pid: os.Getpid()}
	if err := gatefile.Write(dir, live); err != nil {
		t.Fatal(err)
	}

	// a pid that (almost certainly) does not exist
	dead := gatefile.Descriptor{SessionID: "dead-session", Pid: 999999}
	if err := gatefile.Write(dir, dead); err != nil {
		t.Fatal(err)
	}

	alive, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(alive) != 1 || alive[0].SessionID != "live-session" {
		t.Fatalf("expected only live-session to survive, got %+v", alive)
	}
	if _, err := os.Stat(gatefile.Path(dir, "dead-session")); !os.IsNotExist(err) {
		t.Fatalf("expected dead-session descriptor to be removed")
	}
}

func TestCandidatesExcludesKnown(t *testing.T) {
	descriptors := []gatefile.Descriptor{{SessionID: "a"}, {SessionID: "b"}}
	known := map[string]bool{"a": true}

	got := Candidates(descriptors, known)
	if len(got) != 1 || got[0].SessionID != "b" {
		t.Fatalf("expected only session b, got %+v", got)
	}
}

func TestBootstrapReapsOrphanSockets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "orphan.sock"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Bootstrap(dir); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "orphan.sock")); !os.IsNotExist(err) {
		t.Fatalf("expected orphan.sock to be reaped by Bootstrap")
	}
}
