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

package gatefile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemoveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := Descriptor{
		SessionID:          "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Name:               "myproject",
		Pid:                os.Getpid(),
		InterpreterVersion: "1.0.0",
		ProjectPath:        "/home/me/myproject",
		Endpoint:           "ipc://" + filepath.Join(dir, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.sock"),
		StreamEndpoint:     "ipc://" + filepath.Join(dir, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-stream.sock"),
	}

	if err := Write(dir, d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// touch companion socket files so Remove has something to clean up
	for _, p := range []string{SocketPath(dir, d.SessionID), StreamSocketPath(dir, d.SessionID)} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			t.Fatalf("write companion file: %v", err)
		}
	}

	got, err := Read(Path(dir, d.SessionID))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.SessionID != d.SessionID || got.Pid != d.Pid {
		t.Fatalf("read back mismatch: got %+v, want %+v", got, d)
	}

	list, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List returned %d descriptors, want 1", len(list))
	}

	if err := Remove(dir, d.SessionID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, p := range []string{Path(dir, d.SessionID), SocketPath(dir, d.SessionID), StreamSocketPath(dir, d.SessionID)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %q to be removed", p)
		}
	}

	// Remove must be idempotent.
	if err := Remove(dir, d.SessionID); err != nil {
		t.Fatalf("second Remove should be a no-op, got: %v", err)
	}
}

func TestReapOrphanSockets(t *testing.T) {
	dir := t.TempDir()
	// an orphan pair with no descriptor
	if err := os.WriteFile(filepath.Join(dir, "orphan.sock"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "orphan-stream.sock"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// a live pair with a descriptor
	live := Descriptor{SessionID: "live", Pid: os.Getpid()}
	if err := Write(dir, live); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(SocketPath(dir, "live"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := ReapOrphanSockets(dir); err != nil {
		t.Fatalf("ReapOrphanSockets: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "orphan.sock")); !os.IsNotExist(err) {
		t.Fatalf("expected orphan.sock to be reaped")
	}
	if _, err := os.Stat(SocketPath(dir, "live")); err != nil {
		t.Fatalf("expected live.sock to survive: %v", err)
	}
}

func TestListMissingDirectoryReturnsEmpty(t *testing.T) {
	list, err := List(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("List on missing dir should not error, got: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}
