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

package mcpsession

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetOrCreateAllocatesIDWhenAbsent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.json"), 0)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.GetOrCreate("", true)
	if sess.ID == "" {
		t.Fatalf("expected an allocated id")
	}
	if sess.State != StateUninitialized {
		t.Fatalf("expected a fresh session to start uninitialized before handshake completes")
	}
}

func TestGetOrCreateUnknownIDAcceptedLeniently(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.json"), 0)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.GetOrCreate("client-supplied-id", false)
	if sess.ID != "client-supplied-id" {
		t.Fatalf("expected the supplied id to be kept, got %q", sess.ID)
	}
	if sess.State != StateInitialized {
		t.Fatalf("expected a leniently-accepted session to already be initialized")
	}
}

func TestSaveAndReopenRestoresWithinRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := Open(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.GetOrCreate("persisted-id", true)
	s.UpdateActivity(sess)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	restored := reopened.GetOrCreate("persisted-id", true)
	if restored.ID != "persisted-id" {
		t.Fatalf("expected session to be restored from persistence")
	}
}

func TestOpenDropsEntriesOlderThanRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := Open(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.GetOrCreate("stale-id", true)
	sess.LastActivity = time.Now().Add(-2 * time.Hour)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.sessions["stale-id"]; ok {
		t.Fatalf("expected stale-id to be dropped on load, retention window exceeded")
	}
}

func TestReapIdleRemovesOldSessions(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.json"), 0)
	if err != nil {
		t.Fatal(err)
	}
	sess := s.GetOrCreate("old", true)
	sess.LastActivity = time.Now().Add(-10 * time.Minute)
	s.GetOrCreate("fresh", true)

	removed := s.ReapIdle(5 * time.Minute)
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("expected only 'old' to be reaped, got %v", removed)
	}
	if _, ok := s.sessions["fresh"]; !ok {
		t.Fatalf("expected 'fresh' to survive reaping")
	}
}
