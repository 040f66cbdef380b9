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

// Package mcpsession tracks the MCP protocol sessions visible to HTTP
// clients (distinct from the gate connections in internal/connection): an
// in-memory table mirrored to a JSON persistence file, so a client can
// resume by session id across a broker restart as long as the id is still
// within the retention window (spec §3, §4.8).
package mcpsession

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State enumerates an MCP session's lifecycle (spec §3).
type State int

const (
	StateUninitialized State = iota
	StateInitialized
)

// Session is one client-visible MCP session.
type Session struct {
	ID           string    `json:"id"`
	State        State     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_seen"`
}

// persistedRecord is the on-disk shape: {created-at, last-seen} per id
// (spec §4.8). State is not persisted: Save writes every session in the
// table, including ones still uninitialized, and Open restores each of them
// as already initialized.
type persistedRecord struct {
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

const defaultRetention = 30 * 24 * time.Hour

// Store is the in-memory + on-disk MCP session table.
type Store struct {
	path      string
	retention time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Open loads path (if present) filtered to entries within retention,
// defaulting retention to 30 days (spec §9 Open Questions: "one month").
func Open(path string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = defaultRetention
	}
	s := &Store{path: path, retention: retention, sessions: make(map[string]*Session)}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("mcpsession: unable to read %q: %w", path, err)
	}

	var records map[string]persistedRecord
	if err := json.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("mcpsession: unable to parse %q: %w", path, err)
	}

	cutoff := time.Now().Add(-retention)
	for id, r := range records {
		if r.LastSeen.Before(cutoff) {
			continue
		}
		s.sessions[id] = &Session{ID: id, State: StateInitialized, CreatedAt: r.CreatedAt, LastActivity: r.LastSeen}
	}
	return s, nil
}

// GetOrCreate resolves id to a session, per spec §4.7's session lifecycle
// rules: on initialize, restore a persisted-but-unloaded session if the id
// matches, else allocate a fresh one; on non-initialize requests with an
// unknown id, restore from persistence if present, else accept leniently by
// creating an already-initialized session under the supplied id.
func (s *Store) GetOrCreate(id string, isInitialize bool) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if existing, ok := s.sessions[id]; ok {
			if isInitialize {
				existing.State = StateInitialized
			}
			return existing
		}
	}

	newID := id
	if newID == "" {
		newID = uuid.New().String()
	}

	state := StateUninitialized
	if !isInitialize {
		// a non-initialize request with an unknown id is accepted leniently
		// as already-initialized (spec §4.7).
		state = StateInitialized
	}

	session := &Session{ID: newID, State: state, CreatedAt: time.Now(), LastActivity: time.Now()}
	s.sessions[newID] = session
	return session
}

// UpdateActivity bumps a session's last-activity timestamp.
func (s *Store) UpdateActivity(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.LastActivity = time.Now()
}

// ReapIdle removes sessions whose last activity is older than threshold,
// returning the removed ids.
func (s *Store) ReapIdle(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	var removed []string
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Save persists every session to the store's path as {id ->
// {created-at, last-seen}} (spec §4.8).
func (s *Store) Save() error {
	s.mu.Lock()
	records := make(map[string]persistedRecord, len(s.sessions))
	for id, sess := range s.sessions {
		records[id] = persistedRecord{CreatedAt: sess.CreatedAt, LastSeen: sess.LastActivity}
	}
	s.mu.Unlock()

	buf, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("mcpsession: unable to marshal sessions: %w", err)
	}
	if err := os.WriteFile(s.path, buf, 0o600); err != nil {
		return fmt.Errorf("mcpsession: unable to write %q: %w", s.path, err)
	}
	return nil
}
