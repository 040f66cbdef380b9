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

package authfront

import (
	"sync"
	"time"
)

// NonceTable is the single-use nonce store the `/vscode-response` endpoint
// additionally accepts, correlated to a prior request id (spec §4.9). The
// teacher's own auth plugins use a "config type + Initialize-style
// constructor" shape; this keeps that shape for the one piece of this
// package that carries any state.
type NonceTable struct {
	mu     sync.Mutex
	nonces map[string]nonceEntry
}

type nonceEntry struct {
	requestID string
	issuedAt  time.Time
}

// NewNonceTable constructs an empty nonce table.
func NewNonceTable() *NonceTable {
	return &NonceTable{nonces: make(map[string]nonceEntry)}
}

// Issue records nonce as valid for requestID.
func (t *NonceTable) Issue(nonce, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nonces[nonce] = nonceEntry{requestID: requestID, issuedAt: time.Now()}
}

// Consume validates and deletes nonce, returning its correlated request id.
// A nonce can be consumed at most once.
func (t *NonceTable) Consume(nonce string) (requestID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, found := t.nonces[nonce]
	if !found {
		return "", false
	}
	delete(t.nonces, nonce)
	return entry.requestID, true
}

// Sweep removes nonces older than maxAge, for a periodic age-based cleanup
// (spec §4.9: "periodically swept for age").
func (t *NonceTable) Sweep(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for nonce, entry := range t.nonces {
		if entry.issuedAt.Before(cutoff) {
			delete(t.nonces, nonce)
		}
	}
}
