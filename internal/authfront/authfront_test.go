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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthorizeLaxPermitsLocalhostOnly(t *testing.T) {
	cfg := Config{Mode: ModeLax}

	localReq := httptest.NewRequest(http.MethodPost, "/", nil)
	localReq.RemoteAddr = "127.0.0.1:5000"
	if d := Authorize(cfg, localReq); !d.Allowed {
		t.Fatalf("expected localhost to be allowed in lax mode, got %+v", d)
	}

	remoteReq := httptest.NewRequest(http.MethodPost, "/", nil)
	remoteReq.RemoteAddr = "203.0.113.5:5000"
	if d := Authorize(cfg, remoteReq); d.Allowed {
		t.Fatalf("expected remote peer to be denied in lax mode")
	}
}

func TestAuthorizeRelaxedRequiresValidKey(t *testing.T) {
	cfg := Config{Mode: ModeRelaxed, APIKeys: map[string]bool{"good-key": true}}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer good-key")
	if d := Authorize(cfg, req); !d.Allowed {
		t.Fatalf("expected valid key to be allowed, got %+v", d)
	}

	bad := httptest.NewRequest(http.MethodPost, "/", nil)
	bad.Header.Set("Authorization", "Bearer wrong-key")
	if d := Authorize(cfg, bad); d.Allowed {
		t.Fatalf("expected invalid key to be denied")
	}
}

func TestAuthorizeStrictRequiresKeyAndAllowlistedIP(t *testing.T) {
	cfg := Config{
		Mode:       ModeStrict,
		APIKeys:    map[string]bool{"good-key": true},
		AllowedIPs: map[string]bool{"203.0.113.5": true},
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer good-key")
	req.RemoteAddr = "203.0.113.5:5000"
	if d := Authorize(cfg, req); !d.Allowed {
		t.Fatalf("expected allowlisted ip with valid key to be allowed, got %+v", d)
	}

	wrongIP := httptest.NewRequest(http.MethodPost, "/", nil)
	wrongIP.Header.Set("Authorization", "Bearer good-key")
	wrongIP.RemoteAddr = "198.51.100.9:5000"
	if d := Authorize(cfg, wrongIP); d.Allowed || d.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-allowlisted ip, got %+v", d)
	}
}

func TestSourceIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := sourceIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first X-Forwarded-For entry, got %q", got)
	}
}

func TestNonceConsumeIsSingleUse(t *testing.T) {
	table := NewNonceTable()
	table.Issue("nonce-1", "req-1")

	requestID, ok := table.Consume("nonce-1")
	if !ok || requestID != "req-1" {
		t.Fatalf("expected first consume to succeed, got %q %v", requestID, ok)
	}

	if _, ok := table.Consume("nonce-1"); ok {
		t.Fatalf("expected second consume of the same nonce to fail")
	}
}

func TestNonceSweepRemovesOldEntries(t *testing.T) {
	table := NewNonceTable()
	table.Issue("old", "req")
	table.nonces["old"] = nonceEntry{requestID: "req", issuedAt: time.Now().Add(-time.Hour)}
	table.Issue("fresh", "req2")

	table.Sweep(time.Minute)

	if _, ok := table.Consume("old"); ok {
		t.Fatalf("expected old nonce to be swept")
	}
	if _, ok := table.Consume("fresh"); !ok {
		t.Fatalf("expected fresh nonce to survive sweep")
	}
}
