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

package connection

import (
	"testing"

	"github.com/gatebroker/gatebroker/internal/wire"
)

func TestDisplayNameFromProjectPath(t *testing.T) {
	cases := map[string]string{
		"/home/me/my-project": "my-project",
		"":                     "untitled",
		"/":                    "untitled",
	}
	for in, want := range cases {
		if got := displayNameFromProjectPath(in); got != want {
			t.Errorf("displayNameFromProjectPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeNamespaceReplacesNonAlnum(t *testing.T) {
	got := sanitizeNamespace("My Cool Project!")
	want := "my_cool_project_"
	if got != want {
		t.Fatalf("sanitizeNamespace = %q, want %q", got, want)
	}
}

func TestShortKeyTruncatesToEightChars(t *testing.T) {
	if got := shortKey("0123456789abcdef"); got != "01234567" {
		t.Fatalf("shortKey = %q", got)
	}
	if got := shortKey("ab"); got != "ab" {
		t.Fatalf("shortKey of a short id should pass through unchanged, got %q", got)
	}
}

func TestInboxRegisterUnregisterReturnsToIdle(t *testing.T) {
	c := &Connection{inboxes: make(map[string]inbox)}
	c.evalState = StateStreaming

	box := c.registerInbox("abc123")
	if c.ActiveInboxCount() != 1 {
		t.Fatalf("expected one active inbox")
	}

	msg := wire.StreamMessage{Channel: wire.ChannelStdout, RequestID: "abc123", Text: "hi"}
	if !c.RouteToInbox(msg) {
		t.Fatalf("expected RouteToInbox to find the registered inbox")
	}
	select {
	case got := <-box:
		if got.Text != "hi" {
			t.Fatalf("unexpected message %+v", got)
		}
	default:
		t.Fatalf("expected message to be buffered in inbox")
	}

	c.unregisterInbox("abc123")
	if c.ActiveInboxCount() != 0 {
		t.Fatalf("expected zero active inboxes after unregister")
	}
	if c.EvalState() != StateIdle {
		t.Fatalf("expected eval state to return to idle once inboxes drain")
	}
}

func TestRouteToInboxReportsMissingInbox(t *testing.T) {
	c := &Connection{inboxes: make(map[string]inbox)}
	if c.RouteToInbox(wire.StreamMessage{Channel: wire.ChannelStdout, RequestID: "nope"}) {
		t.Fatalf("expected RouteToInbox to report no match for an unregistered id")
	}
}

func TestBroadcastToActiveInboxesFansOutToAll(t *testing.T) {
	c := &Connection{inboxes: make(map[string]inbox)}
	a := c.registerInbox("a")
	b := c.registerInbox("b")

	c.BroadcastToActiveInboxes(wire.StreamMessage{Channel: wire.ChannelStdout, Text: "shared"})

	for _, box := range []inbox{a, b} {
		select {
		case msg := <-box:
			if msg.Text != "shared" {
				t.Fatalf("unexpected broadcast payload %+v", msg)
			}
		default:
			t.Fatalf("expected broadcast message in every active inbox")
		}
	}
}
