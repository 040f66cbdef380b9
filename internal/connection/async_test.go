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
	"context"
	"testing"
	"time"

	"github.com/gatebroker/gatebroker/internal/wire"
)

func TestAwaitToolTerminalForwardsStdoutAndStderr(t *testing.T) {
	c := &Connection{}
	box := make(inbox, 8)

	var forwarded []string
	progress := func(channel, text string) {
		forwarded = append(forwarded, channel+":"+text)
	}

	box <- wire.StreamMessage{Channel: wire.ChannelStdout, Text: "hi"}
	box <- wire.StreamMessage{Channel: wire.ChannelStderr, Text: "oops"}

	binary, err := wire.EncodeToolResult(wire.ToolResult{Value: "done"})
	if err != nil {
		t.Fatalf("unable to encode tool result: %v", err)
	}
	box <- wire.StreamMessage{Channel: wire.ChannelToolComplete, Binary: binary}

	result, err := c.awaitToolTerminal(context.Background(), box, time.Second, progress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Value != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(forwarded) != 2 || forwarded[0] != wire.ChannelStdout+":hi" || forwarded[1] != wire.ChannelStderr+":oops" {
		t.Fatalf("expected stdout and stderr both forwarded before the terminal message, got %v", forwarded)
	}
}

func TestAwaitToolTerminalTimesOut(t *testing.T) {
	c := &Connection{}
	box := make(inbox, 1)

	_, err := c.awaitToolTerminal(context.Background(), box, time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
