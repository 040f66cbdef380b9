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

package gate

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/gatebroker/gatebroker/internal/wire"
)

type fakeEvaluator struct {
	valueRepr string
	stdout    string
	exception *wire.EvalException
	err       error
}

func (f *fakeEvaluator) Eval(ctx context.Context, code string) (string, *wire.EvalException, error) {
	if f.stdout != "" {
		fmt.Fprint(os.Stdout, f.stdout)
	}
	return f.valueRepr, f.exception, f.err
}

func (f *fakeEvaluator) InterpreterVersion() string { return "test-1.0" }

func newTestGate(t *testing.T, opts Options) *Gate {
	t.Helper()
	opts.SocketDir = t.TempDir()
	g, err := New(&fakeEvaluator{valueRepr: "42"}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = g.transport.Close() })
	return g
}

func TestHandlePingReportsRegisteredTools(t *testing.T) {
	binding := ToolBinding{
		Descriptor: wire.ToolDescriptor{Name: "echo", Arguments: []wire.Argument{{Name: "msg", Required: true}}},
		Handler: func(ctx context.Context, args map[string]interface{}, progress func(string)) (interface{}, error) {
			return args["msg"], nil
		},
	}
	g := newTestGate(t, Options{Name: "proj", AllowMirror: true, Tools: []ToolBinding{binding}})

	frame := g.handlePing()
	kind, body, err := wire.DecodeFrameType(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if kind != wire.KindPong {
		t.Fatalf("expected pong, got %q", kind)
	}
	var pong wire.PongReply
	if err := wire.DecodeBody(body, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if len(pong.Tools) != 1 || pong.Tools[0].Name != "echo" {
		t.Fatalf("expected one echo tool in pong, got %+v", pong.Tools)
	}
	if pong.InterpreterVersion != "test-1.0" {
		t.Fatalf("unexpected interpreter version %q", pong.InterpreterVersion)
	}
}

func TestHandleSetOptionRejectsUnknownKey(t *testing.T) {
	g := newTestGate(t, Options{})
	frame := g.handleSetOption(wire.SetOptionRequest{Key: "bogus", Value: true})
	kind, _, err := wire.DecodeFrameType(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if kind != wire.KindErrorReply {
		t.Fatalf("expected error reply for unknown option, got %q", kind)
	}
}

func TestHandleSetOptionMirrorReplRoundTrip(t *testing.T) {
	g := newTestGate(t, Options{AllowMirror: true})

	frame := g.handleSetOption(wire.SetOptionRequest{Key: "mirror_repl", Value: true})
	kind, _, err := wire.DecodeFrameType(frame)
	if err != nil || kind != wire.KindOk {
		t.Fatalf("expected ok reply, got kind=%q err=%v", kind, err)
	}

	optsFrame := g.handleGetOptions()
	_, body, err := wire.DecodeFrameType(optsFrame)
	if err != nil {
		t.Fatalf("decode options frame: %v", err)
	}
	var opts wire.OptionsReply
	if err := wire.DecodeBody(body, &opts); err != nil {
		t.Fatalf("decode options: %v", err)
	}
	if !opts.MirrorRepl {
		t.Fatalf("expected mirror_repl to be true after set_option")
	}
}

func TestDispatchUnknownKindReturnsError(t *testing.T) {
	g := newTestGate(t, Options{})
	frame, _ := wire.EncodeFrame("not_a_real_kind", struct{}{})
	reply, stop := g.dispatch(context.Background(), frame)
	if stop {
		t.Fatalf("unknown kind must not stop the loop")
	}
	kind, _, err := wire.DecodeFrameType(reply)
	if err != nil || kind != wire.KindErrorReply {
		t.Fatalf("expected error reply, got kind=%q err=%v", kind, err)
	}
}

func TestDispatchShutdownStopsLoop(t *testing.T) {
	g := newTestGate(t, Options{})
	frame, _ := wire.EncodeFrame(wire.KindShutdown, wire.ShutdownRequest{})
	reply, stop := g.dispatch(context.Background(), frame)
	if !stop {
		t.Fatalf("shutdown must stop the loop")
	}
	kind, _, err := wire.DecodeFrameType(reply)
	if err != nil || kind != wire.KindOk {
		t.Fatalf("expected ok reply to shutdown, got kind=%q err=%v", kind, err)
	}
}

func TestHandleRestartRefusedWhenNotAllowed(t *testing.T) {
	g := newTestGate(t, Options{AllowRestart: false})
	reply, stop := g.handleRestart()
	if stop {
		t.Fatalf("refused restart must not stop the loop")
	}
	kind, _, err := wire.DecodeFrameType(reply)
	if err != nil || kind != wire.KindErrorReply {
		t.Fatalf("expected error reply, got kind=%q err=%v", kind, err)
	}
}
