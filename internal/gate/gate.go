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

// Package gate implements the endpoint that runs inside a language
// interpreter process: it binds the request/publish sockets, writes its
// descriptor file, evaluates code on behalf of the broker, and exposes
// session-scoped tools. The interpreter itself is out of scope (spec §1);
// Evaluator is the seam the hosting process implements.
package gate

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gatebroker/gatebroker/internal/gatefile"
	"github.com/gatebroker/gatebroker/internal/ipc"
	"github.com/gatebroker/gatebroker/internal/log"
	"github.com/gatebroker/gatebroker/internal/wire"
)

// Evaluator is implemented by the hosting interpreter process. Eval runs
// code synchronously and returns its display-formatted value, or a captured
// exception (never a transport-level error) on a user-code failure.
type Evaluator interface {
	Eval(ctx context.Context, code string) (valueRepr string, exception *wire.EvalException, err error)
	InterpreterVersion() string
}

// ToolHandler is the function a session-scoped tool binding invokes. It
// receives already-coerced arguments and an optional progress callback.
type ToolHandler func(ctx context.Context, args map[string]interface{}, progress func(message string)) (interface{}, error)

// ToolBinding is one session-scoped tool a gate exposes: a wire.ToolDescriptor
// declared by the host, paired with its handler. The gate does not reflect on
// the handler; it reports the descriptor exactly as supplied.
type ToolBinding struct {
	Descriptor wire.ToolDescriptor
	Handler    ToolHandler
}

// Options configures a Gate at construction.
type Options struct {
	SessionID    string // empty unless this is a restart (spec §4.2, §4.10)
	Name         string
	ProjectPath  string
	SocketDir    string
	AllowRestart bool
	AllowMirror  bool
	MirrorRepl   bool
	Tools        []ToolBinding
	Logger       log.Logger
}

// Gate binds the two sockets inside an interpreter process and runs the
// cooperative request loop described in spec §4.2.
type Gate struct {
	sessionID string
	opts      Options
	startedAt time.Time

	transport *ipc.GateTransport
	evaluator Evaluator

	mu          sync.Mutex
	mirrorRepl  bool
	tools       map[string]ToolBinding
	ttyHandoff  *ttyState

	running int32

	asyncWG     sync.WaitGroup
	asyncEvalMu sync.Mutex
}

// New constructs a gate bound to opts.SocketDir, writes its descriptor file,
// and returns it ready for Run. It does not start the request loop.
func New(evaluator Evaluator, opts Options) (*Gate, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	endpoint := "ipc://" + gatefile.SocketPath(opts.SocketDir, sessionID)
	streamEndpoint := "ipc://" + gatefile.StreamSocketPath(opts.SocketDir, sessionID)

	transport, err := ipc.BindGateTransport(context.Background(), endpoint, streamEndpoint)
	if err != nil {
		return nil, fmt.Errorf("gate: unable to bind transport: %w", err)
	}

	g := &Gate{
		sessionID:  sessionID,
		opts:       opts,
		startedAt:  time.Now(),
		transport:  transport,
		evaluator:  evaluator,
		mirrorRepl: opts.MirrorRepl,
		tools:      make(map[string]ToolBinding, len(opts.Tools)),
	}
	for _, b := range opts.Tools {
		g.tools[b.Descriptor.Name] = b
	}

	d := gatefile.Descriptor{
		SessionID:          sessionID,
		Name:               opts.Name,
		Pid:                os.Getpid(),
		InterpreterVersion: evaluator.InterpreterVersion(),
		ProjectPath:        opts.ProjectPath,
		Endpoint:           endpoint,
		StreamEndpoint:     streamEndpoint,
		StartedAt:          g.startedAt.Format(time.RFC3339),
	}
	if err := gatefile.Write(opts.SocketDir, d); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("gate: unable to write descriptor: %w", err)
	}

	return g, nil
}

// SessionID returns the gate's stable session id.
func (g *Gate) SessionID() string { return g.sessionID }

// SessionIDFromRestartEnv returns the session id a previous process image
// left behind via execRestart, if this process was launched as its
// replacement. Hosts should pass this as Options.SessionID when present so
// the re-exec'd gate resumes the same identity instead of minting a new one.
func SessionIDFromRestartEnv() string {
	return os.Getenv("GATEBROKER_RESTART_SESSION_ID")
}

// Run executes the cooperative request loop until ctx is canceled or a
// shutdown/restart request is processed. It always removes the descriptor
// file and closes the transport before returning, matching the shutdown
// hook spec §4.2 requires at startup.
func (g *Gate) Run(ctx context.Context) error {
	atomic.StoreInt32(&g.running, 1)
	defer func() {
		atomic.StoreInt32(&g.running, 0)
		_ = gatefile.Remove(g.opts.SocketDir, g.sessionID)
		_ = g.transport.Close()
		g.asyncWG.Wait()
	}()

	for atomic.LoadInt32(&g.running) == 1 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := g.transport.RecvRequest(time.Second)
		if err != nil {
			if err == ipc.ErrTimeout {
				continue
			}
			return fmt.Errorf("gate: request loop aborted: %w", err)
		}

		reply, stop := g.dispatch(ctx, frame)
		if reply != nil {
			if err := g.transport.SendReply(reply); err != nil {
				return fmt.Errorf("gate: unable to send reply: %w", err)
			}
		}
		if stop {
			return nil
		}
	}
	return nil
}

// dispatch decodes one request frame, routes it to the matching handler,
// and encodes the reply. A decode failure yields an error reply and keeps
// the loop alive (spec §4.2 failure model); only shutdown/restart return
// stop=true.
func (g *Gate) dispatch(ctx context.Context, frame []byte) (reply []byte, stop bool) {
	kind, body, err := wire.DecodeFrameType(frame)
	if err != nil {
		return g.errorReply(err), false
	}

	switch kind {
	case wire.KindPing:
		return g.handlePing(), false
	case wire.KindEval:
		var req wire.EvalRequest
		if err := wire.DecodeBody(body, &req); err != nil {
			return g.errorReply(err), false
		}
		return g.handleEval(ctx, req), false
	case wire.KindEvalAsync:
		var req wire.EvalAsyncRequest
		if err := wire.DecodeBody(body, &req); err != nil {
			return g.errorReply(err), false
		}
		return g.handleEvalAsync(req)
	case wire.KindSetOption:
		var req wire.SetOptionRequest
		if err := wire.DecodeBody(body, &req); err != nil {
			return g.errorReply(err), false
		}
		return g.handleSetOption(req), false
	case wire.KindGetOptions:
		return g.handleGetOptions(), false
	case wire.KindSetTTY:
		var req wire.SetTTYRequest
		if err := wire.DecodeBody(body, &req); err != nil {
			return g.errorReply(err), false
		}
		return g.handleSetTTY(req), false
	case wire.KindToolCall:
		var req wire.ToolCallRequest
		if err := wire.DecodeBody(body, &req); err != nil {
			return g.errorReply(err), false
		}
		return g.handleToolCall(ctx, req), false
	case wire.KindToolCallAsync:
		var req wire.ToolCallAsyncRequest
		if err := wire.DecodeBody(body, &req); err != nil {
			return g.errorReply(err), false
		}
		return g.handleToolCallAsync(req)
	case wire.KindListTools:
		return g.handleListTools(), false
	case wire.KindShutdown:
		reply, _ := wire.EncodeFrame(wire.KindOk, wire.OkReply{})
		return reply, true
	case wire.KindRestart:
		return g.handleRestart()
	default:
		return g.errorReply(fmt.Errorf("unknown request kind %q", kind)), false
	}
}

func (g *Gate) errorReply(err error) []byte {
	reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
	return reply
}

func (g *Gate) handlePing() []byte {
	g.mu.Lock()
	tools := g.descriptorsLocked()
	mirror := g.mirrorRepl
	g.mu.Unlock()

	reply, _ := wire.EncodeFrame(wire.KindPong, wire.PongReply{
		Pid:                os.Getpid(),
		UptimeSeconds:      time.Since(g.startedAt).Seconds(),
		InterpreterVersion: g.evaluator.InterpreterVersion(),
		ProjectPath:        g.opts.ProjectPath,
		Tools:              tools,
		Namespace:          g.opts.Name,
		AllowRestart:       g.opts.AllowRestart,
		AllowMirror:        g.opts.AllowMirror,
		MirrorRepl:         mirror,
	})
	return reply
}

func (g *Gate) descriptorsLocked() []wire.ToolDescriptor {
	out := make([]wire.ToolDescriptor, 0, len(g.tools))
	for _, b := range g.tools {
		out = append(out, b.Descriptor)
	}
	return out
}

func (g *Gate) handleSetOption(req wire.SetOptionRequest) []byte {
	if req.Key != "mirror_repl" {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: fmt.Sprintf("unrecognized option %q", req.Key)})
		return reply
	}
	enabled, ok := req.Value.(bool)
	if !ok {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: "mirror_repl requires a boolean value"})
		return reply
	}
	g.mu.Lock()
	g.mirrorRepl = enabled
	g.mu.Unlock()

	reply, _ := wire.EncodeFrame(wire.KindOk, wire.OkReply{Key: req.Key, Value: fmt.Sprintf("%v", enabled)})
	return reply
}

func (g *Gate) handleGetOptions() []byte {
	g.mu.Lock()
	mirror := g.mirrorRepl
	g.mu.Unlock()
	reply, _ := wire.EncodeFrame(wire.KindOptions, wire.OptionsReply{MirrorRepl: mirror, AllowMirror: g.opts.AllowMirror})
	return reply
}

func (g *Gate) handleListTools() []byte {
	g.mu.Lock()
	tools := g.descriptorsLocked()
	g.mu.Unlock()
	reply, _ := wire.EncodeFrame(wire.KindTools, wire.ToolsReply{Tools: tools})
	return reply
}

func (g *Gate) publishStream(msg wire.StreamMessage) {
	frame, err := wire.EncodeFrame(wire.KindStream, msg)
	if err != nil {
		return
	}
	_ = g.transport.Publish(frame)
}
