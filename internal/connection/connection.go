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

// Package connection implements the duplex handle to one gate: a request
// socket, a subscribe socket, a per-request inbox table, and the serialized
// state a connection manager drives (internal/connmanager owns the
// lifecycle; this package owns one connection's transport and protocol).
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gatebroker/gatebroker/internal/gatefile"
	"github.com/gatebroker/gatebroker/internal/ipc"
	"github.com/gatebroker/gatebroker/internal/wire"
)

// EvalState enumerates a connection's current activity on its request
// socket (spec §3).
type EvalState int

const (
	StateIdle EvalState = iota
	StateSending
	StateStreaming
)

// Status enumerates connection liveness (spec §3).
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

const (
	dialTimeout = 5 * time.Second

	// sendTimeout and recvTimeout bound the two halves of a synchronous
	// call separately (spec §3/§4.4: "receive timeout 5 s, send timeout
	// 2 s"). A stall on either half poisons the request socket and
	// forces recreation before the next call.
	sendTimeout = 2 * time.Second
	recvTimeout = 5 * time.Second

	inboxCapacity = 32
)

// inbox is a bounded channel of streaming messages registered for one
// in-flight async request.
type inbox chan wire.StreamMessage

// Connection is a duplex handle to one gate, owned exclusively by a
// connection manager (spec §3's ownership rule).
type Connection struct {
	// identity
	SessionID    string
	ShortKey     string
	FriendlyName string
	DisplayName  string
	Namespace    string
	ProjectPath  string

	dir string

	// transport
	reqSock *ipc.RequestSocket
	subSock *ipc.SubscribeSocket
	reqMu   sync.Mutex

	mu         sync.Mutex
	evalState  EvalState
	status     Status
	connectedAt time.Time
	lastSeen    time.Time
	lastPing    time.Time
	toolCalls   int64

	inboxMu sync.Mutex
	inboxes map[string]inbox

	// catalog
	Catalog      []wire.ToolDescriptor
	CatalogHash  string
	NamespacePfx string

	// policy
	AllowRestart bool
	AllowMirror  bool
	MirrorActive bool
}

// Connect dials the request and subscribe sockets named in d and applies any
// persisted runtime options, per spec §4.4's connect protocol.
func Connect(ctx context.Context, d gatefile.Descriptor, persistedMirror bool) (*Connection, error) {
	reqSock, err := ipc.DialRequestSocket(ctx, d.Endpoint, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connection: unable to dial request socket: %w", err)
	}
	subSock, err := ipc.DialSubscribeSocket(ctx, d.StreamEndpoint)
	if err != nil {
		_ = reqSock.Close()
		return nil, fmt.Errorf("connection: unable to dial subscribe socket: %w", err)
	}

	c := &Connection{
		SessionID:    d.SessionID,
		ShortKey:     shortKey(d.SessionID),
		FriendlyName: d.Name,
		DisplayName:  displayNameFromProjectPath(d.ProjectPath),
		Namespace:    namespaceFromProjectPath(d.ProjectPath),
		ProjectPath:  d.ProjectPath,
		reqSock:      reqSock,
		subSock:      subSock,
		status:       StatusConnecting,
		inboxes:      make(map[string]inbox),
	}

	if persistedMirror {
		if _, err := c.SetOption(ctx, "mirror_repl", true); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connection: unable to apply persisted mirror option: %w", err)
		}
	}

	c.mu.Lock()
	c.status = StatusConnected
	c.connectedAt = time.Now()
	c.mu.Unlock()

	return c, nil
}

func shortKey(sessionID string) string {
	if len(sessionID) < 8 {
		return sessionID
	}
	return sessionID[:8]
}

func displayNameFromProjectPath(projectPath string) string {
	if projectPath == "" {
		return "untitled"
	}
	base := filepath.Base(projectPath)
	if base == string(filepath.Separator) || base == "." {
		return "untitled"
	}
	return base
}

func namespaceFromProjectPath(projectPath string) string {
	name := displayNameFromProjectPath(projectPath)
	return sanitizeNamespace(name)
}

func sanitizeNamespace(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "session"
	}
	return out
}

// Status returns the connection's current liveness status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus sets the connection's liveness status (driven by connmanager's
// health checker).
func (c *Connection) SetStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// EvalState returns the connection's current activity state.
func (c *Connection) EvalState() EvalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evalState
}

// LastSeen returns the last successful pong timestamp.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// call performs one send+recv under the request mutex, recreating the
// request socket when the receive times out (spec §4.4's request-socket
// hazard).
func (c *Connection) call(ctx context.Context, frame []byte) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	reply, err := c.reqSock.Call(frame, sendTimeout, recvTimeout)
	if err == ipc.ErrTimeout {
		if recreateErr := c.reqSock.Recreate(ctx); recreateErr != nil {
			return nil, fmt.Errorf("connection: socket recreate failed after timeout: %w", recreateErr)
		}
		return nil, ipc.ErrTimeout
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Ping sends a synchronous ping and returns the gate's reported state.
func (c *Connection) Ping(ctx context.Context) (wire.PongReply, error) {
	frame, err := wire.EncodeFrame(wire.KindPing, wire.PingRequest{})
	if err != nil {
		return wire.PongReply{}, err
	}
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		c.SetStatus(StatusDisconnected)
		return wire.PongReply{}, err
	}
	kind, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return wire.PongReply{}, err
	}
	if kind != wire.KindPong {
		return wire.PongReply{}, fmt.Errorf("connection: expected pong, got %q", kind)
	}
	var pong wire.PongReply
	if err := wire.DecodeBody(body, &pong); err != nil {
		return wire.PongReply{}, err
	}

	c.mu.Lock()
	c.lastSeen = time.Now()
	c.lastPing = time.Now()
	c.AllowRestart = pong.AllowRestart
	c.AllowMirror = pong.AllowMirror
	c.MirrorActive = pong.MirrorRepl
	if pong.ProjectPath != "" && pong.ProjectPath != c.ProjectPath {
		c.ProjectPath = pong.ProjectPath
		c.DisplayName = displayNameFromProjectPath(pong.ProjectPath)
		c.Namespace = namespaceFromProjectPath(pong.ProjectPath)
	}
	c.mu.Unlock()

	return pong, nil
}

// EvalRemote runs a synchronous eval (spec §4.4's eval_remote).
func (c *Connection) EvalRemote(ctx context.Context, code, displayCode string) (wire.EvalResult, error) {
	c.mu.Lock()
	c.evalState = StateSending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.evalState = StateIdle
		c.mu.Unlock()
	}()

	frame, err := wire.EncodeFrame(wire.KindEval, wire.EvalRequest{Code: code, DisplayCode: displayCode})
	if err != nil {
		return wire.EvalResult{}, err
	}
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		if err == ipc.ErrTimeout {
			return wire.EvalResult{Exception: &wire.EvalException{Message: "evaluation timed out"}}, nil
		}
		c.SetStatus(StatusDisconnected)
		return wire.EvalResult{}, err
	}

	kind, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return wire.EvalResult{}, err
	}
	if kind == wire.KindErrorReply {
		var errReply wire.ErrorReply
		_ = wire.DecodeBody(body, &errReply)
		return wire.EvalResult{}, fmt.Errorf("connection: eval failed: %s", errReply.Message)
	}
	var result wire.EvalResult
	if err := wire.DecodeBody(body, &result); err != nil {
		return wire.EvalResult{}, err
	}
	return result, nil
}

// SetOption sends set_option synchronously.
func (c *Connection) SetOption(ctx context.Context, key string, value interface{}) (wire.OkReply, error) {
	frame, err := wire.EncodeFrame(wire.KindSetOption, wire.SetOptionRequest{Key: key, Value: value})
	if err != nil {
		return wire.OkReply{}, err
	}
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		return wire.OkReply{}, err
	}
	kind, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return wire.OkReply{}, err
	}
	if kind == wire.KindErrorReply {
		var errReply wire.ErrorReply
		_ = wire.DecodeBody(body, &errReply)
		return wire.OkReply{}, fmt.Errorf("connection: set_option failed: %s", errReply.Message)
	}
	var ok wire.OkReply
	if err := wire.DecodeBody(body, &ok); err != nil {
		return wire.OkReply{}, err
	}
	if key == "mirror_repl" {
		if enabled, isBool := value.(bool); isBool {
			c.mu.Lock()
			c.MirrorActive = enabled
			c.mu.Unlock()
		}
	}
	return ok, nil
}

// GetOptions sends get_options synchronously.
func (c *Connection) GetOptions(ctx context.Context) (wire.OptionsReply, error) {
	frame, err := wire.EncodeFrame(wire.KindGetOptions, wire.GetOptionsRequest{})
	if err != nil {
		return wire.OptionsReply{}, err
	}
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		return wire.OptionsReply{}, err
	}
	_, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return wire.OptionsReply{}, err
	}
	var opts wire.OptionsReply
	if err := wire.DecodeBody(body, &opts); err != nil {
		return wire.OptionsReply{}, err
	}
	return opts, nil
}

// SetTTY sends set_tty synchronously.
func (c *Connection) SetTTY(ctx context.Context, path string) (wire.OkReply, error) {
	frame, err := wire.EncodeFrame(wire.KindSetTTY, wire.SetTTYRequest{Path: path})
	if err != nil {
		return wire.OkReply{}, err
	}
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		return wire.OkReply{}, err
	}
	kind, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return wire.OkReply{}, err
	}
	if kind == wire.KindErrorReply {
		var errReply wire.ErrorReply
		_ = wire.DecodeBody(body, &errReply)
		return wire.OkReply{}, fmt.Errorf("connection: set_tty failed: %s", errReply.Message)
	}
	var ok wire.OkReply
	if err := wire.DecodeBody(body, &ok); err != nil {
		return wire.OkReply{}, err
	}
	return ok, nil
}

// SendRestart sends the restart request synchronously.
func (c *Connection) SendRestart(ctx context.Context) error {
	frame, err := wire.EncodeFrame(wire.KindRestart, wire.RestartRequest{})
	if err != nil {
		return err
	}
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		return err
	}
	kind, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return err
	}
	if kind == wire.KindErrorReply {
		var errReply wire.ErrorReply
		_ = wire.DecodeBody(body, &errReply)
		return fmt.Errorf("connection: restart refused: %s", errReply.Message)
	}
	return nil
}

// newRequestID generates a 16-hex-char request id (spec §4.4).
func newRequestID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("connection: unable to generate request id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// registerInbox creates and registers a bounded inbox for requestID.
func (c *Connection) registerInbox(requestID string) inbox {
	box := make(inbox, inboxCapacity)
	c.inboxMu.Lock()
	c.inboxes[requestID] = box
	c.inboxMu.Unlock()
	return box
}

// unregisterInbox removes requestID's inbox and, if no inboxes remain,
// transitions the connection back to idle (spec §4.4 step 5).
func (c *Connection) unregisterInbox(requestID string) {
	c.inboxMu.Lock()
	delete(c.inboxes, requestID)
	remaining := len(c.inboxes)
	c.inboxMu.Unlock()

	if remaining == 0 {
		c.mu.Lock()
		c.evalState = StateIdle
		c.mu.Unlock()
	}
}

// ActiveInboxCount returns the number of currently registered inboxes.
func (c *Connection) ActiveInboxCount() int {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return len(c.inboxes)
}

// RouteToInbox delivers msg to the inbox registered for its request id,
// dropping it (non-blocking) if the inbox is full or absent. It reports
// whether a matching inbox was found.
func (c *Connection) RouteToInbox(msg wire.StreamMessage) bool {
	c.inboxMu.Lock()
	box, ok := c.inboxes[msg.RequestID]
	c.inboxMu.Unlock()
	if !ok {
		return false
	}
	select {
	case box <- msg:
	default:
		// inbox full: drop the chunk rather than block the drain loop.
	}
	return true
}

// BroadcastToActiveInboxes copies an untagged stdout/stderr message into
// every currently registered inbox on this connection (spec §4.5 step 3:
// the interpreter has one stdout, shared by every concurrent async caller).
func (c *Connection) BroadcastToActiveInboxes(msg wire.StreamMessage) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	for _, box := range c.inboxes {
		select {
		case box <- msg:
		default:
		}
	}
}

// TryRecvStream returns the next buffered frame on the subscribe socket
// without blocking, for connmanager's stream-drain loop.
func (c *Connection) TryRecvStream() (frame []byte, ok bool, err error) {
	return c.subSock.TryRecv()
}

// Close releases both sockets.
func (c *Connection) Close() error {
	subErr := c.subSock.Close()
	reqErr := c.reqSock.Close()
	if reqErr != nil {
		return reqErr
	}
	return subErr
}
