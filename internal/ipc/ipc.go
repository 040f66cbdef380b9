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

// Package ipc wraps the request/reply and publish/subscribe socket pair
// that connects a broker to a gate. It is a thin layer over zmq4: the only
// behavior it adds is the receive-timeout emulation and the
// close-and-recreate recovery the request socket needs, since the
// request/reply pattern here (like real ZeroMQ REQ sockets) enters an
// unusable state once a send has gone out and the matching receive never
// arrives.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ErrTimeout is returned by RequestSocket.Call when the reply does not
// arrive within the supplied deadline. The caller MUST treat the socket as
// unusable after this error and call Recreate before issuing another call.
var ErrTimeout = fmt.Errorf("ipc: receive timed out")

// RequestSocket is the broker-side half of the request/reply pair dialed
// against one gate. Every exchange is send-then-recv; concurrent use is the
// caller's responsibility to serialize (internal/connection does this with
// its request mutex).
type RequestSocket struct {
	endpoint string
	dialTO   time.Duration

	mu   sync.Mutex
	sock zmq4.Socket
}

// DialRequestSocket opens a REQ socket against endpoint with linger 0, so a
// Close never blocks waiting for in-flight frames to drain.
func DialRequestSocket(ctx context.Context, endpoint string, dialTimeout time.Duration) (*RequestSocket, error) {
	rs := &RequestSocket{endpoint: endpoint, dialTO: dialTimeout}
	if err := rs.dial(ctx); err != nil {
		return nil, err
	}
	return rs, nil
}

func (r *RequestSocket) dial(ctx context.Context) error {
	sock := zmq4.NewReq(ctx, zmq4.WithDialerRetry(r.dialTO), zmq4.WithTimeout(r.dialTO))
	if err := sock.SetOption(zmq4.OptionLinger, time.Duration(0)); err != nil {
		_ = sock.Close()
		return fmt.Errorf("ipc: unable to set linger: %w", err)
	}
	if err := sock.Dial(r.endpoint); err != nil {
		_ = sock.Close()
		return fmt.Errorf("ipc: unable to dial %q: %w", r.endpoint, err)
	}
	r.mu.Lock()
	r.sock = sock
	r.mu.Unlock()
	return nil
}

// Call sends a single frame, bounded by sendTimeout, then waits up to
// recvTimeout for the matching reply. On ErrTimeout (from either half) the
// request socket is left in the poisoned state the request/reply pattern is
// known for (spec §4.4); the caller must call Recreate before issuing
// another Call.
func (r *RequestSocket) Call(frame []byte, sendTimeout, recvTimeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	sock := r.sock
	r.mu.Unlock()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sock.Send(zmq4.NewMsg(frame))
	}()

	select {
	case err := <-sendErr:
		if err != nil {
			return nil, fmt.Errorf("ipc: send failed: %w", err)
		}
	case <-time.After(sendTimeout):
		return nil, ErrTimeout
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := sock.Recv()
		done <- result{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("ipc: recv failed: %w", res.err)
		}
		return res.msg.Bytes(), nil
	case <-time.After(recvTimeout):
		return nil, ErrTimeout
	}
}

// Recreate closes the current socket (ignoring close errors, since the
// socket may already be wedged) and dials a fresh one against the same
// endpoint, reusing the caller-supplied context's deadline semantics for the
// zmq4 context that owns the socket's internal goroutines.
func (r *RequestSocket) Recreate(ctx context.Context) error {
	r.mu.Lock()
	old := r.sock
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return r.dial(ctx)
}

// Close releases the request socket.
func (r *RequestSocket) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sock == nil {
		return nil
	}
	err := r.sock.Close()
	r.sock = nil
	return err
}

// SubscribeSocket is the broker-side half of the publish/subscribe pair. It
// is read non-blockingly by the connection manager's stream-drain entry
// point, so TryRecv never waits for a message that isn't already buffered.
type SubscribeSocket struct {
	sock zmq4.Socket
}

// DialSubscribeSocket opens a SUB socket against endpoint, subscribed to all
// topics, with linger 0.
func DialSubscribeSocket(ctx context.Context, endpoint string) (*SubscribeSocket, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.SetOption(zmq4.OptionLinger, time.Duration(0)); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: unable to set linger: %w", err)
	}
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: unable to dial %q: %w", endpoint, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("ipc: unable to subscribe: %w", err)
	}
	return &SubscribeSocket{sock: sock}, nil
}

// TryRecv returns the next buffered frame without blocking, or ok=false if
// none is currently available.
func (s *SubscribeSocket) TryRecv() (frame []byte, ok bool, err error) {
	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.sock.Recv()
		done <- result{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, false, fmt.Errorf("ipc: recv failed: %w", res.err)
		}
		return res.msg.Bytes(), true, nil
	default:
		return nil, false, nil
	}
}

// Close releases the subscribe socket.
func (s *SubscribeSocket) Close() error {
	return s.sock.Close()
}

// GateTransport is the interpreter-side half: a bound REP socket and a bound
// PUB socket, owned by one gate.
type GateTransport struct {
	Rep zmq4.Socket
	Pub zmq4.Socket
}

// BindGateTransport binds the two sockets a gate exposes, at the endpoints
// named in its descriptor file.
func BindGateTransport(ctx context.Context, endpoint, streamEndpoint string) (*GateTransport, error) {
	rep := zmq4.NewRep(ctx)
	if err := rep.SetOption(zmq4.OptionLinger, time.Duration(0)); err != nil {
		_ = rep.Close()
		return nil, fmt.Errorf("ipc: unable to set linger on rep socket: %w", err)
	}
	if err := rep.Listen(endpoint); err != nil {
		_ = rep.Close()
		return nil, fmt.Errorf("ipc: unable to bind rep socket %q: %w", endpoint, err)
	}

	pub := zmq4.NewPub(ctx)
	if err := pub.SetOption(zmq4.OptionLinger, time.Duration(0)); err != nil {
		_ = rep.Close()
		_ = pub.Close()
		return nil, fmt.Errorf("ipc: unable to set linger on pub socket: %w", err)
	}
	if err := pub.Listen(streamEndpoint); err != nil {
		_ = rep.Close()
		_ = pub.Close()
		return nil, fmt.Errorf("ipc: unable to bind pub socket %q: %w", streamEndpoint, err)
	}

	return &GateTransport{Rep: rep, Pub: pub}, nil
}

// RecvRequest blocks for up to timeout for the next request frame, so the
// gate's cooperative loop can observe its shutdown flag between reads (spec
// §4.2: "reads with a 1-second receive timeout so the shutdown flag is
// observed").
func (t *GateTransport) RecvRequest(timeout time.Duration) ([]byte, error) {
	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := t.Rep.Recv()
		done <- result{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("ipc: recv failed: %w", res.err)
		}
		return res.msg.Bytes(), nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// SendReply replies on the rep socket to the request most recently received.
func (t *GateTransport) SendReply(frame []byte) error {
	if err := t.Rep.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("ipc: send reply failed: %w", err)
	}
	return nil
}

// Publish broadcasts a frame to every subscriber.
func (t *GateTransport) Publish(frame []byte) error {
	if err := t.Pub.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("ipc: publish failed: %w", err)
	}
	return nil
}

// Close releases both sockets.
func (t *GateTransport) Close() error {
	repErr := t.Rep.Close()
	pubErr := t.Pub.Close()
	if repErr != nil {
		return repErr
	}
	return pubErr
}
