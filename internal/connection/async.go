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
	"fmt"
	"time"

	"github.com/gatebroker/gatebroker/internal/ipc"
	"github.com/gatebroker/gatebroker/internal/wire"
)

// ProgressFunc receives streamed stdout/stderr/tool_progress text while an
// asynchronous operation is in flight.
type ProgressFunc func(channel, text string)

// EvalRemoteAsync runs spec §4.4's asynchronous eval protocol: register an
// inbox, send eval_async, wait for the accepted ack, then poll the inbox
// until a terminal eval_complete/eval_error arrives or deadline elapses.
func (c *Connection) EvalRemoteAsync(ctx context.Context, code, displayCode string, deadline time.Duration, progress ProgressFunc) (wire.EvalResult, error) {
	requestID, err := newRequestID()
	if err != nil {
		return wire.EvalResult{}, err
	}
	box := c.registerInbox(requestID)
	defer c.unregisterInbox(requestID)

	frame, err := wire.EncodeFrame(wire.KindEvalAsync, wire.EvalAsyncRequest{Code: code, DisplayCode: displayCode, RequestID: requestID})
	if err != nil {
		return wire.EvalResult{}, err
	}

	c.mu.Lock()
	c.evalState = StateStreaming
	c.mu.Unlock()

	if err := c.sendAndAwaitAccepted(ctx, frame, requestID); err != nil {
		return wire.EvalResult{}, err
	}

	return c.awaitEvalTerminal(ctx, box, deadline, progress)
}

// CallSessionToolAsync runs spec §4.4's asynchronous tool-call protocol.
func (c *Connection) CallSessionToolAsync(ctx context.Context, name string, arguments map[string]interface{}, deadline time.Duration, progress ProgressFunc) (wire.ToolResult, error) {
	requestID, err := newRequestID()
	if err != nil {
		return wire.ToolResult{}, err
	}
	box := c.registerInbox(requestID)
	defer c.unregisterInbox(requestID)

	frame, err := wire.EncodeFrame(wire.KindToolCallAsync, wire.ToolCallAsyncRequest{Name: name, Arguments: arguments, RequestID: requestID})
	if err != nil {
		return wire.ToolResult{}, err
	}

	c.mu.Lock()
	c.evalState = StateStreaming
	c.toolCalls++
	c.mu.Unlock()

	if err := c.sendAndAwaitAccepted(ctx, frame, requestID); err != nil {
		return wire.ToolResult{}, err
	}

	return c.awaitToolTerminal(ctx, box, deadline, progress)
}

// sendAndAwaitAccepted holds the request mutex only for the brief
// send+ack handshake (spec §4.4: "the request mutex is never held while
// waiting on an inbox").
func (c *Connection) sendAndAwaitAccepted(ctx context.Context, frame []byte, requestID string) error {
	replyFrame, err := c.call(ctx, frame)
	if err != nil {
		if err != ipc.ErrTimeout {
			c.SetStatus(StatusDisconnected)
		}
		return err
	}
	kind, body, err := wire.DecodeFrameType(replyFrame)
	if err != nil {
		return err
	}
	if kind == wire.KindErrorReply {
		var errReply wire.ErrorReply
		_ = wire.DecodeBody(body, &errReply)
		return fmt.Errorf("connection: request refused: %s", errReply.Message)
	}
	var accepted wire.AcceptedReply
	if err := wire.DecodeBody(body, &accepted); err != nil {
		return err
	}
	if accepted.RequestID != requestID {
		return fmt.Errorf("connection: accepted reply carried mismatched request id %q", accepted.RequestID)
	}
	return nil
}

func (c *Connection) awaitEvalTerminal(ctx context.Context, box inbox, deadline time.Duration, progress ProgressFunc) (wire.EvalResult, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case msg := <-box:
			switch msg.Channel {
			case wire.ChannelStdout, wire.ChannelStderr:
				if progress != nil {
					progress(msg.Channel, msg.Text)
				}
			case wire.ChannelEvalComplete:
				return msg.DecodeEvalResult()
			case wire.ChannelEvalError:
				result, err := msg.DecodeEvalResult()
				if err != nil {
					return wire.EvalResult{}, fmt.Errorf("connection: eval failed: %s", msg.Text)
				}
				return result, nil
			}
		case <-timer.C:
			return wire.EvalResult{}, fmt.Errorf("connection: async eval timed out")
		case <-ctx.Done():
			return wire.EvalResult{}, ctx.Err()
		}
	}
}

func (c *Connection) awaitToolTerminal(ctx context.Context, box inbox, deadline time.Duration, progress ProgressFunc) (wire.ToolResult, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case msg := <-box:
			switch msg.Channel {
			case wire.ChannelStdout, wire.ChannelStderr, wire.ChannelToolProgress:
				if progress != nil {
					progress(msg.Channel, msg.Text)
				}
			case wire.ChannelToolComplete:
				return msg.DecodeToolResult()
			case wire.ChannelToolError:
				return wire.ToolResult{}, fmt.Errorf("connection: tool call failed: %s", msg.Text)
			}
		case <-timer.C:
			return wire.ToolResult{}, fmt.Errorf("connection: async tool call timed out")
		case <-ctx.Done():
			return wire.ToolResult{}, ctx.Err()
		}
	}
}
