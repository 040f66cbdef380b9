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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gatebroker/gatebroker/internal/wire"
)

// outputCapture redirects os.Stdout/os.Stderr into in-memory buffers for the
// duration of one eval, and optionally mirrors every write back to the
// process's real streams when REPL mirroring is enabled (spec §4.2's
// "mirror_repl" option). It is not safe for concurrent evals on the same
// gate, so both the synchronous and the asynchronous eval path hold
// asyncEvalMu (declared in gate.go) for the whole capture.
type outputCapture struct {
	origStdout, origStderr *os.File
	stdoutW, stderrW       *os.File
	stdoutR, stderrR       *os.File
	mirror                 bool
	done                   chan struct{}
	outBuf, errBuf         bytes.Buffer
}

func startOutputCapture(mirror bool) (*outputCapture, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("gate: unable to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("gate: unable to create stderr pipe: %w", err)
	}

	oc := &outputCapture{
		origStdout: os.Stdout,
		origStderr: os.Stderr,
		stdoutW:    outW,
		stderrW:    errW,
		stdoutR:    outR,
		stderrR:    errR,
		mirror:     mirror,
		done:       make(chan struct{}),
	}

	os.Stdout = outW
	os.Stderr = errW

	go oc.pump()
	return oc, nil
}

func (oc *outputCapture) pump() {
	defer close(oc.done)
	var outDone, errDone = make(chan struct{}), make(chan struct{})
	go func() {
		defer close(outDone)
		oc.copyStream(oc.stdoutR, &oc.outBuf, oc.origStdout)
	}()
	go func() {
		defer close(errDone)
		oc.copyStream(oc.stderrR, &oc.errBuf, oc.origStderr)
	}()
	<-outDone
	<-errDone
}

func (oc *outputCapture) copyStream(r io.Reader, buf *bytes.Buffer, mirrorTo *os.File) {
	var dst io.Writer = buf
	if oc.mirror {
		dst = io.MultiWriter(buf, mirrorTo)
	}
	_, _ = io.Copy(dst, r)
}

// stop restores the original streams and waits for the capture goroutines to
// drain, returning everything captured.
func (oc *outputCapture) stop() (stdout, stderr string) {
	os.Stdout = oc.origStdout
	os.Stderr = oc.origStderr
	_ = oc.stdoutW.Close()
	_ = oc.stderrW.Close()
	<-oc.done
	_ = oc.stdoutR.Close()
	_ = oc.stderrR.Close()
	return oc.outBuf.String(), oc.errBuf.String()
}

// handleEval runs one synchronous eval_remote request to completion and
// returns its result as the reply body (spec §4.2, §4.4).
func (g *Gate) handleEval(ctx context.Context, req wire.EvalRequest) []byte {
	g.asyncEvalMu.Lock()
	defer g.asyncEvalMu.Unlock()

	g.mu.Lock()
	mirror := g.mirrorRepl
	g.mu.Unlock()

	oc, err := startOutputCapture(mirror)
	if err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply
	}

	valueRepr, exception, evalErr := g.evaluator.Eval(ctx, req.Code)
	stdout, stderr := oc.stop()

	if evalErr != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: evalErr.Error()})
		return reply
	}

	result := wire.EvalResult{Stdout: stdout, Stderr: stderr, ValueRepr: valueRepr, Exception: exception}
	reply, _ := wire.EncodeFrame(wire.KindEvalResult, result)
	return reply
}

// handleEvalAsync acknowledges an eval_remote_async request immediately and
// runs the eval on a background goroutine, publishing its terminal result on
// the stream socket when it completes (spec §4.4 asynchronous ops).
func (g *Gate) handleEvalAsync(req wire.EvalAsyncRequest) (reply []byte, stop bool) {
	g.asyncWG.Add(1)
	go func() {
		defer g.asyncWG.Done()
		g.asyncEvalMu.Lock()
		defer g.asyncEvalMu.Unlock()

		g.mu.Lock()
		mirror := g.mirrorRepl
		g.mu.Unlock()

		oc, err := startOutputCapture(mirror)
		if err != nil {
			g.publishStream(wire.StreamMessage{Channel: wire.ChannelEvalError, RequestID: req.RequestID, Text: err.Error()})
			return
		}

		valueRepr, exception, evalErr := g.evaluator.Eval(context.Background(), req.Code)
		stdout, stderr := oc.stop()

		if evalErr != nil {
			g.publishStream(wire.StreamMessage{Channel: wire.ChannelEvalError, RequestID: req.RequestID, Text: evalErr.Error()})
			return
		}

		binary, err := wire.EncodeEvalResult(wire.EvalResult{Stdout: stdout, Stderr: stderr, ValueRepr: valueRepr, Exception: exception})
		if err != nil {
			g.publishStream(wire.StreamMessage{Channel: wire.ChannelEvalError, RequestID: req.RequestID, Text: err.Error()})
			return
		}
		g.publishStream(wire.StreamMessage{Channel: wire.ChannelEvalComplete, RequestID: req.RequestID, Binary: binary})
	}()

	reply, _ = wire.EncodeFrame(wire.KindAccepted, wire.AcceptedReply{RequestID: req.RequestID})
	return reply, false
}
