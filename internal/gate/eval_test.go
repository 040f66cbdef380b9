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
	"testing"

	"github.com/gatebroker/gatebroker/internal/wire"
)

func TestHandleEvalCapturesStdout(t *testing.T) {
	g := newTestGate(t, Options{})
	g.evaluator = &fakeEvaluator{valueRepr: "7", stdout: "printed\n"}

	reply := g.handleEval(context.Background(), wire.EvalRequest{Code: "3 + 4"})
	kind, body, err := wire.DecodeFrameType(reply)
	if err != nil || kind != wire.KindEvalResult {
		t.Fatalf("expected eval result, got kind=%q err=%v", kind, err)
	}
	var res wire.EvalResult
	if err := wire.DecodeBody(body, &res); err != nil {
		t.Fatalf("decode eval result: %v", err)
	}
	if res.ValueRepr != "7" {
		t.Fatalf("expected value_repr 7, got %q", res.ValueRepr)
	}
	if res.Stdout != "printed\n" {
		t.Fatalf("expected captured stdout %q, got %q", "printed\n", res.Stdout)
	}
}

func TestHandleEvalTransportErrorBecomesErrorReply(t *testing.T) {
	g := newTestGate(t, Options{})
	g.evaluator = &fakeEvaluator{err: fmt.Errorf("interpreter crashed")}

	reply := g.handleEval(context.Background(), wire.EvalRequest{Code: "boom"})
	kind, _, err := wire.DecodeFrameType(reply)
	if err != nil || kind != wire.KindErrorReply {
		t.Fatalf("expected error reply, got kind=%q err=%v", kind, err)
	}
}

func TestHandleEvalWithExceptionIsStillASuccessfulReply(t *testing.T) {
	g := newTestGate(t, Options{})
	g.evaluator = &fakeEvaluator{exception: &wire.EvalException{Message: "NameError: x is not defined"}}

	reply := g.handleEval(context.Background(), wire.EvalRequest{Code: "x"})
	kind, body, err := wire.DecodeFrameType(reply)
	if err != nil || kind != wire.KindEvalResult {
		t.Fatalf("a raised exception must still be an eval_result, got kind=%q err=%v", kind, err)
	}
	var res wire.EvalResult
	if err := wire.DecodeBody(body, &res); err != nil {
		t.Fatalf("decode eval result: %v", err)
	}
	if res.Exception == nil || res.Exception.Message != "NameError: x is not defined" {
		t.Fatalf("expected exception to survive the reply, got %+v", res.Exception)
	}
}
