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

//go:build windows

package gate

import "github.com/gatebroker/gatebroker/internal/wire"

// setTTY is unsupported on Windows: there is no POSIX dup2-equivalent
// terminal handoff, and the broker does not offer mirrored REPL sessions to
// Windows-hosted gates (Design Notes, Non-goals).
func (g *Gate) setTTY(req wire.SetTTYRequest) []byte {
	reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: "tty handoff is not supported on this platform"})
	return reply
}
