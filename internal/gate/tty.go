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

import "github.com/gatebroker/gatebroker/internal/wire"

// ttyState records the controlling terminal a gate has handed its standard
// streams to, so restore_tty can undo exactly what set_tty did.
type ttyState struct {
	path           string
	savedStdinFd   int
	savedStdoutFd  int
	savedStderrFd  int
}

// handleSetTTY hands the gate's stdio off to an external terminal device, so
// a REPL-mirroring client can attach (spec §4.9, §4.10). Unix-only; see
// tty_windows.go for the unsupported stub.
func (g *Gate) handleSetTTY(req wire.SetTTYRequest) []byte {
	return g.setTTY(req)
}
