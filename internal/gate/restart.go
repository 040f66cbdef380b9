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

// handleRestart replaces the current process image in place, preserving
// sessionID across the exec so the new process writes the same descriptor
// file and the broker's connection can resume against it after a brief
// reconnect window (spec §4.10). If AllowRestart is false, it refuses.
func (g *Gate) handleRestart() (reply []byte, stop bool) {
	if !g.opts.AllowRestart {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: "restart is not permitted for this gate"})
		return reply, false
	}

	reply, _ = wire.EncodeFrame(wire.KindOk, wire.OkReply{})
	if err := g.transport.SendReply(reply); err != nil {
		return nil, true
	}

	g.execRestart()
	// execRestart only returns on failure; either way the loop must stop.
	return nil, true
}
