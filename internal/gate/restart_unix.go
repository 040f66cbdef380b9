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

//go:build !windows

package gate

import (
	"os"

	"golang.org/x/sys/unix"
)

// execRestart replaces the process image via execve, keeping the same pid
// and environment so the descriptor file's pid field stays valid and the
// gate reopens with the same session id the caller supplied (spec §4.10).
func (g *Gate) execRestart() {
	_ = g.transport.Close()
	_ = os.Setenv("GATEBROKER_RESTART_SESSION_ID", g.sessionID)

	_ = unix.Exec(os.Args[0], os.Args, os.Environ())
	// Exec only returns on error; the caller has already committed to
	// stopping the request loop, so there is nothing left to do but let the
	// process exit via its normal shutdown path.
}
