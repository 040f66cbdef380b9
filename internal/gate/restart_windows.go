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

import "os"

// execRestart has no in-place process-image replacement on Windows; the gate
// simply exits and relies on the hosting process's own supervisor to start a
// fresh one, which will mint a new session id rather than resuming this one.
func (g *Gate) execRestart() {
	_ = g.transport.Close()
	os.Exit(0)
}
