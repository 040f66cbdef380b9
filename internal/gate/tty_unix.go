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
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/gatebroker/gatebroker/internal/wire"
)

// setTTY dup2's the gate's stdin/stdout/stderr onto the device at req.Path,
// saving the originals so restore_tty (an empty path) can put them back
// (spec §4.9's TTY handoff, Unix-only per Design Notes).
func (g *Gate) setTTY(req wire.SetTTYRequest) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Path == "" {
		if g.ttyHandoff == nil {
			reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: "no tty handoff is active"})
			return reply
		}
		if err := restoreStdio(g.ttyHandoff); err != nil {
			reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
			return reply
		}
		g.ttyHandoff = nil
		reply, _ := wire.EncodeFrame(wire.KindOk, wire.OkReply{})
		return reply
	}

	if g.ttyHandoff != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: "a tty handoff is already active"})
		return reply
	}

	tty, err := os.OpenFile(req.Path, os.O_RDWR, 0)
	if err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: fmt.Sprintf("unable to open %q: %v", req.Path, err)})
		return reply
	}
	defer tty.Close()

	state := &ttyState{
		path:          req.Path,
		savedStdinFd:  dupOrNegative(int(os.Stdin.Fd())),
		savedStdoutFd: dupOrNegative(int(os.Stdout.Fd())),
		savedStderrFd: dupOrNegative(int(os.Stderr.Fd())),
	}

	fd := int(tty.Fd())
	if err := unix.Dup2(fd, int(os.Stdin.Fd())); err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply
	}
	if err := unix.Dup2(fd, int(os.Stdout.Fd())); err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply
	}
	if err := unix.Dup2(fd, int(os.Stderr.Fd())); err != nil {
		reply, _ := wire.EncodeFrame(wire.KindErrorReply, wire.ErrorReply{Message: err.Error()})
		return reply
	}

	g.ttyHandoff = state
	reply, _ := wire.EncodeFrame(wire.KindOk, wire.OkReply{TTYPath: req.Path})
	return reply
}

func dupOrNegative(fd int) int {
	dup, err := unix.Dup(fd)
	if err != nil {
		return -1
	}
	return dup
}

func restoreStdio(state *ttyState) error {
	if state.savedStdinFd >= 0 {
		if err := unix.Dup2(state.savedStdinFd, int(os.Stdin.Fd())); err != nil {
			return err
		}
		_ = unix.Close(state.savedStdinFd)
	}
	if state.savedStdoutFd >= 0 {
		if err := unix.Dup2(state.savedStdoutFd, int(os.Stdout.Fd())); err != nil {
			return err
		}
		_ = unix.Close(state.savedStdoutFd)
	}
	if state.savedStderrFd >= 0 {
		if err := unix.Dup2(state.savedStderrFd, int(os.Stderr.Fd())); err != nil {
			return err
		}
		_ = unix.Close(state.savedStderrFd)
	}
	return nil
}
