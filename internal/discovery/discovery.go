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

// Package discovery scans the well-known gate socket directory, reaping
// descriptors for processes that no longer exist and surfacing new,
// not-yet-connected descriptors as candidates. It is consumed by
// internal/connmanager's watcher task, and supplemented by a directory watch
// (see watch.go) so discovery is not purely poll-driven.
package discovery

import (
	"fmt"

	"github.com/gatebroker/gatebroker/internal/gatefile"
)

// Scan reads every descriptor in dir, removes the ones whose process is no
// longer alive (descriptor file plus both companion sockets), and returns
// the descriptors for processes still alive, whether or not the caller
// already has connections for them; Candidates filters out the known ones.
func Scan(dir string) ([]gatefile.Descriptor, error) {
	descriptors, err := gatefile.List(dir)
	if err != nil {
		return nil, fmt.Errorf("discovery: unable to list %q: %w", dir, err)
	}

	alive := make([]gatefile.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if gatefile.IsAlive(d.Pid) {
			alive = append(alive, d)
			continue
		}
		if err := gatefile.Remove(dir, d.SessionID); err != nil {
			return nil, fmt.Errorf("discovery: unable to reap stale descriptor %q: %w", d.SessionID, err)
		}
	}
	return alive, nil
}

// Candidates filters the result of Scan down to descriptors whose session id
// is not already present in known.
func Candidates(descriptors []gatefile.Descriptor, known map[string]bool) []gatefile.Descriptor {
	out := make([]gatefile.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if !known[d.SessionID] {
			out = append(out, d)
		}
	}
	return out
}

// Bootstrap performs the one-time sweep spec'd for manager startup: reap
// stale descriptors via Scan, then remove any orphan socket files whose
// descriptor is entirely absent (e.g. left behind by a crash before the
// descriptor write completed, or after a manual delete of the .json file).
func Bootstrap(dir string) ([]gatefile.Descriptor, error) {
	alive, err := Scan(dir)
	if err != nil {
		return nil, err
	}
	if err := gatefile.ReapOrphanSockets(dir); err != nil {
		return nil, fmt.Errorf("discovery: unable to reap orphan sockets: %w", err)
	}
	return alive, nil
}
