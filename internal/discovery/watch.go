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

package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/gatebroker/gatebroker/internal/log"
)

// Watcher supplements connmanager's 2-second poll with an fsnotify watch on
// the gate socket directory, so a new gate is usually seen immediately
// rather than waiting out the poll interval. A missed fsnotify event is not
// fatal: the next poll still catches it, so this is an optimization layered
// on top of Scan, never a replacement for it.
type Watcher struct {
	dir     string
	logger  log.Logger
	watcher *fsnotify.Watcher
	// Signal receives a value whenever a descriptor file is created or
	// removed in dir. It is buffered so a burst of fsnotify events never
	// blocks the watch loop; callers should treat it as a "re-scan now"
	// nudge, not an event stream.
	Signal chan struct{}
}

// NewWatcher starts watching dir for descriptor file create/remove events.
func NewWatcher(dir string, logger log.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("discovery: unable to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("discovery: unable to watch %q: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		logger:  logger,
		watcher: fw,
		Signal:  make(chan struct{}, 1),
	}, nil
}

// Run drains fsnotify events until ctx is canceled, nudging Signal whenever
// a descriptor (".json") file is created or removed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.nudge()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("discovery watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) nudge() {
	select {
	case w.Signal <- struct{}{}:
	default:
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
