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

// Package connmanager owns every connection's lifecycle: a watcher task
// that discovers new gates, a health-check task that pings existing
// connections and synchronizes their tool catalogs into the registry, and a
// stream-drain entry point an external consumer calls on every tick to pump
// publish-socket traffic into the right inboxes. See Design Notes §9: tasks
// are plain goroutines gated by an atomic running flag, not a persistent
// task-reference union.
package connmanager

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatebroker/gatebroker/internal/connection"
	"github.com/gatebroker/gatebroker/internal/discovery"
	"github.com/gatebroker/gatebroker/internal/gatefile"
	"github.com/gatebroker/gatebroker/internal/log"
	"github.com/gatebroker/gatebroker/internal/registry"
	"github.com/gatebroker/gatebroker/internal/wire"
)

const (
	watchInterval  = 2 * time.Second
	healthInterval = 5 * time.Second
	pingTimeout    = 2 * time.Second
)

// ChangeFunc is invoked whenever the set of connections or their tool
// catalogs changes, so a consumer (the dispatcher, a UI) can push
// list-changed notifications.
type ChangeFunc func()

// Manager owns every connection to every discovered gate.
type Manager struct {
	dir      string
	logger   log.Logger
	registry *registry.Registry

	mu          sync.Mutex
	connections map[string]*connection.Connection
	namespaces  map[string]string // namespace -> session id currently using it

	changeMu sync.Mutex
	onChange []ChangeFunc

	persistedMirror bool

	watcher *discovery.Watcher

	running int32
	wg      sync.WaitGroup
}

// New constructs a manager rooted at dir. It does not start the background
// tasks; call Run for that.
func New(dir string, reg *registry.Registry, logger log.Logger, persistedMirror bool) *Manager {
	return &Manager{
		dir:             dir,
		logger:          logger,
		registry:        reg,
		connections:     make(map[string]*connection.Connection),
		namespaces:      make(map[string]string),
		persistedMirror: persistedMirror,
	}
}

// OnChange registers a callback fired after connections are added, removed,
// or a catalog changes.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.changeMu.Lock()
	m.onChange = append(m.onChange, fn)
	m.changeMu.Unlock()
}

func (m *Manager) fireChange() {
	m.changeMu.Lock()
	callbacks := append([]ChangeFunc(nil), m.onChange...)
	m.changeMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Run performs the one-time startup sweep and launches the watcher and
// health-checker background tasks. It returns once both goroutines have
// been started; call Shutdown to stop them.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := discovery.Bootstrap(m.dir); err != nil {
		return fmt.Errorf("connmanager: startup sweep failed: %w", err)
	}

	watcher, err := discovery.NewWatcher(m.dir, m.logger)
	if err != nil {
		m.logger.Warn("discovery watch unavailable, falling back to poll-only", "error", err)
	} else {
		m.watcher = watcher
	}

	atomic.StoreInt32(&m.running, 1)

	m.wg.Add(2)
	go m.watchLoop(ctx)
	go m.healthLoop(ctx)
	if m.watcher != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watcher.Run(ctx)
		}()
	}

	return nil
}

func (m *Manager) isRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var signal <-chan struct{}
	if m.watcher != nil {
		signal = m.watcher.Signal
	}

	for m.isRunning() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runWatchTick(ctx)
		case <-signal:
			m.runWatchTick(ctx)
		}
	}
}

func (m *Manager) runWatchTick(ctx context.Context) {
	descriptors, err := discovery.Scan(m.dir)
	if err != nil {
		m.logger.Warn("discovery scan failed", "error", err)
		return
	}

	m.mu.Lock()
	known := make(map[string]bool, len(m.connections))
	for id := range m.connections {
		known[id] = true
	}
	m.mu.Unlock()

	candidates := discovery.Candidates(descriptors, known)
	if len(candidates) == 0 {
		return
	}

	added := false
	for _, d := range candidates {
		conn, err := connection.Connect(ctx, d, m.persistedMirror)
		if err != nil {
			m.logger.Warn("unable to connect to gate", "session_id", d.SessionID, "error", err)
			continue
		}
		m.mu.Lock()
		m.connections[d.SessionID] = conn
		m.mu.Unlock()
		added = true
	}

	if added {
		m.fireChange()
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for m.isRunning() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthTick(ctx)
		}
	}
}

// snapshot copies the connections map outside the lock so pinging each
// connection never blocks a consumer that holds m.mu (spec §4.5).
func (m *Manager) snapshot() map[string]*connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*connection.Connection, len(m.connections))
	for id, c := range m.connections {
		out[id] = c
	}
	return out
}

func (m *Manager) runHealthTick(ctx context.Context) {
	changed := false
	var toRemove []string

	for sessionID, conn := range m.snapshot() {
		switch conn.Status() {
		case connection.StatusConnected:
			if conn.EvalState() != connection.StateIdle {
				// the socket is busy streaming; skip this tick's real ping.
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			pong, err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.SetStatus(connection.StatusDisconnected)
				if _, statErr := gatefile.Read(gatefile.Path(m.dir, sessionID)); statErr != nil {
					toRemove = append(toRemove, sessionID)
				}
				continue
			}
			if m.syncCatalog(sessionID, conn, pong) {
				changed = true
			}
		case connection.StatusDisconnected:
			if d, err := gatefile.Read(gatefile.Path(m.dir, sessionID)); err == nil {
				if reconnected, rerr := connection.Connect(ctx, d, m.persistedMirror); rerr == nil {
					m.mu.Lock()
					m.connections[sessionID] = reconnected
					m.mu.Unlock()
					changed = true
				}
			} else {
				toRemove = append(toRemove, sessionID)
			}
		}
	}

	if len(toRemove) > 0 {
		m.mu.Lock()
		for _, id := range toRemove {
			if conn, ok := m.connections[id]; ok {
				_ = conn.Close()
				m.registry.UnregisterNamespace(m.namespaces[id])
				delete(m.namespaces, id)
				delete(m.connections, id)
			}
		}
		m.mu.Unlock()
		changed = true
	}

	if changed {
		m.fireChange()
	}
}

// syncCatalog hashes the reported tool catalog and, if it changed,
// re-registers it under a freshly resolved namespace (spec §4.5).
func (m *Manager) syncCatalog(sessionID string, conn *connection.Connection, pong wire.PongReply) bool {
	hash := hashCatalog(pong.Tools)
	if hash == conn.CatalogHash {
		return false
	}

	m.mu.Lock()
	oldNamespace := m.namespaces[sessionID]
	used := make(map[string]bool, len(m.namespaces))
	for id, ns := range m.namespaces {
		if id != sessionID {
			used[ns] = true
		}
	}
	newNamespace := resolveNamespace(conn.Namespace, used)
	m.namespaces[sessionID] = newNamespace
	m.mu.Unlock()

	if oldNamespace != "" {
		m.registry.UnregisterNamespace(oldNamespace)
	}
	m.registry.RegisterSessionTools(newNamespace, pong.Tools)

	conn.Catalog = pong.Tools
	conn.CatalogHash = hash
	conn.NamespacePfx = newNamespace
	return true
}

// resolveNamespace is a pure function: append _2, _3, ... on collision
// against the set of namespaces already in use by other connections (spec
// §4.5, tested directly per spec §8).
func resolveNamespace(base string, used map[string]bool) string {
	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !used[candidate] {
			return candidate
		}
	}
}

// hashCatalog produces a stable string hash of a tool catalog for change
// detection, independent of the order the gate reports tools in.
func hashCatalog(tools []wire.ToolDescriptor) string {
	names := make([]string, 0, len(tools))
	descByName := make(map[string]wire.ToolDescriptor, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
		descByName[t.Name] = t
	}
	sort.Strings(names)

	var b []byte
	for _, name := range names {
		t := descByName[name]
		b = append(b, []byte(t.Name)...)
		b = append(b, ':')
		b = append(b, []byte(t.Description)...)
		for _, arg := range t.Arguments {
			b = append(b, []byte(arg.Name)...)
			b = append(b, byte(arg.Type.Kind[0]))
		}
		b = append(b, '|')
	}
	h := fnv.New64a()
	h.Write(b)
	return fmt.Sprintf("%x", h.Sum64())
}

// List returns a snapshot of every live connection, for resource listing
// and session/info reporting. Callers must not mutate the returned slice's
// connections concurrently with manager operations beyond the public
// Connection API.
func (m *Manager) List() []*connection.Connection {
	snap := m.snapshot()
	out := make([]*connection.Connection, 0, len(snap))
	for _, conn := range snap {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortKey < out[j].ShortKey })
	return out
}

// ConnectionByShortKey resolves a repl://<short-key> resource URI to its
// connection.
func (m *Manager) ConnectionByShortKey(shortKey string) (*connection.Connection, bool) {
	for _, conn := range m.snapshot() {
		if conn.ShortKey == shortKey {
			return conn, true
		}
	}
	return nil, false
}

// ConnectionByNamespace resolves the namespace prefix a session-tool
// registry entry was registered under back to the connection that owns it,
// so a namespaced tools/call can be routed to the right gate.
func (m *Manager) ConnectionByNamespace(namespace string) (*connection.Connection, bool) {
	for _, conn := range m.snapshot() {
		if conn.NamespacePfx == namespace {
			return conn, true
		}
	}
	return nil, false
}

// DrainStreamMessages exhausts every connection's non-blocking subscribe
// socket, routing tagged messages to their matching inbox and returning
// everything else to the caller, tagged with the originating connection's
// display name (spec §4.5's drain_stream_messages).
type DrainedMessage struct {
	ConnectionDisplayName string
	Message               wire.StreamMessage
}

func (m *Manager) DrainStreamMessages() ([]DrainedMessage, error) {
	var out []DrainedMessage

	for _, conn := range m.snapshot() {
		for {
			frame, ok, err := conn.TryRecvStream()
			if err != nil {
				m.logger.Warn("stream drain failed", "error", err)
				break
			}
			if !ok {
				break
			}
			_, body, err := wire.DecodeFrameType(frame)
			if err != nil {
				continue
			}
			var msg wire.StreamMessage
			if err := wire.DecodeBody(body, &msg); err != nil {
				continue
			}

			if msg.RequestID != "" && conn.RouteToInbox(msg) {
				continue
			}

			if (msg.Channel == wire.ChannelStdout || msg.Channel == wire.ChannelStderr) && conn.EvalState() == connection.StateStreaming {
				conn.BroadcastToActiveInboxes(msg)
			}

			out = append(out, DrainedMessage{ConnectionDisplayName: conn.DisplayName, Message: msg})
		}
	}

	return out, nil
}

// Shutdown flips the running flag, disconnects every connection, and waits
// for both background tasks to exit.
func (m *Manager) Shutdown() {
	atomic.StoreInt32(&m.running, 0)
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.connections {
		_ = conn.Close()
		m.registry.UnregisterNamespace(m.namespaces[id])
	}
	m.connections = make(map[string]*connection.Connection)
	m.namespaces = make(map[string]string)
}
