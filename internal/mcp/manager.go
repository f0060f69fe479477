// Package mcp manages connections to MCP tool servers and executes tool
// calls over them. Connections are cached per server type and configuration
// fingerprint, so repeated rounds against the same server reuse one
// subprocess instead of spawning a fresh one per call.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/proto"
	"github.com/dotcommander/relay/internal/storage"
)

// State of a managed connection.
type State int32

// Connection lifecycle states.
const (
	StateConnecting State = iota
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Key identifies one cached connection: the configured server name plus a
// fingerprint of its configuration, so a config change dials a fresh
// connection instead of reusing a stale one.
type Key struct {
	ServerType  string
	Fingerprint string
}

func (k Key) String() string {
	return k.ServerType + "_" + k.Fingerprint
}

// Conn is one live tool-server session plus its cached tool listing.
type Conn struct {
	key     Key
	state   atomic.Int32
	session Session
	tools   []proto.ToolDescriptor

	// mu serializes tool calls; the underlying transport is a single
	// subprocess pipe or network session.
	mu        sync.Mutex
	closeOnce sync.Once
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Key returns the cache key the connection is stored under.
func (c *Conn) Key() Key {
	return c.key
}

// Tools returns a copy of the server's advertised tool descriptors, captured
// at connect time.
func (c *Conn) Tools() []proto.ToolDescriptor {
	return slices.Clone(c.tools)
}

// close tears the session down. Safe to call more than once and concurrently
// with in-flight calls; those fail and are normalized by the executor.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.session != nil {
			c.session.Close() //nolint:errcheck,gosec
		}
	})
}

// Manager owns at most one live connection per key. Lookups for a ready
// connection are lock-cheap; concurrent first lookups for the same key are
// collapsed into a single dial.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	connect Connector

	mu    sync.Mutex
	conns map[Key]*Conn
	group singleflight.Group
}

// New creates a Manager over the configured servers. A custom Connector may
// be passed for tests; the default dials real MCP clients.
func New(cfg *config.Config, logger *slog.Logger, connectors ...Connector) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		connect: newConnector(cfg),
		conns:   map[Key]*Conn{},
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, c := range connectors {
		if c != nil {
			m.connect = c
		}
	}
	return m
}

// IsEnabled reports whether the named server is enabled.
func (m *Manager) IsEnabled(name string) bool {
	return !slices.Contains(m.cfg.MCPDisable, "*") &&
		!slices.Contains(m.cfg.MCPDisable, name)
}

// EnabledServers iterates enabled server configurations in stable order.
func (m *Manager) EnabledServers() iter.Seq2[string, config.MCPServerConfig] {
	return func(yield func(string, config.MCPServerConfig) bool) {
		names := slices.Collect(maps.Keys(m.cfg.MCPServers))
		slices.Sort(names)
		for _, name := range names {
			if !m.IsEnabled(name) {
				continue
			}
			if !yield(name, m.cfg.MCPServers[name]) {
				return
			}
		}
	}
}

// Servers returns the names of all enabled servers in stable order.
func (m *Manager) Servers() []string {
	var names []string
	for name := range m.EnabledServers() {
		names = append(names, name)
	}
	return names
}

// GetOrCreate returns the live connection for the named server, dialing one
// if none exists. Concurrent callers for the same key share a single dial;
// failed dials are not cached, so the next caller retries.
func (m *Manager) GetOrCreate(ctx context.Context, serverType string) (*Conn, error) {
	server, ok := m.cfg.MCPServers[serverType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverType)
	}
	if !m.IsEnabled(serverType) {
		return nil, fmt.Errorf("%w: %q", ErrServerDisabled, serverType)
	}
	key := Key{ServerType: serverType, Fingerprint: storage.Fingerprint(server)}

	if conn := m.lookup(key); conn != nil {
		return conn, nil
	}

	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		if conn := m.lookup(key); conn != nil {
			return conn, nil
		}
		conn, err := m.dial(ctx, key, server)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.conns[key] = conn
		m.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

func (m *Manager) lookup(key Key) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[key]; ok && conn.State() == StateReady {
		return conn
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, key Key, server config.MCPServerConfig) (*Conn, error) {
	conn := &Conn{key: key}
	conn.state.Store(int32(StateConnecting))

	start := time.Now()
	session, tools, err := m.connect(ctx, key.ServerType, server, m.cfg.MCPConnectTimeout)
	if err != nil {
		conn.state.Store(int32(StateFailed))
		m.logger.Warn("mcp connect failed", "server", key.ServerType, "error", err)
		return nil, err
	}
	conn.session = session
	conn.tools = convertTools(tools)
	conn.state.Store(int32(StateReady))
	m.logger.Info("mcp connected",
		"server", key.ServerType,
		"tools", len(conn.tools),
		"took", time.Since(start).Round(time.Millisecond))
	return conn, nil
}

// ListTools returns the named server's tool descriptors, connecting first if
// needed.
func (m *Manager) ListTools(ctx context.Context, serverType string) ([]proto.ToolDescriptor, error) {
	conn, err := m.GetOrCreate(ctx, serverType)
	if err != nil {
		return nil, err
	}
	return conn.Tools(), nil
}

// Tools returns tool descriptors for every enabled server, keyed by server
// name.
func (m *Manager) Tools(ctx context.Context) (map[string][]proto.ToolDescriptor, error) {
	var mu sync.Mutex
	var wg errgroup.Group
	result := map[string][]proto.ToolDescriptor{}
	for sname := range m.EnabledServers() {
		wg.Go(func() error {
			serverTools, err := m.ListTools(ctx, sname)
			var ce *ConnectError
			if errors.As(err, &ce) && ce.Timeout() {
				return errs.Wrap(
					fmt.Errorf("timeout while listing tools for %q - make sure the configuration is correct. If your server requires a docker container, make sure it's running", sname),
					"Could not list tools",
				)
			}
			if err != nil {
				return errs.Wrap(err, "Could not list tools")
			}
			mu.Lock()
			result[sname] = append(result[sname], serverTools...)
			mu.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, fmt.Errorf("mcp tools: %w", err)
	}
	return result, nil
}

// Connected reports whether a ready connection currently exists for the
// named server under its present configuration.
func (m *Manager) Connected(serverType string) bool {
	server, ok := m.cfg.MCPServers[serverType]
	if !ok {
		return false
	}
	return m.lookup(Key{ServerType: serverType, Fingerprint: storage.Fingerprint(server)}) != nil
}

// Cleanup tears down every connection for the named server. Absent
// connections are a no-op, so cleanup is idempotent.
func (m *Manager) Cleanup(serverType string) {
	m.close(func(key Key) bool { return key.ServerType == serverType })
}

// CleanupAll tears down every managed connection.
func (m *Manager) CleanupAll() {
	m.close(func(Key) bool { return true })
}

func (m *Manager) close(match func(Key) bool) {
	m.mu.Lock()
	var victims []*Conn
	for key, conn := range m.conns {
		if match(key) {
			victims = append(victims, conn)
			delete(m.conns, key)
		}
	}
	m.mu.Unlock()

	for _, conn := range victims {
		conn.close()
		m.logger.Info("mcp connection closed", "server", conn.key.ServerType)
	}
}
