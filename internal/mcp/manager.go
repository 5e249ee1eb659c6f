package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/whispo/whispo-mcp/internal/config"
	"github.com/whispo/whispo-mcp/internal/events"
)

// RecentSource supplies recent transcription interactions for context
// aggregation. Implemented by the history store.
type RecentSource interface {
	RecentInteractions(ctx context.Context, limit int) ([]string, error)
}

// Manager owns the registry of server connections. The registry lock
// protects membership only — requests run on a connection pointer
// copied out under the lock, so one slow server never blocks calls to
// the others.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus
	cfg    config.McpConfiguration

	// newConn builds a connection for a server config. Tests swap in
	// fake-transport connections here.
	newConn func(config.ServerConfig, *slog.Logger, *events.Bus) *ServerConnection

	mu       sync.RWMutex
	recent   RecentSource
	glossary GlossarySource
	conns    map[string]*ServerConnection
	shutdown bool
}

// NewManager creates a manager for the given MCP configuration. No
// processes are spawned until Initialize or ConnectServer.
func NewManager(cfg config.McpConfiguration, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "mcp"),
		bus:     bus,
		cfg:     cfg.Clone(),
		newConn: NewServerConnection,
		conns:   make(map[string]*ServerConnection),
	}
}

// SetRecentSource wires the store that provides recent interactions
// during context aggregation.
func (m *Manager) SetRecentSource(src RecentSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = src
}

// Enabled reports whether the subsystem is active.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// Initialize spawns and handshakes every enabled server concurrently.
// One server failing to come up does not prevent the others; failures
// are logged and reflected in Status. A disabled subsystem is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("MCP subsystem disabled, skipping server startup")
		return nil
	}

	var wg sync.WaitGroup
	for name, sc := range m.cfg.Servers {
		if !sc.Enabled {
			m.logger.Debug("skipping disabled MCP server", "server", name)
			continue
		}
		if sc.Name == "" {
			sc.Name = name
		}

		wg.Add(1)
		go func(sc config.ServerConfig) {
			defer wg.Done()
			if err := m.ConnectServer(ctx, sc); err != nil {
				m.logger.Error("MCP server failed to start",
					"server", sc.Name,
					"error", err,
				)
			}
		}(sc)
	}
	wg.Wait()
	return nil
}

// ConnectServer builds, spawns, and handshakes a single connection,
// replacing any existing connection with the same name. The tool list
// is fetched eagerly so context aggregation can route by tool name.
func (m *Manager) ConnectServer(ctx context.Context, sc config.ServerConfig) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}
	conn := m.newConn(sc, m.logger, m.bus)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	old := m.conns[sc.Name]
	m.conns[sc.Name] = conn
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	if _, err := conn.ListTools(ctx); err != nil {
		m.logger.Warn("could not list tools after handshake",
			"server", sc.Name,
			"error", err,
		)
	}
	return nil
}

// DisconnectServer tears down one connection. Unknown names are a no-op.
func (m *Manager) DisconnectServer(name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Close()
}

// conn returns the connection for a server name.
func (m *Manager) conn(name string) (*ServerConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return conn, nil
}

// readyConns snapshots the connections currently in Ready state.
func (m *Manager) readyConns() []*ServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ServerConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		if conn.State() == StateReady {
			out = append(out, conn)
		}
	}
	return out
}

// Status reports the lifecycle state of every registered connection.
func (m *Manager) Status() map[string]ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ConnState, len(m.conns))
	for name, conn := range m.conns {
		out[name] = conn.State()
	}
	return out
}

// ServerTools groups one server's tool definitions under its name.
type ServerTools struct {
	Server string           `json:"server"`
	Tools  []ToolDefinition `json:"tools"`
}

// ListTools aggregates tool definitions across all ready servers.
// Servers that fail to answer are skipped.
func (m *Manager) ListTools(ctx context.Context) []ServerTools {
	var out []ServerTools
	for _, conn := range m.readyConns() {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			m.logger.Warn("tools/list failed", "server", conn.Name(), "error", err)
			continue
		}
		out = append(out, ServerTools{Server: conn.Name(), Tools: tools})
	}
	return out
}

// CallTool invokes a tool on a named server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolResult, error) {
	conn, err := m.conn(server)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, tool, args)
}

// ReadResource reads a resource from a named server.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) ([]ResourceContents, error) {
	conn, err := m.conn(server)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

// GetPrompt fetches a rendered prompt from a named server.
func (m *Manager) GetPrompt(ctx context.Context, server, name string, args map[string]string) ([]PromptMessage, error) {
	conn, err := m.conn(server)
	if err != nil {
		return nil, err
	}
	return conn.GetPrompt(ctx, name, args)
}

// Request issues a raw JSON-RPC request to a named server.
func (m *Manager) Request(ctx context.Context, server, method string, params any) (*Message, error) {
	conn, err := m.conn(server)
	if err != nil {
		return nil, err
	}
	return conn.Request(ctx, method, params)
}

// Shutdown closes every connection. Idempotent; later calls are no-ops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	conns := make([]*ServerConnection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*ServerConnection)
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("error closing MCP connection",
				"server", conn.Name(),
				"error", err,
			)
		}
	}
	m.logger.Info("MCP manager shut down", "connections", len(conns))
}
