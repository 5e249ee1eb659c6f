package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whispo/whispo-mcp/internal/buildinfo"
	"github.com/whispo/whispo-mcp/internal/config"
	"github.com/whispo/whispo-mcp/internal/events"
)

const (
	// handshakeTimeout bounds the initialize round trip. A server that
	// cannot answer initialize in 10s is not going to get better.
	handshakeTimeout = 10 * time.Second

	// defaultRequestTimeout applies to requests issued without an
	// explicit deadline.
	defaultRequestTimeout = 30 * time.Second

	// shutdownGrace is how long a server process gets between stdin
	// close and SIGKILL.
	shutdownGrace = 5 * time.Second
)

// ConnState is the lifecycle state of a server connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateSpawning
	StateInitializing
	StateReady
	StateFailed
	StateClosed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSpawning:
		return "spawning"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ServerConnection manages one MCP server process: spawn, handshake,
// concurrent request correlation, and teardown. There is no automatic
// reconnection; a Failed or Closed connection stays that way until the
// manager builds a fresh one.
type ServerConnection struct {
	name   string
	logger *slog.Logger
	bus    *events.Bus
	tr     transport

	nextID atomic.Int64

	mu      sync.Mutex
	state   ConnState
	pending map[int64]chan *Message
	// done is closed exactly once when the connection reaches Failed or
	// Closed, releasing every pending waiter.
	done chan struct{}

	serverName string
	serverVer  string
	caps       serverCapabilities
	tools      []ToolDefinition
}

// NewServerConnection creates a connection for the given server config.
// The subprocess is not spawned until Connect.
func NewServerConnection(sc config.ServerConfig, logger *slog.Logger, bus *events.Bus) *ServerConnection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ServerConnection{
		name:    sc.Name,
		logger:  logger.With("mcp_server", sc.Name),
		bus:     bus,
		state:   StateDisconnected,
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
	}
	c.tr = newStdioTransport(sc, c.logger, c.handleMessage, c.handleClose)
	return c
}

// newTestConnection wires a connection around an arbitrary transport.
func newTestConnection(name string, tr transport, logger *slog.Logger, bus *events.Bus) *ServerConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerConnection{
		name:    name,
		logger:  logger.With("mcp_server", name),
		bus:     bus,
		tr:      tr,
		state:   StateDisconnected,
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
	}
}

// Name returns the configured server name.
func (c *ServerConnection) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *ServerConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the name and version the server reported during
// the handshake.
func (c *ServerConnection) ServerInfo() (name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName, c.serverVer
}

// Connect spawns the server process and performs the MCP handshake:
// initialize request, then the notifications/initialized notification.
// On any failure the connection ends in Failed and is not retried.
func (c *ServerConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect %s: connection is %s", c.name, state)
	}
	c.state = StateSpawning
	c.mu.Unlock()

	if err := c.tr.start(ctx); err != nil {
		c.teardown(StateFailed)
		c.publish(events.KindConnectionFailed, map[string]any{
			"server": c.name,
			"error":  err.Error(),
		})
		return fmt.Errorf("spawn %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.state = StateInitializing
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.teardown(StateFailed)
		_ = c.tr.stop(0)
		c.publish(events.KindConnectionFailed, map[string]any{
			"server": c.name,
			"error":  err.Error(),
		})
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}

	c.mu.Lock()
	// The process may have exited right after answering the handshake,
	// in which case handleClose already moved us to a terminal state.
	// Never promote a terminal connection back to Ready.
	if c.state != StateInitializing {
		c.mu.Unlock()
		_ = c.tr.stop(0)
		return fmt.Errorf("initialize %s: %w", c.name, ErrConnectionClosed)
	}
	c.state = StateReady
	serverName, serverVer := c.serverName, c.serverVer
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", serverName,
		"server_version", serverVer,
	)
	c.publish(events.KindConnectionReady, map[string]any{
		"server":           c.name,
		"server_name":      serverName,
		"protocol_version": protocolVersion,
	})
	return nil
}

// initialize performs the handshake round trip and records the
// server's identity and capabilities.
func (c *ServerConnection) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{"subscribe": true},
		},
		"clientInfo": clientInfo{
			Name:    clientName,
			Version: buildinfo.Version,
		},
	}

	resp, err := c.request(ctx, "initialize", params, handshakeTimeout)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.caps = result.Capabilities
	c.mu.Unlock()

	if err := c.tr.send(NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// Request issues a JSON-RPC request on a Ready connection and waits
// for the matching response with the default timeout.
func (c *ServerConnection) Request(ctx context.Context, method string, params any) (*Message, error) {
	switch c.State() {
	case StateReady:
	case StateFailed, StateClosed:
		return nil, ErrConnectionClosed
	default:
		return nil, ErrNotReady
	}
	return c.request(ctx, method, params, defaultRequestTimeout)
}

// request sends a request and waits for its response. Responses
// arriving in any order are routed to their waiters by ID. A timeout
// abandons only this call — the subprocess and every other in-flight
// request are untouched, and a response arriving after the deadline
// is dropped.
func (c *ServerConnection) request(ctx context.Context, method string, params any, timeout time.Duration) (*Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.state == StateFailed || c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = ch
	done := c.done
	c.mu.Unlock()

	if err := c.tr.send(NewRequest(id, method, params)); err != nil {
		c.forget(id)
		return nil, err
	}

	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrRequestTimeout)
	case <-done:
		// The response may have been delivered just before teardown.
		select {
		case msg := <-ch:
			if msg.Error != nil {
				return nil, fmt.Errorf("%s: %w", method, msg.Error)
			}
			return msg, nil
		default:
		}
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// forget removes a pending entry after a timeout or send failure so a
// late response is dropped instead of delivered.
func (c *ServerConnection) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handleMessage routes one inbound frame from the transport.
func (c *ServerConnection) handleMessage(msg *Message) {
	switch {
	case msg.IsResponse():
		id := *msg.ID
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("dropping response with no pending request", "id", id)
			return
		}
		ch <- msg

	case msg.IsNotification():
		c.logger.Log(context.Background(), config.LevelTrace,
			"server notification", "method", msg.Method)

	default:
		// Server-initiated request. We implement no client-side methods,
		// so answer method-not-found rather than leave the server hanging.
		err := c.tr.send(&Message{
			JSONRPC: jsonrpcVersion,
			ID:      msg.ID,
			Error: &RPCError{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			},
		})
		if err != nil {
			c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
		}
	}
}

// handleClose runs when the subprocess's stdout reaches EOF. A Ready
// connection becomes Closed; one that never finished its handshake
// becomes Failed. Every pending waiter is released.
func (c *ServerConnection) handleClose(err error) {
	final := StateClosed
	c.mu.Lock()
	if c.state != StateReady {
		final = StateFailed
	}
	c.mu.Unlock()

	if !c.teardown(final) {
		return
	}

	if err != nil && !errors.Is(err, io.EOF) {
		c.logger.Warn("MCP server connection closed", "error", err)
	} else {
		c.logger.Info("MCP server connection closed")
	}
	c.publish(events.KindConnectionClosed, map[string]any{"server": c.name})
}

// teardown moves the connection to a terminal state and releases all
// pending waiters. Returns false if the connection was already
// terminal.
func (c *ServerConnection) teardown(final ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed || c.state == StateClosed {
		return false
	}
	c.state = final
	close(c.done)
	c.pending = make(map[int64]chan *Message)
	return true
}

// Close shuts the connection down: stdin is closed, the process gets
// a grace period to exit, then SIGKILL. Idempotent.
func (c *ServerConnection) Close() error {
	err := c.tr.stop(shutdownGrace)
	c.teardown(StateClosed)
	return err
}

// ListTools calls tools/list and returns the server's tool
// definitions. Results are cached for the life of the connection.
func (c *ServerConnection) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	if c.tools != nil {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	resp, err := c.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// hasTool reports whether the cached tool list includes name.
func (c *ServerConnection) hasTool(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// CallTool invokes a tool by name. A ToolResult with IsError set is a
// domain-level failure and is returned as a result, not a Go error.
func (c *ServerConnection) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	c.publish(events.KindToolCall, map[string]any{"server": c.name, "tool": name})
	started := time.Now()

	resp, err := c.Request(ctx, "tools/call", params)
	c.publish(events.KindToolDone, map[string]any{
		"server":      c.name,
		"tool":        name,
		"ok":          err == nil,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources calls resources/list. Servers that did not advertise
// the resources capability are not asked.
func (c *ServerConnection) ListResources(ctx context.Context) ([]Resource, error) {
	c.mu.Lock()
	supported := c.caps.Resources != nil
	c.mu.Unlock()
	if !supported {
		return nil, nil
	}

	resp, err := c.Request(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	var result resourcesListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource calls resources/read for a single URI.
func (c *ServerConnection) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	resp, err := c.Request(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	return result.Contents, nil
}

// ListPrompts calls prompts/list. Servers that did not advertise the
// prompts capability are not asked.
func (c *ServerConnection) ListPrompts(ctx context.Context) ([]Prompt, error) {
	c.mu.Lock()
	supported := c.caps.Prompts != nil
	c.mu.Unlock()
	if !supported {
		return nil, nil
	}

	resp, err := c.Request(ctx, "prompts/list", nil)
	if err != nil {
		return nil, fmt.Errorf("prompts/list: %w", err)
	}

	var result promptsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt calls prompts/get and returns the rendered messages.
func (c *ServerConnection) GetPrompt(ctx context.Context, name string, args map[string]string) ([]PromptMessage, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}

	resp, err := c.Request(ctx, "prompts/get", params)
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}

	var result getPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get result: %w", err)
	}
	return result.Messages, nil
}

func (c *ServerConnection) publish(kind string, data map[string]any) {
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceManager,
		Kind:      kind,
		Data:      data,
	})
}
