package mcp

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/whispo/whispo-mcp/internal/config"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test server scripts require sh")
	}
}

// shServer builds a ServerConfig that runs an inline shell script as
// the server process.
func shServer(name, script string) config.ServerConfig {
	return config.ServerConfig{
		Name:    name,
		Command: "sh",
		Args:    []string{"-c", script},
		Enabled: true,
	}
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	requireSh(t)

	// Reads one request, prints a banner (must be skipped), then the
	// response, then exits.
	script := `read line
echo "not json, just noise"
echo '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}'`

	var mu sync.Mutex
	var messages []*Message
	closed := make(chan error, 1)

	tr := newStdioTransport(shServer("stub", script), nil,
		func(msg *Message) {
			mu.Lock()
			messages = append(messages, msg)
			mu.Unlock()
		},
		func(err error) { closed <- err },
	)

	if err := tr.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.send(NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 1 {
		t.Fatalf("received %d messages, want 1 (noise line must be skipped)", len(messages))
	}
	if messages[0].ID == nil || *messages[0].ID != 1 {
		t.Errorf("message ID = %v, want 1", messages[0].ID)
	}
}

func TestStdioTransport_SpawnFailure(t *testing.T) {
	tr := newStdioTransport(config.ServerConfig{
		Name:    "missing",
		Command: "/nonexistent/whispo-test-binary",
	}, nil, func(*Message) {}, func(error) {})

	if err := tr.start(context.Background()); err == nil {
		t.Fatal("start succeeded for nonexistent command")
	}
}

func TestStdioTransport_SendBeforeStart(t *testing.T) {
	tr := newStdioTransport(shServer("stub", "cat"), nil, func(*Message) {}, func(error) {})
	if err := tr.send(NewRequest(1, "ping", nil)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("send before start = %v, want ErrConnectionClosed", err)
	}
}

func TestStdioTransport_StopEndsProcess(t *testing.T) {
	requireSh(t)

	closed := make(chan error, 1)
	tr := newStdioTransport(shServer("stub", "while read line; do :; done"), nil,
		func(*Message) {},
		func(err error) { closed <- err },
	)

	if err := tr.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("onClose never fired after stop")
	}

	// stop is idempotent.
	if err := tr.stop(time.Second); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestConnection_HandshakeOverStdio(t *testing.T) {
	requireSh(t)

	// A minimal real MCP server: answers initialize, swallows the
	// initialized notification, answers tools/list, then waits for
	// stdin to close.
	script := `read init
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"stub","version":"0.1.0"},"capabilities":{"tools":{}}}}'
read notif
read list
echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"get_glossary","description":"","inputSchema":{"type":"object"}}]}}'
while read line; do :; done`

	conn := NewServerConnection(shServer("stub", script), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := conn.State(); got != StateReady {
		t.Fatalf("state = %v, want ready", got)
	}

	name, version := conn.ServerInfo()
	if name != "stub" || version != "0.1.0" {
		t.Errorf("ServerInfo = (%q, %q)", name, version)
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "get_glossary" {
		t.Errorf("tools = %+v", tools)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := conn.State(); got != StateClosed {
		t.Errorf("state after close = %v, want closed", got)
	}
}

func TestConnection_ProcessExitResolvesState(t *testing.T) {
	requireSh(t)

	// Server answers the handshake and then exits immediately.
	script := `read init
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"flaky","version":"0.1.0"},"capabilities":{}}}'
read notif`

	conn := NewServerConnection(shServer("flaky", script), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The process exits after the handshake; the connection must land
	// in Closed without intervention, and requests must not hang.
	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, never reached closed", conn.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := conn.Request(ctx, "tools/list", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Request after exit = %v, want ErrConnectionClosed", err)
	}
}
