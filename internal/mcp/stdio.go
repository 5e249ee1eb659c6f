package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/whispo/whispo-mcp/internal/config"
)

// transport delivers newline-delimited JSON frames to and from a
// server process. Implementations call onMessage for every inbound
// frame and onClose exactly once when the inbound stream ends.
type transport interface {
	start(ctx context.Context) error
	send(v any) error
	stop(grace time.Duration) error
}

// stdioTransport runs an MCP server as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Stderr is drained
// and logged; it is not part of the protocol.
type stdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	onMessage func(*Message)
	onClose   func(err error)

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	waitDone chan struct{}
}

// newStdioTransport creates a transport for the given server config.
// The subprocess is not spawned until start.
func newStdioTransport(sc config.ServerConfig, logger *slog.Logger, onMessage func(*Message), onClose func(error)) *stdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	env := make([]string, 0, len(sc.Env))
	for k, v := range sc.Env {
		env = append(env, k+"="+v)
	}
	return &stdioTransport{
		command:   sc.Command,
		args:      append([]string(nil), sc.Args...),
		env:       env,
		logger:    logger,
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// start spawns the subprocess and begins reading its stdout. The
// subprocess lifecycle is independent of call contexts — it survives
// individual request timeouts and only stop terminates it.
func (t *stdioTransport) start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return fmt.Errorf("transport already started")
	}

	t.logger.Info("starting MCP server process",
		"command", t.command,
		"args", t.args,
	)

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start server process %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.waitDone = make(chan struct{})

	go t.drainStderr(stderrPipe)
	go t.readLoop(stdout)

	t.logger.Info("MCP server process started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop reads stdout line by line until EOF, dispatching each JSON
// frame to onMessage. Lines that do not parse as JSON are skipped —
// badly behaved servers print banners on stdout.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Debug("skipping non-JSON line from server stdout",
				"line", string(line),
			)
			continue
		}

		t.logger.Log(context.Background(), config.LevelTrace, "recv frame", "frame", string(line))
		t.onMessage(&msg)
	}

	readErr := scanner.Err()
	waitErr := t.cmd.Wait()
	close(t.waitDone)

	if readErr == nil {
		readErr = waitErr
	}
	t.onClose(readErr)
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *stdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP server stderr", "line", scanner.Text())
	}
}

// send marshals v and writes it as one newline-delimited frame to the
// subprocess's stdin.
func (t *stdioTransport) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return ErrConnectionClosed
	}
	t.logger.Log(context.Background(), config.LevelTrace, "send frame", "frame", string(data))
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to server stdin: %w", err)
	}
	return nil
}

// stop closes stdin so the subprocess can exit on its own, then kills
// it if it has not exited within the grace period.
func (t *stdioTransport) stop(grace time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil
	}

	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP server process", "pid", pid)

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}

	select {
	case <-t.waitDone:
	case <-time.After(grace):
		t.logger.Warn("MCP server process did not exit gracefully, killing", "pid", pid)
		_ = t.cmd.Process.Kill()
		<-t.waitDone
	}

	t.cmd = nil
	return nil
}
