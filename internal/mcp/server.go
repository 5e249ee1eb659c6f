package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/whispo/whispo-mcp/internal/buildinfo"
	"github.com/whispo/whispo-mcp/internal/events"
)

// serverName identifies this host in the initialize response.
const serverName = "whispo-mcp"

// Toolset is the local tool registry the server dispatches tools/call
// into.
type Toolset interface {
	Definitions() []ToolDefinition
	Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// ResourceHandler produces the text contents of one registered
// resource.
type ResourceHandler func(ctx context.Context) (string, error)

// PromptHandler renders one registered prompt with the given
// arguments.
type PromptHandler func(ctx context.Context, args map[string]string) ([]PromptMessage, error)

// Server is the host-side MCP server: it reads newline-delimited
// JSON-RPC requests from a client (an editor or assistant that spawned
// us) and answers them from the local toolset, resources, and prompts.
// Every request gets exactly one response — unknown methods get a
// method-not-found error rather than silence.
type Server struct {
	logger *slog.Logger
	bus    *events.Bus
	tools  Toolset

	mu              sync.Mutex
	writer          io.Writer
	resources       []Resource
	resourceHandler map[string]ResourceHandler
	prompts         []Prompt
	promptHandler   map[string]PromptHandler
	initialized     bool
	client          clientInfo
	clientCaps      json.RawMessage
}

// initializeParams is what a client sends in its initialize request.
// Capabilities stay raw; nothing gates on them yet, but they are kept
// for logging and introspection.
type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      clientInfo      `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// NewServer creates a server around a toolset. Resources and prompts
// are registered separately before Serve.
func NewServer(tools Toolset, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:          logger.With("component", "mcp_server"),
		bus:             bus,
		tools:           tools,
		resourceHandler: make(map[string]ResourceHandler),
		promptHandler:   make(map[string]PromptHandler),
	}
}

// RegisterResource exposes a resource at its URI.
func (s *Server) RegisterResource(res Resource, handler ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, res)
	s.resourceHandler[res.URI] = handler
}

// RegisterPrompt exposes a prompt template by name.
func (s *Server) RegisterPrompt(p Prompt, handler PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	s.promptHandler[p.Name] = handler
}

// ClientInfo reports the identity the client sent during initialize
// and whether an initialize request has been handled at all.
func (s *Server) ClientInfo() (name, version string, initialized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Name, s.client.Version, s.initialized
}

// inboundMessage keeps the ID raw so it can be echoed back verbatim
// whatever JSON type the client used. A missing ID marks a
// notification.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type outboundResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Serve reads requests from r until EOF or context cancellation,
// writing responses to w. Methods are answered in order on the
// calling goroutine; the protocol is request/response over a pipe, so
// there is nothing to parallelize.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	s.logger.Info("MCP server loop started")

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.writeError(json.RawMessage("null"), CodeParseError, "parse error")
			continue
		}

		s.handle(ctx, &msg)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read client stream: %w", err)
	}
	s.logger.Info("MCP server loop ended (client EOF)")
	return nil
}

// handle dispatches one inbound message. Notifications produce no
// response.
func (s *Server) handle(ctx context.Context, msg *inboundMessage) {
	if msg.ID == nil {
		// Notification. notifications/initialized is the expected one;
		// anything else is logged and dropped.
		if msg.Method != "notifications/initialized" {
			s.logger.Debug("ignoring client notification", "method", msg.Method)
		}
		return
	}

	ok := true
	switch msg.Method {
	case "initialize":
		var params initializeParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Debug("unparseable initialize params", "error", err)
			}
		}
		s.mu.Lock()
		s.initialized = true
		s.client = params.ClientInfo
		s.clientCaps = params.Capabilities
		s.mu.Unlock()
		s.logger.Info("client initialized",
			"client", params.ClientInfo.Name,
			"client_version", params.ClientInfo.Version,
			"protocol_version", params.ProtocolVersion,
		)
		s.writeResult(msg.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: serverName, Version: buildinfo.Version},
			Capabilities: serverCapabilities{
				Tools:     &struct{}{},
				Resources: &struct{}{},
				Prompts:   &struct{}{},
			},
		})

	case "ping":
		s.writeResult(msg.ID, struct{}{})

	case "tools/list":
		s.writeResult(msg.ID, toolsListResult{Tools: s.tools.Definitions()})

	case "tools/call":
		ok = s.handleToolCall(ctx, msg)

	case "resources/list":
		s.mu.Lock()
		resources := append([]Resource(nil), s.resources...)
		s.mu.Unlock()
		s.writeResult(msg.ID, resourcesListResult{Resources: resources})

	case "resources/read":
		ok = s.handleResourceRead(ctx, msg)

	case "prompts/list":
		s.mu.Lock()
		prompts := append([]Prompt(nil), s.prompts...)
		s.mu.Unlock()
		s.writeResult(msg.ID, promptsListResult{Prompts: prompts})

	case "prompts/get":
		ok = s.handlePromptGet(ctx, msg)

	default:
		ok = false
		s.writeError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceServer,
		Kind:      events.KindRequestHandled,
		Data:      map[string]any{"method": msg.Method, "ok": ok},
	})
}

func (s *Server) handleToolCall(ctx context.Context, msg *inboundMessage) bool {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		s.writeError(msg.ID, CodeInvalidParams, "tools/call requires a tool name")
		return false
	}

	result, err := s.tools.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		s.logger.Error("tool call failed", "tool", params.Name, "error", err)
		s.writeError(msg.ID, CodeInternalError, err.Error())
		return false
	}

	s.writeResult(msg.ID, result)
	return !result.IsError
}

func (s *Server) handleResourceRead(ctx context.Context, msg *inboundMessage) bool {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		s.writeError(msg.ID, CodeInvalidParams, "resources/read requires a uri")
		return false
	}

	s.mu.Lock()
	handler, found := s.resourceHandler[params.URI]
	s.mu.Unlock()
	if !found {
		s.writeError(msg.ID, CodeNotFound, fmt.Sprintf("resource not found: %s", params.URI))
		return false
	}

	text, err := handler(ctx)
	if err != nil {
		s.logger.Error("resource read failed", "uri", params.URI, "error", err)
		s.writeError(msg.ID, CodeInternalError, err.Error())
		return false
	}

	s.writeResult(msg.ID, readResourceResult{
		Contents: []ResourceContents{{
			URI:      params.URI,
			MimeType: "application/json",
			Text:     text,
		}},
	})
	return true
}

func (s *Server) handlePromptGet(ctx context.Context, msg *inboundMessage) bool {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		s.writeError(msg.ID, CodeInvalidParams, "prompts/get requires a prompt name")
		return false
	}

	s.mu.Lock()
	handler, found := s.promptHandler[params.Name]
	var description string
	for _, p := range s.prompts {
		if p.Name == params.Name {
			description = p.Description
		}
	}
	s.mu.Unlock()
	if !found {
		s.writeError(msg.ID, CodeNotFound, fmt.Sprintf("prompt not found: %s", params.Name))
		return false
	}

	messages, err := handler(ctx, params.Arguments)
	if err != nil {
		s.logger.Error("prompt render failed", "prompt", params.Name, "error", err)
		s.writeError(msg.ID, CodeInternalError, err.Error())
		return false
	}

	s.writeResult(msg.ID, getPromptResult{Description: description, Messages: messages})
	return true
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(outboundResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.write(outboundResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
}

// write marshals one response and emits it as a newline-delimited
// frame. Protocol output must never interleave, so the writer is held
// under the lock for the whole frame.
func (s *Server) write(resp outboundResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		// Result payloads are built from marshalable types; getting
		// here means a handler returned something that is not.
		s.logger.Error("failed to marshal response", "error", err)
		data = []byte(fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":"internal marshal failure"}}`,
			idForLog(resp.ID), CodeInternalError,
		))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func idForLog(id json.RawMessage) string {
	if len(id) == 0 {
		return "null"
	}
	return strings.TrimSpace(string(id))
}
