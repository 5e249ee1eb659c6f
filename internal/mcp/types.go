package mcp

import (
	"fmt"
	"strings"
)

// protocolVersion is the MCP protocol version advertised during the
// initialize handshake, in both roles.
const protocolVersion = "2024-11-05"

// clientName identifies this host in the initialize request's clientInfo.
const clientName = "Whispo"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call or prompts/get
// response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result payload of a tools/call response. IsError
// marks a domain-level tool failure; transport and protocol failures
// surface as Go errors instead.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextResult wraps a single text block in a successful ToolResult.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a ToolResult carrying a domain-level failure.
func ErrorResult(format string, args ...any) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers.
func (r *ToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one entry in a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// Prompt is an MCP prompt template as returned by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one parameter of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// clientInfo and serverInfo identify the two ends of the handshake.
type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Result payloads for the typed protocol operations.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

type readResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

type promptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}

type getPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// TranscriptionContext is the aggregated context handed to the
// transcription pipeline alongside a transcript. Every field is
// optional; sources that fail or are disabled simply leave their
// field empty.
type TranscriptionContext struct {
	ActiveFile         *FileContext      `json:"activeFile,omitempty"`
	Project            *ProjectContext   `json:"project,omitempty"`
	ActiveApp          *ActiveAppContext `json:"activeApp,omitempty"`
	Glossary           []GlossaryEntry   `json:"glossary,omitempty"`
	RecentInteractions []string          `json:"recentInteractions,omitempty"`
}

// FileContext describes the file the user is editing.
type FileContext struct {
	Path           string `json:"path"`
	Language       string `json:"language,omitempty"`
	VisibleContent string `json:"visibleContent,omitempty"`
}

// ProjectContext describes the project the user is working in.
type ProjectContext struct {
	Name         string   `json:"name"`
	RootPath     string   `json:"rootPath,omitempty"`
	Description  string   `json:"description,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

// ActiveAppContext describes the foreground application.
type ActiveAppContext struct {
	Name        string `json:"name"`
	BundleID    string `json:"bundleId,omitempty"`
	WindowTitle string `json:"windowTitle,omitempty"`
}

// GlossaryEntry is one user-defined term. Replacement, when set, is
// substituted for Term during transcript enhancement.
type GlossaryEntry struct {
	Term        string `json:"term"`
	Definition  string `json:"definition,omitempty"`
	Replacement string `json:"replacement,omitempty"`
}
