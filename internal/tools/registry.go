// Package tools defines the dictation tools exposed over the MCP
// server role.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/whispo/whispo-mcp/internal/config"
	"github.com/whispo/whispo-mcp/internal/history"
	"github.com/whispo/whispo-mcp/internal/mcp"
)

// Transcriber converts an audio file into text. Wired in by the host
// application; nil when no transcription backend is configured.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Dictation starts a dictation session on the host. Nil when the host
// has no dictation surface (headless serve mode).
type Dictation interface {
	Start(ctx context.Context) error
}

// Enhancer applies glossary substitution to a transcript. Satisfied by
// the connection manager.
type Enhancer interface {
	EnhanceTranscript(ctx context.Context, transcript string) string
}

// Tool is one callable tool: its MCP definition plus handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args map[string]any) (*mcp.ToolResult, error)
}

// Registry holds the dictation tools and dispatches tools/call into
// them. It implements the MCP server's Toolset interface.
type Registry struct {
	logger *slog.Logger
	cfg    *config.Store
	hist   *history.Store

	transcriber Transcriber
	dictation   Dictation
	enhancer    Enhancer

	tools map[string]*Tool
	order []string
}

// NewRegistry creates the registry. transcriber, dictation, and
// enhancer may be nil; the corresponding tools then answer with a
// domain error instead of disappearing from tools/list.
func NewRegistry(cfg *config.Store, hist *history.Store, transcriber Transcriber, dictation Dictation, enhancer Enhancer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:      logger.With("component", "tools"),
		cfg:         cfg,
		hist:        hist,
		transcriber: transcriber,
		dictation:   dictation,
		enhancer:    enhancer,
		tools:       make(map[string]*Tool),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []mcp.ToolDefinition {
	out := make([]mcp.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, mcp.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Call dispatches one tools/call. Unknown tools and tool-level
// failures come back as isError results; a Go error means something
// internal broke.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return mcp.ErrorResult("unknown tool: %s", name), nil
	}

	r.logger.Debug("executing tool", "tool", name)
	return t.Handler(ctx, args)
}

// objectSchema is shorthand for the common JSON Schema shape.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (r *Registry) registerBuiltins() {
	r.register(&Tool{
		Name:        "get_transcription_history",
		Description: "Get recent transcriptions from the dictation history.",
		InputSchema: objectSchema(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of entries to return (default 10)",
			},
		}),
		Handler: r.handleHistory,
	})

	r.register(&Tool{
		Name:        "start_dictation",
		Description: "Start a dictation session on the host.",
		InputSchema: objectSchema(map[string]any{}),
		Handler:     r.handleStartDictation,
	})

	r.register(&Tool{
		Name:        "get_dictation_config",
		Description: "Get the current dictation configuration, including context-awareness settings.",
		InputSchema: objectSchema(map[string]any{}),
		Handler:     r.handleGetConfig,
	})

	r.register(&Tool{
		Name:        "update_glossary",
		Description: "Replace the dictation glossary with the given entries.",
		InputSchema: objectSchema(map[string]any{
			"entries": map[string]any{
				"type":        "array",
				"description": "Glossary entries ({term, definition, replacement})",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"term":        map[string]any{"type": "string"},
						"definition":  map[string]any{"type": "string"},
						"replacement": map[string]any{"type": "string"},
					},
					"required": []string{"term"},
				},
			},
		}, "entries"),
		Handler: r.handleUpdateGlossary,
	})

	r.register(&Tool{
		Name:        "get_active_profile",
		Description: "Get the active settings profile, if one is selected.",
		InputSchema: objectSchema(map[string]any{}),
		Handler:     r.handleActiveProfile,
	})

	r.register(&Tool{
		Name:        "switch_profile",
		Description: "Switch to a named settings profile by id.",
		InputSchema: objectSchema(map[string]any{
			"profile_id": map[string]any{
				"type":        "string",
				"description": "The id of the profile to activate",
			},
		}, "profile_id"),
		Handler: r.handleSwitchProfile,
	})

	r.register(&Tool{
		Name:        "transcribe_audio",
		Description: "Transcribe an audio file and apply glossary substitution to the result.",
		InputSchema: objectSchema(map[string]any{
			"audio_path": map[string]any{
				"type":        "string",
				"description": "Path to the audio file to transcribe",
			},
		}, "audio_path"),
		Handler: r.handleTranscribeAudio,
	})
}

// jsonResult marshals v as a single text content block.
func jsonResult(v any) (*mcp.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.TextResult(string(data)), nil
}

func (r *Registry) handleHistory(ctx context.Context, args map[string]any) (*mcp.ToolResult, error) {
	limit := 10
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	items, err := r.hist.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if items == nil {
		items = []history.Transcription{}
	}
	return jsonResult(items)
}

func (r *Registry) handleStartDictation(ctx context.Context, _ map[string]any) (*mcp.ToolResult, error) {
	if r.dictation == nil {
		return mcp.ErrorResult("dictation is not available on this host"), nil
	}
	if err := r.dictation.Start(ctx); err != nil {
		return mcp.ErrorResult("start dictation: %v", err), nil
	}
	return mcp.TextResult("dictation started"), nil
}

func (r *Registry) handleGetConfig(context.Context, map[string]any) (*mcp.ToolResult, error) {
	return jsonResult(r.cfg.MCP())
}

func (r *Registry) handleUpdateGlossary(ctx context.Context, args map[string]any) (*mcp.ToolResult, error) {
	raw, ok := args["entries"]
	if !ok {
		return mcp.ErrorResult("update_glossary requires entries"), nil
	}

	// Round-trip through JSON to get typed entries out of the generic
	// argument map.
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.ErrorResult("invalid entries: %v", err), nil
	}
	var entries []mcp.GlossaryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return mcp.ErrorResult("invalid entries: %v", err), nil
	}

	if err := r.hist.SetGlossary(ctx, entries); err != nil {
		return nil, fmt.Errorf("update glossary: %w", err)
	}

	r.logger.Info("glossary updated", "entries", len(entries))
	return mcp.TextResult(fmt.Sprintf("glossary updated (%d entries)", len(entries))), nil
}

func (r *Registry) handleActiveProfile(context.Context, map[string]any) (*mcp.ToolResult, error) {
	profile, ok := r.cfg.ActiveProfile()
	if !ok {
		return mcp.ErrorResult("no active profile"), nil
	}
	return jsonResult(profile)
}

func (r *Registry) handleSwitchProfile(_ context.Context, args map[string]any) (*mcp.ToolResult, error) {
	id, _ := args["profile_id"].(string)
	if id == "" {
		return mcp.ErrorResult("switch_profile requires profile_id"), nil
	}

	ok, err := r.cfg.SwitchProfile(id)
	if err != nil {
		return nil, fmt.Errorf("switch profile: %w", err)
	}
	if !ok {
		return mcp.ErrorResult("unknown profile: %s", id), nil
	}

	r.logger.Info("switched settings profile", "profile_id", id)
	return mcp.TextResult("switched to profile " + id), nil
}

func (r *Registry) handleTranscribeAudio(ctx context.Context, args map[string]any) (*mcp.ToolResult, error) {
	path, _ := args["audio_path"].(string)
	if path == "" {
		return mcp.ErrorResult("transcribe_audio requires audio_path"), nil
	}
	if r.transcriber == nil {
		return mcp.ErrorResult("no transcription backend configured"), nil
	}

	transcript, err := r.transcriber.Transcribe(ctx, path)
	if err != nil {
		return mcp.ErrorResult("transcribe %s: %v", path, err), nil
	}

	enhanced := transcript
	if r.enhancer != nil {
		enhanced = r.enhancer.EnhanceTranscript(ctx, transcript)
	}

	if _, err := r.hist.Add(ctx, history.Transcription{
		Transcript: transcript,
		Enhanced:   enhanced,
	}); err != nil {
		r.logger.Warn("could not record transcription", "error", err)
	}

	return mcp.TextResult(enhanced), nil
}
