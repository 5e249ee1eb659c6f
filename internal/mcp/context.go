package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/whispo/whispo-mcp/internal/events"
)

// recentInteractionLimit caps how many recent transcripts flow into
// the aggregated context.
const recentInteractionLimit = 5

// GlossarySource supplies the locally stored glossary for transcript
// enhancement. Implemented by the history store.
type GlossarySource interface {
	Glossary(ctx context.Context) ([]GlossaryEntry, error)
}

// SetGlossarySource wires the store that provides the local glossary.
func (m *Manager) SetGlossarySource(src GlossarySource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.glossary = src
}

func (m *Manager) recentSource() RecentSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recent
}

func (m *Manager) glossarySource() GlossarySource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.glossary
}

// GetTranscriptionContext builds the aggregated context for one
// transcription. Each enabled source is consulted independently; a
// source that fails just leaves its field empty. The result is always
// non-nil — with the subsystem disabled it is simply empty.
func (m *Manager) GetTranscriptionContext(ctx context.Context) *TranscriptionContext {
	tc := &TranscriptionContext{}
	if !m.cfg.Enabled {
		return tc
	}
	ca := m.cfg.ContextAwareness

	if ca.UseFileContext {
		if res, err := m.callToolAny(ctx, "get_active_file", nil); err == nil {
			var fc FileContext
			if err := json.Unmarshal([]byte(res.Text()), &fc); err == nil && fc.Path != "" {
				tc.ActiveFile = &fc
			}
		}
		if res, err := m.callToolAny(ctx, "get_active_app", nil); err == nil {
			var app ActiveAppContext
			if err := json.Unmarshal([]byte(res.Text()), &app); err == nil && app.Name != "" {
				tc.ActiveApp = &app
			}
		}
	}

	if ca.UseProjectContext {
		if res, err := m.callToolAny(ctx, "get_project_info", nil); err == nil {
			var pc ProjectContext
			if err := json.Unmarshal([]byte(res.Text()), &pc); err == nil && pc.Name != "" {
				tc.Project = &pc
			}
		}
	}

	if ca.UseGlossary {
		tc.Glossary = m.glossaryEntries(ctx)
	}

	if ca.UseRecentInteractions {
		if src := m.recentSource(); src != nil {
			if items, err := src.RecentInteractions(ctx, recentInteractionLimit); err == nil {
				tc.RecentInteractions = items
			} else {
				m.logger.Debug("recent interactions unavailable", "error", err)
			}
		}
	}

	truncateContext(tc, ca.MaxContextLength)
	return tc
}

// EnhanceTranscript applies glossary substitution to a transcript:
// every entry with a replacement is applied once, in order, via literal
// string replacement. With the glossary disabled (or empty) the
// transcript passes through untouched.
func (m *Manager) EnhanceTranscript(ctx context.Context, transcript string) string {
	if !m.cfg.Enabled || !m.cfg.ContextAwareness.UseGlossary {
		return transcript
	}

	entries := m.glossaryEntries(ctx)
	out := ApplyGlossary(transcript, entries)

	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTranscription,
		Kind:      events.KindTranscriptEnhanced,
		Data: map[string]any{
			"glossary_entries": len(entries),
			"changed":          out != transcript,
		},
	})
	return out
}

// ApplyGlossary performs the substitution pass: one ordered
// ReplaceAll per entry. Entries without a replacement, or whose
// replacement equals the term, are skipped.
func ApplyGlossary(transcript string, entries []GlossaryEntry) string {
	out := transcript
	for _, e := range entries {
		if e.Term == "" || e.Replacement == "" || e.Replacement == e.Term {
			continue
		}
		out = strings.ReplaceAll(out, e.Term, e.Replacement)
	}
	return out
}

// glossaryEntries merges the local glossary with entries advertised by
// provider servers. Local entries come first so provider entries see
// already-substituted text.
func (m *Manager) glossaryEntries(ctx context.Context) []GlossaryEntry {
	var entries []GlossaryEntry

	if src := m.glossarySource(); src != nil {
		if local, err := src.Glossary(ctx); err == nil {
			entries = append(entries, local...)
		} else {
			m.logger.Debug("local glossary unavailable", "error", err)
		}
	}

	if res, err := m.callToolAny(ctx, "get_glossary", nil); err == nil {
		var remote []GlossaryEntry
		if err := json.Unmarshal([]byte(res.Text()), &remote); err == nil {
			entries = append(entries, remote...)
		}
	}

	return entries
}

// callToolAny calls a tool on the first ready server that advertises
// it. Domain-level tool errors count as a miss and the next server is
// tried.
func (m *Manager) callToolAny(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	for _, conn := range m.readyConns() {
		if !conn.hasTool(tool) {
			continue
		}
		res, err := conn.CallTool(ctx, tool, args)
		if err != nil {
			m.logger.Debug("context tool call failed",
				"server", conn.Name(),
				"tool", tool,
				"error", err,
			)
			continue
		}
		if res.IsError {
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("no ready server provides tool %q", tool)
}

// truncateContext enforces the configured context budget. The large
// fields pay for it: visible file content is clipped first, then
// recent interactions are dropped oldest-last once the budget is
// spent.
func truncateContext(tc *TranscriptionContext, budget int) {
	if budget <= 0 {
		return
	}

	remaining := budget
	if tc.ActiveFile != nil {
		vc := tc.ActiveFile.VisibleContent
		if len(vc) > remaining {
			vc = strings.ToValidUTF8(vc[:remaining], "")
		}
		tc.ActiveFile.VisibleContent = vc
		remaining -= len(vc)
	}

	var kept []string
	for _, it := range tc.RecentInteractions {
		if len(it) > remaining {
			break
		}
		kept = append(kept, it)
		remaining -= len(it)
	}
	tc.RecentInteractions = kept
}
