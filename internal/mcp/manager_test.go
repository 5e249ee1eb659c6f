package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/whispo/whispo-mcp/internal/config"
	"github.com/whispo/whispo-mcp/internal/events"
)

func mcpConfig(servers ...string) config.McpConfiguration {
	cfg := config.McpConfiguration{
		Enabled: true,
		Servers: make(map[string]config.ServerConfig),
		ContextAwareness: config.ContextAwareness{
			UseFileContext:        true,
			UseProjectContext:     true,
			UseGlossary:           true,
			UseRecentInteractions: true,
			MaxContextLength:      config.DefaultMaxContextLength,
		},
	}
	for _, s := range servers {
		cfg.Servers[s] = config.ServerConfig{Name: s, Command: "unused", Enabled: true}
	}
	return cfg
}

// providerFactory builds fake-transport connections whose tools reply
// with canned text, keyed by server name then tool name.
func providerFactory(byServer map[string]map[string]string) func(config.ServerConfig, *slog.Logger, *events.Bus) *ServerConnection {
	return func(sc config.ServerConfig, logger *slog.Logger, bus *events.Bus) *ServerConnection {
		ft := &fakeTransport{}
		c := newTestConnection(sc.Name, ft, logger, bus)
		tools := byServer[sc.Name]

		ft.onRequest = func(req *Request) {
			switch req.Method {
			case "initialize":
				c.handleMessage(responseTo(req.ID, initializeResult{
					ProtocolVersion: protocolVersion,
					ServerInfo:      serverInfo{Name: sc.Name, Version: "1.0.0"},
				}))
			case "tools/list":
				var defs []ToolDefinition
				for name := range tools {
					defs = append(defs, ToolDefinition{Name: name})
				}
				c.handleMessage(responseTo(req.ID, toolsListResult{Tools: defs}))
			case "tools/call":
				var params struct {
					Name string `json:"name"`
				}
				data, _ := json.Marshal(req.Params)
				_ = json.Unmarshal(data, &params)
				text, found := tools[params.Name]
				if !found || text == "" {
					c.handleMessage(responseTo(req.ID, ToolResult{
						Content: []ContentBlock{{Type: "text", Text: "tool unavailable"}},
						IsError: true,
					}))
					return
				}
				c.handleMessage(responseTo(req.ID, ToolResult{
					Content: []ContentBlock{{Type: "text", Text: text}},
				}))
			}
		}
		return c
	}
}

type stubRecent struct {
	items []string
	err   error
}

func (s stubRecent) RecentInteractions(context.Context, int) ([]string, error) {
	return s.items, s.err
}

type stubGlossary struct {
	entries []GlossaryEntry
	err     error
}

func (s stubGlossary) Glossary(context.Context) ([]GlossaryEntry, error) {
	return s.entries, s.err
}

func TestManager_DisabledIsNoop(t *testing.T) {
	cfg := mcpConfig("editor")
	cfg.Enabled = false

	m := NewManager(cfg, nil, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := len(m.Status()); got != 0 {
		t.Errorf("Status has %d entries, want 0 (disabled)", got)
	}

	tc := m.GetTranscriptionContext(context.Background())
	if tc == nil {
		t.Fatal("GetTranscriptionContext returned nil")
	}
	if tc.ActiveFile != nil || len(tc.Glossary) != 0 {
		t.Errorf("disabled subsystem produced context: %+v", tc)
	}

	if got := m.EnhanceTranscript(context.Background(), "hello"); got != "hello" {
		t.Errorf("EnhanceTranscript = %q, want passthrough", got)
	}

	err := m.ConnectServer(context.Background(), config.ServerConfig{Name: "x", Command: "y"})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("ConnectServer on disabled subsystem = %v, want ErrDisabled", err)
	}
}

func TestManager_OneServerFailingDoesNotBlockOthers(t *testing.T) {
	factory := providerFactory(map[string]map[string]string{
		"good": {"get_glossary": "[]"},
	})

	m := NewManager(mcpConfig("good", "bad"), nil, nil)
	m.newConn = func(sc config.ServerConfig, logger *slog.Logger, bus *events.Bus) *ServerConnection {
		if sc.Name == "bad" {
			ft := &fakeTransport{startErr: errors.New("exec: not found")}
			return newTestConnection(sc.Name, ft, logger, bus)
		}
		return factory(sc, logger, bus)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	status := m.Status()
	if status["good"] != StateReady {
		t.Errorf("good = %v, want ready", status["good"])
	}
	if status["bad"] != StateFailed {
		t.Errorf("bad = %v, want failed", status["bad"])
	}

	// The healthy server keeps serving.
	result, err := m.CallTool(context.Background(), "good", "get_glossary", nil)
	if err != nil {
		t.Fatalf("CallTool on healthy server: %v", err)
	}
	if result.IsError {
		t.Error("healthy server returned error result")
	}
}

func TestManager_UnknownServer(t *testing.T) {
	m := NewManager(mcpConfig(), nil, nil)
	_, err := m.CallTool(context.Background(), "ghost", "anything", nil)
	if !errors.Is(err, ErrServerNotFound) {
		t.Errorf("err = %v, want ErrServerNotFound", err)
	}
}

func TestManager_ListToolsAggregates(t *testing.T) {
	m := NewManager(mcpConfig("a", "b"), nil, nil)
	m.newConn = providerFactory(map[string]map[string]string{
		"a": {"get_active_file": "{}"},
		"b": {"get_project_info": "{}", "get_glossary": "[]"},
	})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	byServer := make(map[string]int)
	for _, st := range m.ListTools(context.Background()) {
		byServer[st.Server] = len(st.Tools)
	}
	if byServer["a"] != 1 || byServer["b"] != 2 {
		t.Errorf("aggregated tools = %v, want a:1 b:2", byServer)
	}
}

func TestManager_DisconnectServer(t *testing.T) {
	m := NewManager(mcpConfig("a"), nil, nil)
	m.newConn = providerFactory(map[string]map[string]string{"a": {}})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := m.DisconnectServer("a"); err != nil {
		t.Fatalf("DisconnectServer: %v", err)
	}
	if _, ok := m.Status()["a"]; ok {
		t.Error("server still registered after disconnect")
	}

	if err := m.DisconnectServer("ghost"); err != nil {
		t.Errorf("DisconnectServer(unknown) = %v, want nil", err)
	}
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := NewManager(mcpConfig("a"), nil, nil)
	m.newConn = providerFactory(map[string]map[string]string{"a": {}})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	m.Shutdown()
	m.Shutdown() // second call is a no-op

	if got := len(m.Status()); got != 0 {
		t.Errorf("Status has %d entries after shutdown, want 0", got)
	}

	err := m.ConnectServer(context.Background(), config.ServerConfig{Name: "late", Command: "x"})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("ConnectServer after shutdown = %v, want ErrConnectionClosed", err)
	}
}

func TestManager_GetTranscriptionContext(t *testing.T) {
	m := NewManager(mcpConfig("editor"), nil, nil)
	m.newConn = providerFactory(map[string]map[string]string{
		"editor": {
			"get_active_file":  `{"path":"/src/main.go","language":"go"}`,
			"get_project_info": `{"name":"whispo","technologies":["go"]}`,
			"get_active_app":   `{"name":"Zed","windowTitle":"main.go"}`,
			"get_glossary":     `[{"term":"k8s","replacement":"Kubernetes"}]`,
		},
	})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.SetRecentSource(stubRecent{items: []string{"previous dictation"}})

	tc := m.GetTranscriptionContext(context.Background())

	if tc.ActiveFile == nil || tc.ActiveFile.Path != "/src/main.go" {
		t.Errorf("ActiveFile = %+v", tc.ActiveFile)
	}
	if tc.Project == nil || tc.Project.Name != "whispo" {
		t.Errorf("Project = %+v", tc.Project)
	}
	if tc.ActiveApp == nil || tc.ActiveApp.Name != "Zed" {
		t.Errorf("ActiveApp = %+v", tc.ActiveApp)
	}
	if len(tc.Glossary) != 1 || tc.Glossary[0].Term != "k8s" {
		t.Errorf("Glossary = %+v", tc.Glossary)
	}
	if len(tc.RecentInteractions) != 1 || tc.RecentInteractions[0] != "previous dictation" {
		t.Errorf("RecentInteractions = %+v", tc.RecentInteractions)
	}
}

func TestManager_ContextSourceFailuresAreIndependent(t *testing.T) {
	// The provider only knows get_project_info; everything else fails
	// or is missing, and must not poison the fields that work.
	m := NewManager(mcpConfig("editor"), nil, nil)
	m.newConn = providerFactory(map[string]map[string]string{
		"editor": {
			"get_project_info": `{"name":"whispo"}`,
			"get_active_file":  "", // canned domain error
		},
	})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.SetRecentSource(stubRecent{err: errors.New("db locked")})

	tc := m.GetTranscriptionContext(context.Background())

	if tc.ActiveFile != nil {
		t.Errorf("ActiveFile = %+v, want nil after tool error", tc.ActiveFile)
	}
	if tc.Project == nil || tc.Project.Name != "whispo" {
		t.Errorf("Project = %+v, want populated", tc.Project)
	}
	if tc.RecentInteractions != nil {
		t.Errorf("RecentInteractions = %+v, want nil after store error", tc.RecentInteractions)
	}
}

func TestManager_ContextBudget(t *testing.T) {
	cfg := mcpConfig("editor")
	cfg.ContextAwareness.MaxContextLength = 20

	m := NewManager(cfg, nil, nil)
	m.newConn = providerFactory(map[string]map[string]string{
		"editor": {
			"get_active_file": `{"path":"/a.go","visibleContent":"` + strings.Repeat("x", 100) + `"}`,
		},
	})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.SetRecentSource(stubRecent{items: []string{"this line is far too long to fit"}})

	tc := m.GetTranscriptionContext(context.Background())

	if tc.ActiveFile == nil {
		t.Fatal("ActiveFile missing")
	}
	if got := len(tc.ActiveFile.VisibleContent); got > 20 {
		t.Errorf("VisibleContent length = %d, want <= 20", got)
	}
	if len(tc.RecentInteractions) != 0 {
		t.Errorf("RecentInteractions = %+v, want dropped over budget", tc.RecentInteractions)
	}
}

func TestManager_EnhanceTranscript(t *testing.T) {
	m := NewManager(mcpConfig(), nil, nil)
	m.SetGlossarySource(stubGlossary{entries: []GlossaryEntry{
		{Term: "k8s", Replacement: "Kubernetes"},
		{Term: "whisper", Replacement: "Whisper"},
	}})

	got := m.EnhanceTranscript(context.Background(), "deploy k8s with whisper models")
	want := "deploy Kubernetes with Whisper models"
	if got != want {
		t.Errorf("EnhanceTranscript = %q, want %q", got, want)
	}
}

func TestManager_EnhanceTranscriptGlossaryDisabled(t *testing.T) {
	cfg := mcpConfig()
	cfg.ContextAwareness.UseGlossary = false

	m := NewManager(cfg, nil, nil)
	m.SetGlossarySource(stubGlossary{entries: []GlossaryEntry{
		{Term: "k8s", Replacement: "Kubernetes"},
	}})

	if got := m.EnhanceTranscript(context.Background(), "use k8s"); got != "use k8s" {
		t.Errorf("EnhanceTranscript = %q, want passthrough", got)
	}
}

func TestApplyGlossary(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		entries []GlossaryEntry
		want    string
	}{
		{
			name:    "basic substitution",
			in:      "check the api endpoint",
			entries: []GlossaryEntry{{Term: "api", Replacement: "API"}},
			want:    "check the API endpoint",
		},
		{
			name: "entries applied in order",
			in:   "ab",
			entries: []GlossaryEntry{
				{Term: "a", Replacement: "b"},
				{Term: "bb", Replacement: "c"},
			},
			want: "c",
		},
		{
			name:    "no replacement skipped",
			in:      "define jargon here",
			entries: []GlossaryEntry{{Term: "jargon", Definition: "specialist terms"}},
			want:    "define jargon here",
		},
		{
			name:    "identity replacement skipped",
			in:      "same same",
			entries: []GlossaryEntry{{Term: "same", Replacement: "same"}},
			want:    "same same",
		},
		{
			name:    "no entries",
			in:      "untouched",
			entries: nil,
			want:    "untouched",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApplyGlossary(tt.in, tt.entries); got != tt.want {
				t.Errorf("ApplyGlossary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyGlossary_Idempotent(t *testing.T) {
	entries := []GlossaryEntry{
		{Term: "k8s", Replacement: "Kubernetes"},
		{Term: "gh", Replacement: "GitHub"},
	}
	once := ApplyGlossary("push to gh then deploy k8s", entries)
	twice := ApplyGlossary(once, entries)
	if once != twice {
		t.Errorf("second pass changed output: %q -> %q", once, twice)
	}
}
