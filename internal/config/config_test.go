package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/whispo-test
log_level: debug
mcp:
  enabled: true
  servers:
    editor:
      name: editor
      command: editor-mcp
      args: ["--stdio"]
      enabled: true
  context_awareness:
    use_file_context: true
    use_glossary: true
    max_context_length: 2048
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.MCP.Enabled {
		t.Error("MCP.Enabled = false, want true")
	}
	sc, ok := cfg.MCP.Servers["editor"]
	if !ok {
		t.Fatal("editor server missing")
	}
	if sc.Command != "editor-mcp" {
		t.Errorf("Command = %q, want %q", sc.Command, "editor-mcp")
	}
	if got := cfg.MCP.ContextAwareness.MaxContextLength; got != 2048 {
		t.Errorf("MaxContextLength = %d, want 2048", got)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("WHISPO_TEST_CMD", "context-server")
	path := writeConfig(t, `
mcp:
  servers:
    ctx:
      name: ctx
      command: ${WHISPO_TEST_CMD}
      enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.MCP.Servers["ctx"].Command; got != "context-server" {
		t.Errorf("Command = %q, want %q", got, "context-server")
	}
}

func TestLoad_MaxContextLengthDefault(t *testing.T) {
	path := writeConfig(t, "mcp:\n  enabled: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.MCP.ContextAwareness.MaxContextLength; got != DefaultMaxContextLength {
		t.Errorf("MaxContextLength = %d, want %d", got, DefaultMaxContextLength)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MCP.Enabled {
		t.Error("default config has MCP enabled")
	}
	if len(cfg.MCP.Servers) != 0 {
		t.Errorf("default config has %d servers, want 0", len(cfg.MCP.Servers))
	}
	if !cfg.MCP.ContextAwareness.UseGlossary {
		t.Error("UseGlossary = false, want true")
	}
}

func TestMcpConfiguration_CloneIsDeep(t *testing.T) {
	orig := McpConfiguration{
		Servers: map[string]ServerConfig{
			"a": {Name: "a", Command: "cmd", Env: map[string]string{"K": "v"}},
		},
	}
	clone := orig.Clone()
	clone.Servers["a"] = ServerConfig{Name: "a", Command: "other"}

	if orig.Servers["a"].Command != "cmd" {
		t.Error("mutating clone leaked into original")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
