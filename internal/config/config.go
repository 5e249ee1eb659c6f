// Package config handles whispo-mcp configuration loading and the
// typed configuration store.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/whispo/config.yaml, /etc/whispo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "whispo", "config.yaml"))
	}

	paths = append(paths, "/etc/whispo/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all whispo-mcp configuration.
type Config struct {
	DataDir  string           `yaml:"data_dir"`
	LogLevel string           `yaml:"log_level"`
	MCP      McpConfiguration `yaml:"mcp"`
}

// McpConfiguration configures the MCP subsystem: the external context
// provider servers to spawn and the context-awareness flags consulted
// during transcript enhancement. Enabled=false makes the whole
// subsystem a no-op.
type McpConfiguration struct {
	Enabled          bool                    `yaml:"enabled" json:"enabled"`
	Servers          map[string]ServerConfig `yaml:"servers" json:"servers"`
	ContextAwareness ContextAwareness        `yaml:"context_awareness" json:"contextAwareness"`
}

// ServerConfig describes one external MCP server process. It is
// immutable once a connection has been spawned from it; changing it
// requires tearing down and respawning the connection.
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
}

// ContextAwareness selects which context sources the aggregator
// consults when building a TranscriptionContext.
type ContextAwareness struct {
	UseFileContext        bool `yaml:"use_file_context" json:"useFileContext"`
	UseProjectContext     bool `yaml:"use_project_context" json:"useProjectContext"`
	UseGlossary           bool `yaml:"use_glossary" json:"useGlossary"`
	UseRecentInteractions bool `yaml:"use_recent_interactions" json:"useRecentInteractions"`
	MaxContextLength      int  `yaml:"max_context_length" json:"maxContextLength"`
}

// Clone returns a deep copy. Server and env maps are copied so callers
// can mutate the result without racing the store.
func (m McpConfiguration) Clone() McpConfiguration {
	out := m
	out.Servers = make(map[string]ServerConfig, len(m.Servers))
	for name, sc := range m.Servers {
		out.Servers[name] = sc.Clone()
	}
	return out
}

// Clone returns a deep copy of the server config.
func (s ServerConfig) Clone() ServerConfig {
	out := s
	out.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Load reads configuration from a YAML file. Environment variable
// references ($VAR or ${VAR}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.MCP.Servers == nil {
		cfg.MCP.Servers = make(map[string]ServerConfig)
	}
	if cfg.MCP.ContextAwareness.MaxContextLength <= 0 {
		cfg.MCP.ContextAwareness.MaxContextLength = DefaultMaxContextLength
	}

	return cfg, nil
}

// DefaultMaxContextLength bounds the aggregated context passed along
// with a transcript.
const DefaultMaxContextLength = 4096

// Default returns a default configuration: subsystem disabled, no
// servers, all context-awareness flags on.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		MCP: McpConfiguration{
			Enabled: false,
			Servers: make(map[string]ServerConfig),
			ContextAwareness: ContextAwareness{
				UseFileContext:        true,
				UseProjectContext:     true,
				UseGlossary:           true,
				UseRecentInteractions: true,
				MaxContextLength:      DefaultMaxContextLength,
			},
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "whispo")
	}
	return "."
}
