package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Store owns the live configuration and persists changes back to disk.
// Mutation happens only through the enumerated Set* operations below —
// there is no merge-arbitrary-fields path. All methods are safe for
// concurrent use.
type Store struct {
	path         string
	profilesPath string
	logger       *slog.Logger

	mu       sync.RWMutex
	cfg      *Config
	profiles profilesData
}

// SettingsProfile is a named snapshot of the MCP configuration that can
// be switched to as a unit.
type SettingsProfile struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Config      McpConfiguration `yaml:"config"`
	CreatedAt   time.Time        `yaml:"created_at"`
	UpdatedAt   time.Time        `yaml:"updated_at"`
}

type profilesData struct {
	Profiles        []SettingsProfile `yaml:"profiles"`
	ActiveProfileID string            `yaml:"active_profile_id,omitempty"`
}

// NewStore creates a store around an already-loaded config. path is
// where Save writes; profiles are kept in profiles.yaml under the
// config's data directory. An existing profiles file is loaded, a
// missing one is not an error.
func NewStore(path string, cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MCP.Servers == nil {
		cfg.MCP.Servers = make(map[string]ServerConfig)
	}

	s := &Store{
		path:         path,
		profilesPath: filepath.Join(cfg.DataDir, "profiles.yaml"),
		logger:       logger.With("component", "config"),
		cfg:          cfg,
	}

	if err := s.loadProfiles(); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	return s, nil
}

// Get returns a deep copy of the full configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := *s.cfg
	out.MCP = s.cfg.MCP.Clone()
	return out
}

// MCP returns a deep copy of the MCP subsystem configuration.
func (s *Store) MCP() McpConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MCP.Clone()
}

// UpdateMCP replaces the MCP configuration wholesale and persists it.
// This is the host-facing updateConfig operation; connections spawned
// from the previous configuration are unaffected until re-initialized.
func (s *Store) UpdateMCP(mcp McpConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mcp.Servers == nil {
		mcp.Servers = make(map[string]ServerConfig)
	}
	if mcp.ContextAwareness.MaxContextLength <= 0 {
		mcp.ContextAwareness.MaxContextLength = DefaultMaxContextLength
	}
	s.cfg.MCP = mcp.Clone()
	return s.save()
}

// SetEnabled toggles the whole MCP subsystem and persists the change.
func (s *Store) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MCP.Enabled = enabled
	return s.save()
}

// SetServer adds or replaces a server entry and persists the change.
func (s *Store) SetServer(sc ServerConfig) error {
	if sc.Name == "" {
		return fmt.Errorf("server config has no name")
	}
	if sc.Command == "" {
		return fmt.Errorf("server %q has no command", sc.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MCP.Servers[sc.Name] = sc.Clone()
	return s.save()
}

// RemoveServer deletes a server entry and persists the change. Removing
// an unknown name is a no-op.
func (s *Store) RemoveServer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfg.MCP.Servers[name]; !ok {
		return nil
	}
	delete(s.cfg.MCP.Servers, name)
	return s.save()
}

// SetContextAwareness replaces the context-awareness flags and persists
// the change.
func (s *Store) SetContextAwareness(ca ContextAwareness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ca.MaxContextLength <= 0 {
		ca.MaxContextLength = DefaultMaxContextLength
	}
	s.cfg.MCP.ContextAwareness = ca
	return s.save()
}

// save writes the config file. Caller must hold s.mu.
func (s *Store) save() error {
	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Profiles returns a copy of all settings profiles.
func (s *Store) Profiles() []SettingsProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SettingsProfile, len(s.profiles.Profiles))
	for i, p := range s.profiles.Profiles {
		p.Config = p.Config.Clone()
		out[i] = p
	}
	return out
}

// ActiveProfile returns the active profile, if one is set.
func (s *Store) ActiveProfile() (SettingsProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles.Profiles {
		if p.ID == s.profiles.ActiveProfileID {
			p.Config = p.Config.Clone()
			return p, true
		}
	}
	return SettingsProfile{}, false
}

// CreateProfile snapshots the current MCP configuration under a new
// named profile and persists it.
func (s *Store) CreateProfile(name, description string) (SettingsProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p := SettingsProfile{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Config:      s.cfg.MCP.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.profiles.Profiles = append(s.profiles.Profiles, p)

	if err := s.saveProfiles(); err != nil {
		return SettingsProfile{}, err
	}
	return p, nil
}

// SwitchProfile makes the named profile active and applies its MCP
// configuration as the current one. Returns false if the id is unknown.
func (s *Store) SwitchProfile(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles.Profiles {
		if p.ID != id {
			continue
		}
		s.profiles.ActiveProfileID = id
		s.cfg.MCP = p.Config.Clone()
		if err := s.saveProfiles(); err != nil {
			return false, err
		}
		return true, s.save()
	}
	return false, nil
}

// DeleteProfile removes a profile. If it was active, the active marker
// is cleared. Returns false if the id is unknown.
func (s *Store) DeleteProfile(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.profiles.Profiles {
		if p.ID != id {
			continue
		}
		s.profiles.Profiles = append(s.profiles.Profiles[:i], s.profiles.Profiles[i+1:]...)
		if s.profiles.ActiveProfileID == id {
			s.profiles.ActiveProfileID = ""
		}
		return true, s.saveProfiles()
	}
	return false, nil
}

func (s *Store) loadProfiles() error {
	data, err := os.ReadFile(s.profilesPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &s.profiles); err != nil {
		// A corrupt profiles file should not prevent startup.
		s.logger.Warn("ignoring unreadable profiles file",
			"path", s.profilesPath,
			"error", err,
		)
		s.profiles = profilesData{}
	}
	return nil
}

// saveProfiles writes the profiles file. Caller must hold s.mu.
func (s *Store) saveProfiles() error {
	data, err := yaml.Marshal(&s.profiles)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.profilesPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(s.profilesPath, data, 0o600); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	return nil
}
