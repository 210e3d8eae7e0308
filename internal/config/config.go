// Package config loads the bridge configuration and the session-config file
// and exposes dotted-path lookups over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/zalando/go-keyring"
)

const (
	configDirName   = ".agentbridge"
	configFileName  = "config.json"
	sessionFileName = "session_config"

	// keyringPlaceholder in the config file means the real secret lives in
	// the OS keyring under the service name below.
	keyringPlaceholder = "[keyring]"
	keyringService     = "agentbridge"
	keyringAPIKeyName  = "api_key"

	defaultAPIHost       = "wss://realtime.agentbridge.io"
	defaultContextRounds = 12
)

// sessionPrefixes are the dotted-path roots served from the session config
// rather than the main config file.
var sessionPrefixes = []string{"model.", "speech.", "hearing.", "knowledge.", "extended_properties."}

// Service reads configuration values by dotted path, e.g.
// "model.history_conversation_length".
type Service struct {
	mu         sync.RWMutex
	dir        string
	configRaw  []byte
	sessionRaw []byte
}

// NewService loads config.json and session_config from dir. An empty dir
// means ~/.agentbridge. A missing config file is an error; a missing session
// config is created empty.
func NewService(dir string) (*Service, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, configDirName)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	s := &Service{dir: dir}

	configPath := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration file not found: %s: %w", configPath, err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON in %s", configPath)
	}
	s.configRaw = raw

	sessionPath := filepath.Join(dir, sessionFileName)
	session, err := os.ReadFile(sessionPath)
	if os.IsNotExist(err) {
		session = []byte("{}")
		if werr := os.WriteFile(sessionPath, session, 0600); werr != nil {
			return nil, werr
		}
	} else if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(session) {
		return nil, fmt.Errorf("invalid JSON in %s", sessionPath)
	}
	s.sessionRaw = session

	return s, nil
}

// SessionConfigPath returns the path of the session-config file this service
// loaded.
func (s *Service) SessionConfigPath() string {
	return filepath.Join(s.dir, sessionFileName)
}

// ReloadSession re-reads the session-config file, picking up snapshot
// rewrites made by the memory pipeline.
func (s *Service) ReloadSession() error {
	raw, err := os.ReadFile(s.SessionConfigPath())
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("invalid JSON in %s", s.SessionConfigPath())
	}
	s.mu.Lock()
	s.sessionRaw = raw
	s.mu.Unlock()
	return nil
}

// Get resolves a dotted path against the session config for session-scoped
// roots (model.*, agent_id, variables, ...) and the main config otherwise.
func (s *Service) Get(path string) gjson.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if isSessionPath(path) {
		return gjson.GetBytes(s.sessionRaw, path)
	}
	return gjson.GetBytes(s.configRaw, path)
}

func isSessionPath(path string) bool {
	if path == "agent_id" || path == "variables" {
		return true
	}
	for _, p := range sessionPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// GetString returns the value at path or def when absent.
func (s *Service) GetString(path, def string) string {
	if v := s.Get(path); v.Exists() {
		return v.String()
	}
	return def
}

// GetInt returns the value at path or def when absent.
func (s *Service) GetInt(path string, def int) int {
	if v := s.Get(path); v.Exists() {
		return int(v.Int())
	}
	return def
}

// AgentID returns the configured agent identity, empty when unset.
func (s *Service) AgentID() string {
	return s.GetString("agent_id", "")
}

// APIHost returns the realtime API host, wss:// scheme included.
func (s *Service) APIHost() string {
	host := s.GetString("api.base_url", defaultAPIHost)
	if !strings.HasPrefix(host, "wss://") && !strings.HasPrefix(host, "ws://") {
		host = "wss://" + host
	}
	return host
}

// APIKey returns the API key, resolving the "[keyring]" placeholder through
// the OS keyring.
func (s *Service) APIKey() string {
	key := s.GetString("api.api_key", "")
	if key != keyringPlaceholder {
		return key
	}
	stored, err := keyring.Get(keyringService, keyringAPIKeyName)
	if err != nil {
		return ""
	}
	return stored
}

// ContextRounds returns how many recent messages form the conversation
// context window.
func (s *Service) ContextRounds() int {
	return s.GetInt("model.history_conversation_length", defaultContextRounds)
}

// MemoryGenerationEnabled reports whether this process is responsible for
// generating long-term memory.
func (s *Service) MemoryGenerationEnabled() bool {
	return s.GetString("model.enable_memory_generation", "") == "client"
}
