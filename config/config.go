// Package config loads relay settings and agent definition files.
//
// Settings are YAML (JSON is accepted as a subset). They are read once per
// top-level run and converted into the read-only structures the engine works
// with: transport configuration and global policy per server.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/hupe1980/agentrelay/connector"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/telemetry"
	"gopkg.in/yaml.v3"
)

// Supported model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// ModelConfig selects and tunes the model provider.
type ModelConfig struct {
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// ServerSettings is the configuration of one tool server: how to reach it
// and which of its tools are exposed at all.
type ServerSettings struct {
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Disabled  bool              `yaml:"disabled"`

	IncludeTools         []string `yaml:"include_tools"`
	ExcludeTools         []string `yaml:"exclude_tools"`
	RequiresConfirmation []string `yaml:"requires_confirmation"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Settings is the root of the settings file.
type Settings struct {
	Model        ModelConfig               `yaml:"model"`
	Servers      map[string]ServerSettings `yaml:"servers"`
	AgentsDir    string                    `yaml:"agents_dir"`
	SystemPrompt string                    `yaml:"system_prompt"`
	Logging      LoggingConfig             `yaml:"logging"`
	Telemetry    telemetry.Config          `yaml:"telemetry"`
}

// Load reads, defaults and validates the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ConfigurationError{Message: "read settings " + path, Err: err}
	}
	return Parse(data)
}

// Parse decodes settings from data, applies defaults and validates them.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &core.ConfigurationError{Message: "parse settings", Err: err}
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.Model.Provider == "" {
		s.Model.Provider = ProviderOpenAI
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.Format == "" {
		s.Logging.Format = "text"
	}
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = "agentrelay"
	}
}

// Validate checks the model provider and the transport settings of every
// enabled server.
func (s *Settings) Validate() error {
	switch s.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	default:
		return core.NewConfigurationError("unknown model provider %q", s.Model.Provider)
	}

	for _, name := range s.ServerNames() {
		ss := s.Servers[name]
		if ss.Disabled {
			continue
		}
		if err := ss.connectorConfig().Validate(); err != nil {
			return &core.ConfigurationError{Message: fmt.Sprintf("server %q", name), Err: err}
		}
	}
	return nil
}

// ServerNames returns the configured server names, sorted.
func (s *Settings) ServerNames() []string {
	names := make([]string, 0, len(s.Servers))
	for n := range s.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (ss ServerSettings) connectorConfig() connector.ServerConfig {
	return connector.ServerConfig{
		Transport: connector.Transport(ss.Transport),
		Command:   ss.Command,
		Args:      append([]string(nil), ss.Args...),
		Env:       copyMap(ss.Env),
		URL:       ss.URL,
		Headers:   copyMap(ss.Headers),
	}
}

// ServerConfigs returns the transport configuration per server.
func (s *Settings) ServerConfigs() map[string]connector.ServerConfig {
	out := make(map[string]connector.ServerConfig, len(s.Servers))
	for name, ss := range s.Servers {
		out[name] = ss.connectorConfig()
	}
	return out
}

// GlobalPolicies returns the global tool policy per server.
func (s *Settings) GlobalPolicies() map[string]core.GlobalServerPolicy {
	out := make(map[string]core.GlobalServerPolicy, len(s.Servers))
	for name, ss := range s.Servers {
		out[name] = core.GlobalServerPolicy{
			Enabled:              !ss.Disabled,
			Include:              nameSet(ss.IncludeTools),
			Exclude:              nameSet(ss.ExcludeTools),
			RequiresConfirmation: nameSet(ss.RequiresConfirmation),
		}
	}
	return out
}

// nameSet keeps nil distinct from an empty list.
func nameSet(list []string) core.NameSet {
	if list == nil {
		return nil
	}
	return core.NewNameSet(list...)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
