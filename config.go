package halpdesk

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	defaults "github.com/Paranoid-AF/halpdesk/default"
	"github.com/Paranoid-AF/halpdesk/provider"
)

// Config is the daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Providers ProvidersConfig `mapstructure:"providers" toml:"providers"`
	Sessions  SessionsConfig  `mapstructure:"sessions" toml:"sessions"`
}

// ServerConfig holds the HTTP bind address. Endpoint, when set, wins over
// Host and Port.
type ServerConfig struct {
	Endpoint string `mapstructure:"endpoint" toml:"endpoint,omitempty"`
	Host     string `mapstructure:"host" toml:"host"`
	Port     int    `mapstructure:"port" toml:"port"`
}

// ProvidersConfig selects and configures the model backends.
type ProvidersConfig struct {
	Default string       `mapstructure:"default" toml:"default"`
	OpenAI  HostedConfig `mapstructure:"openai" toml:"openai"`
	Claude  HostedConfig `mapstructure:"claude" toml:"claude"`
	Gemini  HostedConfig `mapstructure:"gemini" toml:"gemini"`
	Ollama  OllamaConfig `mapstructure:"ollama" toml:"ollama"`
}

// HostedConfig configures a key-based hosted API.
type HostedConfig struct {
	BaseURL string `mapstructure:"base_url" toml:"base_url,omitempty"`
	Model   string `mapstructure:"model" toml:"model"`
	APIKey  string `mapstructure:"api_key" toml:"api_key,omitempty"`
}

// OllamaConfig configures the local model server.
type OllamaConfig struct {
	BaseURL   string `mapstructure:"base_url" toml:"base_url"`
	Model     string `mapstructure:"model" toml:"model"`
	Binary    string `mapstructure:"binary" toml:"binary,omitempty"`
	Autostart bool   `mapstructure:"autostart" toml:"autostart"`
}

// SessionsConfig controls the stale-session sweep.
type SessionsConfig struct {
	MaxAgeMinutes        int `mapstructure:"max_age_minutes" toml:"max_age_minutes"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes" toml:"sweep_interval_minutes"`
}

// envBindings maps config keys to the environment variables that override
// them, in priority order.
var envBindings = map[string][]string{
	"server.endpoint":            {"HALPDESK_DAEMON_ENDPOINT"},
	"server.host":                {"HALPDESK_DAEMON_HOST"},
	"server.port":                {"HALPDESK_DAEMON_PORT"},
	"providers.default":          {"HALPDESK_PROVIDER"},
	"providers.openai.base_url":  {"HALPDESK_OPENAI_BASE_URL"},
	"providers.openai.model":     {"HALPDESK_OPENAI_MODEL"},
	"providers.openai.api_key":   {"OPENAI_API_KEY"},
	"providers.claude.base_url":  {"HALPDESK_CLAUDE_BASE_URL"},
	"providers.claude.model":     {"HALPDESK_CLAUDE_MODEL"},
	"providers.claude.api_key":   {"ANTHROPIC_API_KEY"},
	"providers.gemini.base_url":  {"HALPDESK_GEMINI_BASE_URL"},
	"providers.gemini.model":     {"HALPDESK_GEMINI_MODEL"},
	"providers.gemini.api_key":   {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"providers.ollama.base_url":  {"HALPDESK_OLLAMA_BASE_URL", "OLLAMA_HOST"},
	"providers.ollama.model":     {"HALPDESK_OLLAMA_MODEL"},
	"providers.ollama.binary":    {"HALPDESK_OLLAMA_BIN"},
	"providers.ollama.autostart": {"HALPDESK_OLLAMA_AUTOSTART"},
}

// ConfigDir returns the config directory path.
// Resolution order: $XDG_CONFIG_HOME/halpdesk > ~/.config/halpdesk
func ConfigDir() string {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "halpdesk")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "halpdesk-config")
	}
	return filepath.Join(home, ".config", "halpdesk")
}

// ConfigPath returns the config file path. $HALPDESK_CONFIG overrides it.
func ConfigPath() string {
	if path := os.Getenv("HALPDESK_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the custom suggest prompt path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// LoadPrompt returns the custom suggest prompt, or "" if none exists.
func LoadPrompt() string {
	path := PromptPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", path)
	return string(data)
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic("halpdesk: invalid embedded default_config.toml: " + err.Error())
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(defaults.ConfigTOML)); err != nil {
		panic("halpdesk: invalid embedded default_config.toml: " + err.Error())
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the config file at path (ConfigPath when empty) on top of
// the embedded defaults, then applies environment overrides. A missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		slog.Debug("loaded config", "path", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return decode(v)
}

// Addr returns the host:port the daemon listens on.
func (c *Config) Addr() (string, error) {
	if c.Server.Endpoint != "" {
		host, port, err := ParseEndpoint(c.Server.Endpoint)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return "", fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port)), nil
}

// ParseEndpoint splits a daemon endpoint such as "http://127.0.0.1:8765",
// "tcp://localhost:9000" or "localhost:9000" into host and port.
func ParseEndpoint(endpoint string) (string, int, error) {
	s := strings.TrimSpace(endpoint)
	for _, prefix := range []string{"http://", "https://", "tcp://"} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid endpoint %q: bad port %q", endpoint, portStr)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

// MaxAge is the inactivity threshold for the stale-session sweep.
func (c *Config) MaxAge() time.Duration {
	if c.Sessions.MaxAgeMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Sessions.MaxAgeMinutes) * time.Minute
}

// SweepInterval is how often the stale-session sweep runs.
func (c *Config) SweepInterval() time.Duration {
	if c.Sessions.SweepIntervalMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Sessions.SweepIntervalMinutes) * time.Minute
}

// ProviderSettings converts the config into the provider package's settings.
func (c *Config) ProviderSettings(suggestPrompt string) provider.Settings {
	hosted := func(h HostedConfig) provider.HostedSettings {
		return provider.HostedSettings{BaseURL: h.BaseURL, Model: h.Model, APIKey: h.APIKey}
	}
	autostart := c.Providers.Ollama.Autostart
	return provider.Settings{
		Default: c.Providers.Default,
		OpenAI:  hosted(c.Providers.OpenAI),
		Claude:  hosted(c.Providers.Claude),
		Gemini:  hosted(c.Providers.Gemini),
		Ollama: provider.LocalSettings{
			BaseURL:   c.Providers.Ollama.BaseURL,
			Model:     c.Providers.Ollama.Model,
			Binary:    c.Providers.Ollama.Binary,
			Autostart: &autostart,
		},
		SuggestPrompt: suggestPrompt,
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	for _, h := range []*HostedConfig{&out.Providers.OpenAI, &out.Providers.Claude, &out.Providers.Gemini} {
		if h.APIKey != "" {
			h.APIKey = "***"
		}
	}
	return &out
}
