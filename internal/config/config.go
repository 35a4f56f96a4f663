// Package config holds the two configuration surfaces of ralph: the global
// config file (providers, loop budgets, journal) and the per-project
// manifest (ralph.yaml).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Provider types accepted in the registry.
const (
	ProviderOpenAI           = "openai"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai_compatible"
)

// Config is the on-disk global configuration.
//
// Secrets never live here. API keys are read from the environment variable
// each provider names via api_key_env.
type Config struct {
	// Providers is the provider registry. Providers own their allowed
	// model list; models are addressed as <provider_id>/<model_name>.
	Providers []Provider `json:"providers,omitempty"`

	// DefaultModel is the model wire id used when a project manifest does
	// not pick one.
	DefaultModel string `json:"default_model,omitempty"`

	Loop    *LoopConfig    `json:"loop,omitempty"`
	Journal *JournalConfig `json:"journal,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key). Model wire ids embed it,
	// so it must not change once in use.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible; optional otherwise.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Empty picks the conventional variable for the provider type.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// Models is the allowed model list for this provider.
	Models []string `json:"models,omitempty"`
}

// LoopConfig bounds a single run. Nil fields take defaults.
type LoopConfig struct {
	// MaxIterations caps plan items worked in one run. Zero means no cap.
	MaxIterations *int `json:"max_iterations,omitempty"`

	// MaxToolSteps caps tool-call exchange rounds within one work item.
	MaxToolSteps *int `json:"max_tool_steps,omitempty"`

	// MaxOutputTokens caps each model response.
	MaxOutputTokens *int `json:"max_output_tokens,omitempty"`

	// RequestTimeoutSeconds bounds one model request.
	RequestTimeoutSeconds *int `json:"request_timeout_seconds,omitempty"`

	// ToolTimeoutSeconds bounds one tool call round trip. It must stay
	// above the run_command default so shell timeouts surface as tool
	// results instead of transport errors.
	ToolTimeoutSeconds *int `json:"tool_timeout_seconds,omitempty"`
}

type JournalConfig struct {
	// Path locates the sqlite journal. Empty picks ~/.ralph/journal.db.
	Path string `json:"path,omitempty"`

	// Disabled turns run journaling off entirely.
	Disabled bool `json:"disabled,omitempty"`
}

const (
	defaultMaxIterations   = 0
	defaultMaxToolSteps    = 25
	defaultMaxOutputTokens = 8192
	defaultRequestTimeout  = 300 * time.Second
	defaultToolTimeout     = 180 * time.Second
)

// Default returns the configuration written on first use.
func Default() *Config {
	return &Config{
		Providers: []Provider{
			{
				ID:     "anthropic",
				Name:   "Anthropic",
				Type:   ProviderAnthropic,
				Models: []string{"claude-sonnet-4-5", "claude-opus-4-1"},
			},
			{
				ID:     "openai",
				Name:   "OpenAI",
				Type:   ProviderOpenAI,
				Models: []string{"gpt-4.1", "o4-mini"},
			},
		},
		DefaultModel: "anthropic/claude-sonnet-4-5",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.Loop != nil {
		if v := c.Loop.MaxIterations; v != nil && *v < 0 {
			return fmt.Errorf("invalid loop.max_iterations %d", *v)
		}
		if v := c.Loop.MaxToolSteps; v != nil && *v < 1 {
			return fmt.Errorf("invalid loop.max_tool_steps %d", *v)
		}
		if v := c.Loop.MaxOutputTokens; v != nil && *v < 1 {
			return fmt.Errorf("invalid loop.max_output_tokens %d", *v)
		}
		if v := c.Loop.RequestTimeoutSeconds; v != nil && *v < 1 {
			return fmt.Errorf("invalid loop.request_timeout_seconds %d", *v)
		}
		if v := c.Loop.ToolTimeoutSeconds; v != nil && *v < 1 {
			return fmt.Errorf("invalid loop.tool_timeout_seconds %d", *v)
		}
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompatible:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == ProviderOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		names := make(map[string]struct{}, len(p.Models))
		for j, m := range p.Models {
			name := strings.TrimSpace(m)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model name %q (must not contain /)", i, j, name)
			}
			if _, ok := names[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model %q", i, j, name)
			}
			names[name] = struct{}{}
		}
	}

	if dm := strings.TrimSpace(c.DefaultModel); dm != "" {
		if _, _, err := c.ResolveModel(dm); err != nil {
			return fmt.Errorf("invalid default_model: %w", err)
		}
	}
	return nil
}

// FindProvider looks a provider up by id.
func (c *Config) FindProvider(id string) (*Provider, bool) {
	if c == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].ID) == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// ResolveModel resolves a model wire id (<provider_id>/<model_name>) against
// the registry. An empty id falls back to default_model.
func (c *Config) ResolveModel(modelID string) (*Provider, string, error) {
	if c == nil {
		return nil, "", errors.New("nil config")
	}
	raw := strings.TrimSpace(modelID)
	if raw == "" {
		raw = strings.TrimSpace(c.DefaultModel)
	}
	if raw == "" {
		return nil, "", errors.New("no model selected and no default_model configured")
	}
	pid, name, ok := strings.Cut(raw, "/")
	pid = strings.TrimSpace(pid)
	name = strings.TrimSpace(name)
	if !ok || pid == "" || name == "" {
		return nil, "", fmt.Errorf("invalid model id %q (want <provider>/<model>)", raw)
	}
	p, ok := c.FindProvider(pid)
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q", pid)
	}
	for _, m := range p.Models {
		if strings.TrimSpace(m) == name {
			return p, name, nil
		}
	}
	return nil, "", fmt.Errorf("model %q is not allowed for provider %q", name, pid)
}

func (p *Provider) EffectiveName() string {
	if p == nil {
		return ""
	}
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	return strings.TrimSpace(p.ID)
}

// EffectiveAPIKeyEnv returns the environment variable holding this
// provider's API key.
func (p *Provider) EffectiveAPIKeyEnv() string {
	if p == nil {
		return ""
	}
	if v := strings.TrimSpace(p.APIKeyEnv); v != "" {
		return v
	}
	switch strings.TrimSpace(p.Type) {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func (c *Config) EffectiveMaxIterations() int {
	if c == nil || c.Loop == nil || c.Loop.MaxIterations == nil || *c.Loop.MaxIterations < 0 {
		return defaultMaxIterations
	}
	return *c.Loop.MaxIterations
}

func (c *Config) EffectiveMaxToolSteps() int {
	if c == nil || c.Loop == nil || c.Loop.MaxToolSteps == nil || *c.Loop.MaxToolSteps < 1 {
		return defaultMaxToolSteps
	}
	return *c.Loop.MaxToolSteps
}

func (c *Config) EffectiveMaxOutputTokens() int {
	if c == nil || c.Loop == nil || c.Loop.MaxOutputTokens == nil || *c.Loop.MaxOutputTokens < 1 {
		return defaultMaxOutputTokens
	}
	return *c.Loop.MaxOutputTokens
}

func (c *Config) EffectiveRequestTimeout() time.Duration {
	if c == nil || c.Loop == nil || c.Loop.RequestTimeoutSeconds == nil || *c.Loop.RequestTimeoutSeconds < 1 {
		return defaultRequestTimeout
	}
	return time.Duration(*c.Loop.RequestTimeoutSeconds) * time.Second
}

func (c *Config) EffectiveToolTimeout() time.Duration {
	if c == nil || c.Loop == nil || c.Loop.ToolTimeoutSeconds == nil || *c.Loop.ToolTimeoutSeconds < 1 {
		return defaultToolTimeout
	}
	return time.Duration(*c.Loop.ToolTimeoutSeconds) * time.Second
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return "text"
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "json":
		return "json"
	default:
		return "text"
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return "info"
	}
	switch v := strings.TrimSpace(strings.ToLower(c.LogLevel)); v {
	case "debug", "warn", "error":
		return v
	default:
		return "info"
	}
}

func (c *Config) JournalEnabled() bool {
	return c == nil || c.Journal == nil || !c.Journal.Disabled
}

// EffectiveJournalPath returns the sqlite journal location.
func (c *Config) EffectiveJournalPath() string {
	if c != nil && c.Journal != nil {
		if p := strings.TrimSpace(c.Journal.Path); p != "" {
			return p
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "ralph.journal.db"
	}
	return filepath.Join(home, ".ralph", "journal.db")
}

// DefaultConfigPath returns the global config path:
//
//	~/.ralph/config.json
//
// RALPH_CONFIG overrides it.
func DefaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("RALPH_CONFIG")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "ralph.config.json"
	}
	return filepath.Join(home, ".ralph", "config.json")
}

// Load reads and validates the global config. A missing file yields the
// defaults rather than an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config atomically, creating parent directories.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
