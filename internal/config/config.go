// Package config loads and defaults agenr's configuration file.
//
// The wire format (~/.agenr/config.json) is JSON: a typed Config struct,
// a New() constructor that fills in sane defaults, a provider-to-env-var
// lookup table for API keys, and a credentials-first accessor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ForgettingConfig controls the consolidator's retirement thresholds.
type ForgettingConfig struct {
	Protect       []string `json:"protect"`
	ScoreThreshold float64 `json:"scoreThreshold"`
	MaxAgeDays    int      `json:"maxAgeDays"`
	Enabled       bool     `json:"enabled"`
}

// ModelsConfig names the model used for each LLM-backed role.
type ModelsConfig struct {
	Extraction         string `json:"extraction"`
	ClaimExtraction    string `json:"claimExtraction"`
	ContradictionJudge string `json:"contradictionJudge"`
	HandoffSummary     string `json:"handoffSummary"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	APIKey     string `json:"apiKey,omitempty"`
}

// DBConfig locates the storage engine's database file.
type DBConfig struct {
	Path string `json:"path"`
}

// Config is the full agenr configuration file shape.
type Config struct {
	Auth        string            `json:"auth"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	Models      ModelsConfig      `json:"models"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	DB          DBConfig          `json:"db"`
	Forgetting  ForgettingConfig  `json:"forgetting"`
	LabelProjectMap map[string]string `json:"labelProjectMap,omitempty"`
	Projects    []string          `json:"projects,omitempty"`
}

// defaultAPIKeyEnv maps a provider name to the environment variable that
// conventionally carries its API key.
var defaultAPIKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"cohere":    "COHERE_API_KEY",
	"voyage":    "VOYAGE_API_KEY",
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Models: ModelsConfig{
			Extraction:         "claude-sonnet-4-5",
			ClaimExtraction:    "claude-sonnet-4-5",
			ContradictionJudge: "claude-haiku-4-5",
			HandoffSummary:     "claude-haiku-4-5",
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-large",
			Dimensions: 1024,
		},
		DB: DBConfig{
			Path: DefaultDBPath(),
		},
		Forgetting: ForgettingConfig{
			ScoreThreshold: 0.2,
			MaxAgeDays:     30,
			Enabled:        true,
		},
	}
}

// DefaultDir returns ~/.agenr.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agenr")
}

// DefaultConfigPath returns ~/.agenr/config.json.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDir(), "config.json")
}

// DefaultDBPath returns ~/.agenr/agenr.db.
func DefaultDBPath() string {
	return filepath.Join(DefaultDir(), "agenr.db")
}

// LoadFile reads and parses a config file at path, defaulting unset fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadDefault loads ~/.agenr/config.json, or returns defaults if absent.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Save writes cfg to path with mode 0600, creating ~/.agenr with 0700.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyDefaults() {
	def := New()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.Models.Extraction == "" {
		c.Models.Extraction = def.Models.Extraction
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = def.Embedding.Provider
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = def.Embedding.Dimensions
	}
	if c.DB.Path == "" {
		c.DB.Path = def.DB.Path
	}
	if c.Forgetting.MaxAgeDays == 0 {
		c.Forgetting.MaxAgeDays = def.Forgetting.MaxAgeDays
	}
}

// GetAPIKey resolves an API key for provider: explicit credentials entry
// first, then the provider's default environment variable.
func (c *Config) GetAPIKey(provider string) string {
	if key, ok := c.Credentials[provider]; ok && key != "" {
		return key
	}
	if env, ok := defaultAPIKeyEnv[strings.ToLower(provider)]; ok {
		return os.Getenv(env)
	}
	return ""
}

// DefaultAPIKeyEnv returns the conventional env var name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	return defaultAPIKeyEnv[strings.ToLower(provider)]
}
