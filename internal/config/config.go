// Package config loads redteam configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "redteam.yaml"

// Providers lists the supported model backends.
var Providers = []string{"gemini", "ollama", "huggingface", "openai", "anthropic"}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Backend    BackendConfig    `yaml:"backend"`
	Generation GenerationConfig `yaml:"generation"`
	Loop       LoopConfig       `yaml:"loop"`
	Retry      RetryConfig      `yaml:"retry"`
	Tools      ToolsConfig      `yaml:"tools"`
	Storage    StorageConfig    `yaml:"storage"`
	// Mode is the default prompt mode for new tasks.
	Mode string `yaml:"mode"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// BackendConfig selects the model provider. APIKey is usually supplied
// through the provider's environment variable instead of the file.
type BackendConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

type GenerationConfig struct {
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type LoopConfig struct {
	MaxSteps               int           `yaml:"max_steps"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	LoopDetectionWindow    int           `yaml:"loop_detection_window"`
	StepTimeout            time.Duration `yaml:"step_timeout"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

type ToolsConfig struct {
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	UserAgent       string        `yaml:"user_agent"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxContentChars int           `yaml:"max_content_chars"`
}

type StorageConfig struct {
	// Path of the SQLite session database. Empty disables persistence.
	Path string `yaml:"path"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Pretty: true},
		Backend: BackendConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
		},
		Generation: GenerationConfig{MaxTokens: 512, Temperature: 0.3},
		Loop: LoopConfig{
			MaxSteps:               10,
			MaxConsecutiveFailures: 3,
			LoopDetectionWindow:    3,
			StepTimeout:            2 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  time.Second,
			BackoffFactor: 2,
			MaxDelay:      30 * time.Second,
		},
		Tools: ToolsConfig{
			HTTPTimeout:     10 * time.Second,
			UserAgent:       "RedTeamAgent/1.0",
			MaxBodyBytes:    1 << 20,
			MaxContentChars: 8000,
		},
		Storage: StorageConfig{Path: defaultStoragePath()},
		Mode:    "web-ctf",
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "redteam.db"
	}
	return filepath.Join(home, ".local", "share", "redteam", "sessions.db")
}

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "redteam", FileName))
	}
	return paths
}

// FindConfig returns explicit if it exists, otherwise the first existing
// default path. An empty result with a nil error means no file was found.
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
	return "", nil
}

// Load reads the file at path over the defaults. Environment variables in
// the file are expanded. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve finds, loads and environment-overrides the configuration, then
// validates it.
func Resolve(explicit string) (*Config, string, error) {
	path, err := FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// apiKeyEnv maps providers to the variable holding their credentials.
var apiKeyEnv = map[string]string{
	"gemini":      "GEMINI_API_KEY",
	"openai":      "OPENAI_API_KEY",
	"anthropic":   "ANTHROPIC_API_KEY",
	"huggingface": "HUGGINGFACEHUB_API_TOKEN",
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("REDTEAM_PROVIDER"); ok {
		c.Backend.Provider = v
	}
	c.Backend.Provider = NormalizeProvider(c.Backend.Provider)
	if v, ok := get("REDTEAM_MODEL"); ok {
		c.Backend.Model = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if c.Backend.Provider == "ollama" {
		if v, ok := get("OLLAMA_BASE_URL"); ok {
			c.Backend.BaseURL = v
		}
		if v, ok := get("OLLAMA_MODEL"); ok {
			c.Backend.Model = v
		}
	}
	if key, ok := apiKeyEnv[c.Backend.Provider]; ok && c.Backend.APIKey == "" {
		if v, ok := get(key); ok {
			c.Backend.APIKey = v
		}
	}
}

// NormalizeProvider maps provider aliases to their canonical name.
func NormalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "googleai", "google":
		return "gemini"
	case "hf":
		return "huggingface"
	case "claude":
		return "anthropic"
	}
	return p
}

// APIKeyEnv returns the environment variable read for provider's key.
func APIKeyEnv(provider string) string {
	return apiKeyEnv[NormalizeProvider(provider)]
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !knownProvider(c.Backend.Provider) {
		add("backend.provider %q is not one of %s", c.Backend.Provider, strings.Join(Providers, ", "))
	}
	if c.Backend.Provider != "ollama" && c.Backend.APIKey == "" {
		add("backend.api_key is empty; set %s", APIKeyEnv(c.Backend.Provider))
	}
	if c.Generation.MaxTokens <= 0 {
		add("generation.max_tokens must be positive")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		add("generation.temperature must be within [0, 2]")
	}
	if c.Loop.MaxSteps <= 0 {
		add("loop.max_steps must be positive")
	}
	if c.Loop.MaxConsecutiveFailures <= 0 {
		add("loop.max_consecutive_failures must be positive")
	}
	if c.Loop.LoopDetectionWindow < 0 {
		add("loop.loop_detection_window must not be negative")
	}
	if c.Loop.StepTimeout < 0 {
		add("loop.step_timeout must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Retry.BackoffFactor < 1 {
		add("retry.backoff_factor must be at least 1")
	}
	if c.Tools.HTTPTimeout <= 0 {
		add("tools.http_timeout must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func knownProvider(p string) bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
