package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_FileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	t.Setenv("TEST_REDTEAM_MODEL", "qwen2.5:7b")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  provider: ollama
  model: ${TEST_REDTEAM_MODEL}
loop:
  max_steps: 20
  step_timeout: 45s
retry:
  initial_delay: 250ms
mode: base
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Backend.Provider)
	assert.Equal(t, "qwen2.5:7b", cfg.Backend.Model)
	assert.Equal(t, 20, cfg.Loop.MaxSteps)
	assert.Equal(t, 45*time.Second, cfg.Loop.StepTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 3, cfg.Loop.MaxConsecutiveFailures, "unset keys keep defaults")
	assert.Equal(t, "base", cfg.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFindConfig(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "x.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	got, err := FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{
		"GEMINI_API_KEY": "g-key",
		"OPENAI_API_KEY": "o-key",
		"LOG_LEVEL":      "debug",
	}))
	assert.Equal(t, "g-key", cfg.Backend.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)

	cfg = Default()
	cfg.ApplyEnv(env(map[string]string{
		"REDTEAM_PROVIDER": "Ollama",
		"OLLAMA_BASE_URL":  "http://gpu:11434",
		"OLLAMA_MODEL":     "llama3",
		"REDTEAM_MODEL":    "ignored-by-ollama-model",
	}))
	assert.Equal(t, "ollama", cfg.Backend.Provider)
	assert.Equal(t, "http://gpu:11434", cfg.Backend.BaseURL)
	assert.Equal(t, "llama3", cfg.Backend.Model)
	assert.NoError(t, cfg.Validate(), "ollama needs no key")

	cfg = Default()
	cfg.Backend.APIKey = "from-file"
	cfg.ApplyEnv(env(map[string]string{"GEMINI_API_KEY": "from-env"}))
	assert.Equal(t, "from-file", cfg.Backend.APIKey)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Backend.Provider = "skynet"
	cfg.Loop.MaxSteps = 0
	cfg.Retry.BackoffFactor = 0.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 4)
	assert.Contains(t, err.Error(), "backend.provider")
	assert.Contains(t, err.Error(), "loop.max_steps")

	cfg = Default()
	cfg.Backend.APIKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestNormalizeProvider(t *testing.T) {
	assert.Equal(t, "gemini", NormalizeProvider(" GoogleAI "))
	assert.Equal(t, "huggingface", NormalizeProvider("hf"))
	assert.Equal(t, "anthropic", NormalizeProvider("claude"))
	assert.Equal(t, "openai", NormalizeProvider("openai"))
	assert.Equal(t, "OPENAI_API_KEY", APIKeyEnv("OpenAI"))
}
