package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-redteam/internal/config"
	"go-redteam/pkg/models"
)

type scripted []string

func (s *scripted) Generate(_ context.Context, _ []models.Message, _ models.Constraints) (string, error) {
	if len(*s) == 0 {
		return "", fmt.Errorf("script exhausted")
	}
	r := (*s)[0]
	*s = (*s)[1:]
	return r, nil
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "sessions.db")
	path := filepath.Join(dir, "redteam.yaml")
	body := fmt.Sprintf(`backend:
  provider: ollama
  model: llama3
log:
  level: error
  pretty: false
storage:
  path: %s
`, db)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, db
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRun_SolvesAndSavesSession(t *testing.T) {
	path, _ := writeConfig(t)
	a := &app{configPath: path}
	require.NoError(t, a.loadConfig(true))

	backend := &scripted{
		"Thought: this is base64\nAction: base64_decode\nAction Input: {\"encoded_string\": \"RkxBR3tiYXNlNjRfaXNfZWFzeX0=\"}",
		"Thought: the flag is decoded\nFinal Answer: FLAG{base64_is_easy}",
	}
	var out bytes.Buffer
	err := a.run(context.Background(), backend, "Decode this base64: RkxBR3tiYXNlNjRfaXNfZWFzeX0=", runOptions{width: 100}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "FLAG{base64_is_easy}")
	assert.Contains(t, out.String(), "base64_decode")

	listing, err := execute(t, "--config", path, "sessions")
	require.NoError(t, err)
	assert.Contains(t, listing, "solved")
	assert.Contains(t, listing, "web-ctf")

	store, closeStore, err := openStore(a.cfg.Storage)
	require.NoError(t, err)
	list, err := store.List(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, closeStore())
	require.Len(t, list, 1)

	exported, err := execute(t, "--config", path, "sessions", list[0].ID)
	require.NoError(t, err)
	var st models.TaskStatus
	require.NoError(t, json.Unmarshal([]byte(exported), &st))
	assert.Equal(t, models.Solved, st.Status)
	assert.Equal(t, "FLAG{base64_is_easy}", st.Answer)
	assert.NotEmpty(t, st.Turns)

	_, err = execute(t, "--config", path, "sessions", "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestRun_UnknownMode(t *testing.T) {
	path, _ := writeConfig(t)
	a := &app{configPath: path}
	require.NoError(t, a.loadConfig(true))

	err := a.run(context.Background(), &scripted{}, "x", runOptions{mode: "pwn", noSave: true}, &bytes.Buffer{})
	assert.ErrorContains(t, err, `unknown mode "pwn"`)
}

func TestRun_BackendFailureReturnsError(t *testing.T) {
	path, _ := writeConfig(t)
	a := &app{configPath: path}
	require.NoError(t, a.loadConfig(true))
	a.cfg.Retry.MaxAttempts = 1

	var out bytes.Buffer
	err := a.run(context.Background(), &scripted{}, "x", runOptions{noSave: true}, &out)
	assert.ErrorContains(t, err, "script exhausted")
	assert.Contains(t, out.String(), "backend_error")
}

func TestCatalogCommands(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "--config", path, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "- base64_decode:")
	assert.Contains(t, out, "- fetch_web_content:")

	out, err = execute(t, "--config", path, "modes")
	require.NoError(t, err)
	assert.Contains(t, out, "web-ctf")
	assert.Contains(t, out, "base")

	out, err = execute(t, "examples")
	require.NoError(t, err)
	assert.Contains(t, out, "FLAG{base64_nested_encoding}")
	assert.Contains(t, out, "header_flag")
}

func TestCatalogCommands_NoAPIKeyNeeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redteam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  provider: openai\nstorage:\n  path: \"\"\n"), 0o600))
	t.Setenv("OPENAI_API_KEY", "")

	_, err := execute(t, "--config", path, "tools")
	require.NoError(t, err)

	_, err = execute(t, "--config", path, "sessions")
	assert.ErrorContains(t, err, "disabled")

	_, err = execute(t, "--config", path, "run", "x")
	require.Error(t, err)
	assert.True(t, config.IsValidation(err))
}

func TestLoopConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.MaxSteps = 4
	cfg.Generation.MaxTokens = 256
	lc := loopConfig(cfg)
	assert.Equal(t, 4, lc.MaxSteps)
	assert.Equal(t, 256, lc.Constraints.MaxTokens)
	assert.Equal(t, []string{"\nObservation:", "\nThought:"}, lc.Constraints.StopSequences)
	assert.Equal(t, cfg.Retry.MaxAttempts, lc.Retry.MaxAttempts)
}
