package main

import (
	"fmt"

	"go-redteam/internal/agents/react/loop"
	"go-redteam/internal/config"
	"go-redteam/internal/storage"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
	"go-redteam/pkg/tools/encoding"
	"go-redteam/pkg/tools/web"
)

func loopConfig(cfg *config.Config) loop.Config {
	return loop.Config{
		MaxSteps:               cfg.Loop.MaxSteps,
		MaxConsecutiveFailures: cfg.Loop.MaxConsecutiveFailures,
		LoopDetectionWindow:    cfg.Loop.LoopDetectionWindow,
		Constraints: models.Constraints{
			StopSequences: prompts.StopSequences(),
			MaxTokens:     cfg.Generation.MaxTokens,
			Temperature:   cfg.Generation.Temperature,
		},
		Retry: loop.RetryPolicy{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			InitialDelay:  cfg.Retry.InitialDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			MaxDelay:      cfg.Retry.MaxDelay,
		},
	}
}

// newRegistry registers every built-in tool. The web fetcher is returned
// for inspecting its sessions.
func newRegistry(cfg config.ToolsConfig) (*tools.Registry, *web.Fetcher, error) {
	reg := tools.NewRegistry()
	if err := encoding.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("register encoding tools: %w", err)
	}
	fetcher := web.New(web.Options{
		Timeout:         cfg.HTTPTimeout,
		UserAgent:       cfg.UserAgent,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		MaxContentChars: cfg.MaxContentChars,
	})
	if err := web.Register(reg, fetcher); err != nil {
		return nil, nil, fmt.Errorf("register web tools: %w", err)
	}
	return reg, fetcher, nil
}

// openStore opens the session database. A nil store means persistence
// is disabled.
func openStore(cfg config.StorageConfig) (*storage.SessionStore, func() error, error) {
	if cfg.Path == "" {
		return nil, func() error { return nil }, nil
	}
	db, err := storage.Open(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSessionStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}
