package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	zLog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	task "go-redteam/internal/agents/react/actor"
	"go-redteam/internal/api"
	"go-redteam/internal/llm"
	"go-redteam/pkg/events"
	"go-redteam/pkg/logger"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:         "serve",
		Annotations: map[string]string{needsBackend: "true"},
		Short:       "Run the HTTP API, one actor per task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := llm.New(ctx, a.cfg.Backend, zLog.Logger)
	if err != nil {
		return err
	}
	reg, fetcher, err := newRegistry(a.cfg.Tools)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(a.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus()
	deps := task.Deps{
		Backend:     client,
		Tools:       reg,
		Config:      loopConfig(a.cfg),
		StepTimeout: a.cfg.Loop.StepTimeout,
		Publisher:   events.Fanout(bus, events.LogSubscriber(zLog.Logger)),
	}
	opts := api.Options{
		Addr:        a.cfg.Server.Addr,
		DefaultMode: a.cfg.Mode,
		Tools:       reg,
		Bus:         bus,
		Web:         fetcher,
	}
	// A nil *SessionStore must not end up inside the interfaces.
	if store != nil {
		deps.Recorder = store
		opts.Sessions = store
	}
	opts.Producer = task.Producer(deps)

	system := actor.NewActorSystem().Root
	app := api.New(system, opts)

	errc := make(chan error, 1)
	go func() {
		zLog.Info().Str(logger.ProviderField, client.Provider()).Str(logger.ModeField, a.cfg.Mode).Str("config", a.loadedFrom).Msg("starting server")
		errc <- app.Start()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server crash: %w", err)
	case <-ctx.Done():
	}
	stop()
	zLog.Info().Msg("shutting down gracefully")

	shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(shutdown); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	zLog.Info().Msg("server exiting")
	return nil
}
