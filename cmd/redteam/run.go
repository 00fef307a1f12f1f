package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	zLog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"go-redteam/internal/agents/react/loop"
	"go-redteam/internal/llm"
	"go-redteam/pkg/display"
	"go-redteam/pkg/events"
	"go-redteam/pkg/logger"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
)

type runOptions struct {
	mode       string
	width      int
	noTruncate bool
	noSave     bool
}

func newRunCmd(a *app) *cobra.Command {
	o := runOptions{}
	cmd := &cobra.Command{
		Use:         "run <objective>",
		Annotations: map[string]string{needsBackend: "true"},
		Short:       "Solve a single objective in the terminal",
		Example: `  redteam run "Decode this base64: RkxBR3tiYXNlNjRfaXNfZWFzeX0="
  redteam run --mode base "What is aGVsbG8= decoded?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := llm.New(ctx, a.cfg.Backend, zLog.Logger)
			if err != nil {
				return err
			}
			return a.run(ctx, client, strings.Join(args, " "), o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&o.mode, "mode", "m", "", "prompt mode (default from config)")
	cmd.Flags().IntVar(&o.width, "width", 100, "panel width")
	cmd.Flags().BoolVar(&o.noTruncate, "no-truncate", false, "show full tool output")
	cmd.Flags().BoolVar(&o.noSave, "no-save", false, "do not persist the session")
	return cmd
}

// run drives one loop to completion, rendering events to out.
func (a *app) run(ctx context.Context, backend loop.Backend, objective string, o runOptions, out io.Writer) error {
	name := o.mode
	if name == "" {
		name = a.cfg.Mode
	}
	mode, ok := prompts.LookupMode(name)
	if !ok {
		return fmt.Errorf("unknown mode %q", name)
	}
	reg, _, err := newRegistry(a.cfg.Tools)
	if err != nil {
		return err
	}
	system, err := mode.SystemPrompt(tools.Describe(reg.List()))
	if err != nil {
		return err
	}

	st := models.TaskStatus{
		ID:        uuid.NewString(),
		Objective: objective,
		Mode:      mode.Name,
		StartedAt: time.Now(),
	}
	log := logger.ForTask(st.ID)
	renderer := display.New(out, display.Options{Width: o.width, Truncate: !o.noTruncate})
	renderer.Status("Task", "Objective: "+objective, "Mode: "+mode.DisplayName)

	l := loop.New(backend, reg, loopConfig(a.cfg),
		loop.WithTaskID(st.ID),
		loop.WithLogger(log),
		loop.WithPublisher(events.Fanout(renderer, events.LogSubscriber(log))),
	)
	if err := l.Start(objective, system); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if a.cfg.Loop.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, a.cfg.Loop.StepTimeout)
		}
		more := l.Step(stepCtx)
		cancel()
		if !more {
			break
		}
	}

	outcome := l.Outcome()
	now := time.Now()
	st.State = l.State()
	st.Status = outcome.Status
	st.Answer = outcome.Answer
	st.Error = outcome.Error
	st.Iterations = outcome.Iterations
	st.Steps = outcome.Steps
	st.EndedAt = &now
	st.Turns = l.Turns()

	if !o.noSave {
		a.save(st)
	}
	if err := l.Err(); err != nil && (outcome.Status == models.BackendError || outcome.Status == models.Cancelled) {
		var be *loop.BackendError
		if errors.As(err, &be) {
			renderer.Error(be.Error(), "check the backend configuration and API key")
		}
		return err
	}
	return nil
}

func (a *app) save(st models.TaskStatus) {
	store, closeStore, err := openStore(a.cfg.Storage)
	if err != nil {
		zLog.Warn().Err(err).Msg("session storage unavailable")
		return
	}
	defer closeStore()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, st); err != nil {
		zLog.Warn().Err(err).Str(logger.TaskField, st.ID).Msg("unable to save session")
	}
}
